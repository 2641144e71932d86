/*
Package calculation derives component values from a pay record's
calculation inputs.

PURPOSE:
  Contributions and similar components are not typed in; they follow from
  bases and rates. Each payroll.CalculationRule names one target component:

    rate: clamp(Σ bases, floor, cap) × rate%   rounded to two places
    sum:  Σ bases                              rounded to two places

  Rates are percentages (8.00 means 8%) so they fit the two-place amount
  format like every other input.

  Bases are read from calculation inputs first, then earnings. Missing
  values are zero, but a rule whose bases and rate input are all missing
  produces nothing, so values typed in at ingest survive a recompute.
  Rules run in order and each result is visible to the rules after it, so
  a CALCULATION_RESULT can feed a later rate. A result the record holds as
  a manual input stays visible as the manual value.

CONDITIONS:
  A rule's When is a CEL boolean expression with three variables:

    inputs         map(string, double)  calculation inputs and earlier results
    earnings       map(string, double)
    establishment  string

  e.g. `has(inputs.annuity_enrolled) && inputs.annuity_enrolled > 0.0`.
  A false condition computes zero. Conditions see doubles; the arithmetic
  itself stays decimal.

ERRORS:
  Any compile or evaluation failure returns payroll.ErrCalculationFailed
  wrapping the cause. Nothing partial is returned.

SEE ALSO:
  - payroll/service.go: Recompute calls Calculate
  - establishment/presets.go: Standard rules
*/
package calculation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// INTERPRETER
// =============================================================================

type Interpreter struct {
	env      *cel.Env
	programs sync.Map // condition text -> cel.Program
}

func New() (*Interpreter, error) {
	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("earnings", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("establishment", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Interpreter{env: env}, nil
}

// Check compiles every condition so bad rules fail at load time.
func (in *Interpreter) Check(rules []payroll.CalculationRule) error {
	for _, r := range rules {
		if strings.TrimSpace(r.When) == "" {
			continue
		}
		if _, err := in.program(r.When); err != nil {
			return fmt.Errorf("%w: condition for %s: %w", payroll.ErrCalculationFailed, r.Component, err)
		}
	}
	return nil
}

// Calculate evaluates the rules that apply to rec's establishment type.
func (in *Interpreter) Calculate(ctx context.Context, rec payroll.PayRecord, rules []payroll.CalculationRule) (map[payroll.ComponentCode]decimal.Decimal, error) {
	working := make(map[payroll.ComponentCode]decimal.Decimal, len(rec.CalculationInputs))
	for code := range rec.CalculationInputs {
		working[code] = rec.CalculationInputs.Amount(code)
	}

	out := make(map[payroll.ComponentCode]decimal.Decimal)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !rule.AppliesTo(rec.EstablishmentType) || !hasInputs(rule, working, rec.Earnings) {
			continue
		}

		value, err := in.evaluate(rule, rec, working)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", payroll.ErrCalculationFailed, rule.Component, err)
		}
		out[rule.Component] = value
		if !rec.CalculationInputs[rule.Component].IsManual {
			working[rule.Component] = value
		}
	}
	return out, nil
}

// hasInputs reports whether any base or the rate input of rule is present.
func hasInputs(rule payroll.CalculationRule, working map[payroll.ComponentCode]decimal.Decimal, earnings payroll.ComponentMap) bool {
	for _, code := range rule.Bases {
		if _, ok := working[code]; ok {
			return true
		}
		if _, ok := earnings[code]; ok {
			return true
		}
	}
	if rule.Rate != "" {
		_, ok := working[rule.Rate]
		return ok
	}
	return false
}

func (in *Interpreter) evaluate(rule payroll.CalculationRule, rec payroll.PayRecord, working map[payroll.ComponentCode]decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(rule.When) != "" {
		ok, err := in.condition(rule.When, rec, working)
		if err != nil {
			return decimal.Zero, err
		}
		if !ok {
			return decimal.Zero, nil
		}
	}

	base := decimal.Zero
	for _, code := range rule.Bases {
		base = base.Add(lookup(code, working, rec.Earnings))
	}

	switch rule.Kind {
	case payroll.CalcSum:
		return payroll.Round2(base), nil
	case payroll.CalcRate:
		if rule.Floor != nil && base.LessThan(*rule.Floor) {
			base = *rule.Floor
		}
		if rule.Cap != nil && base.GreaterThan(*rule.Cap) {
			base = *rule.Cap
		}
		rate, err := rateOf(rule, working)
		if err != nil {
			return decimal.Zero, err
		}
		return payroll.Round2(base.Mul(rate).Shift(-2)), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown calculation kind %q", rule.Kind)
	}
}

// rateOf returns the rule's rate as a percentage.
func rateOf(rule payroll.CalculationRule, working map[payroll.ComponentCode]decimal.Decimal) (decimal.Decimal, error) {
	if rule.Rate != "" {
		return working[rule.Rate], nil
	}
	if rule.RateValue != nil {
		return *rule.RateValue, nil
	}
	return decimal.Zero, errors.New("rate calculation without rate")
}

func lookup(code payroll.ComponentCode, working map[payroll.ComponentCode]decimal.Decimal, earnings payroll.ComponentMap) decimal.Decimal {
	if v, ok := working[code]; ok {
		return v
	}
	return earnings.Amount(code)
}

// =============================================================================
// CEL CONDITIONS
// =============================================================================

func (in *Interpreter) condition(expr string, rec payroll.PayRecord, working map[payroll.ComponentCode]decimal.Decimal) (bool, error) {
	program, err := in.program(expr)
	if err != nil {
		return false, err
	}

	earnings := make(map[string]float64, len(rec.Earnings))
	for code := range rec.Earnings {
		earnings[string(code)] = rec.Earnings.Amount(code).InexactFloat64()
	}
	out, _, err := program.Eval(map[string]any{
		"inputs":        doubles(working),
		"earnings":      earnings,
		"establishment": string(rec.EstablishmentType),
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not produce a bool", expr)
	}
	return v, nil
}

func (in *Interpreter) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if cached, ok := in.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := in.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition %q must be boolean, got %s", expr, ast.OutputType())
	}
	program, err := in.env.Program(ast)
	if err != nil {
		return nil, err
	}
	in.programs.Store(expr, program)
	return program, nil
}

func doubles(m map[payroll.ComponentCode]decimal.Decimal) map[string]float64 {
	out := make(map[string]float64, len(m))
	for code, v := range m {
		out[string(code)] = v.InexactFloat64()
	}
	return out
}

var _ payroll.ComponentCalculator = (*Interpreter)(nil)
