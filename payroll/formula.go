/*
formula.go - Formula Table and calculation rules

PURPOSE:
  Establishment types differ in which components make up pay. Instead of one
  branch of summation code per type, each type gets a FormulaRule row:

    subtotal           = Σ SubtotalComponents           (from earnings)
    gross payable      = subtotal + GrossTopupComponent (from earnings)
    personal deduction = Σ PersonalDeductionComponents  (from deductions)

  The Aggregation Engine (aggregate.go) reads the row and does the rest.

TOP-UP ASYMMETRY:
  Some types top up with a one-time adjustment, others with a back-pay
  total. There is no general rule behind this, so it stays per-type data.

FALLBACK:
  An establishment type with no row gets the zero rule: empty lists, no
  top-up. Aggregation still succeeds and yields subtotal 0.

OTHER DEDUCTIONS:
  One table-wide component holds "other deductions". It is subtracted from
  net pay on its own and never counted in the personal deduction total,
  even when a row lists it.

SEE ALSO:
  - aggregate.go: Consumes FormulaRule
  - factory/config.go: Builds tables from YAML/JSON
  - establishment/presets.go: Standard rows per establishment type
*/
package payroll

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultOtherDeductionsComponent is the designated other-deductions code
// used when a table does not name one.
const DefaultOtherDeductionsComponent ComponentCode = "other_deductions"

// =============================================================================
// FORMULA RULE
// =============================================================================

// FormulaRule is one establishment type's row in the Formula Table.
type FormulaRule struct {
	EstablishmentType           EstablishmentTypeCode
	SubtotalComponents          []ComponentCode
	PersonalDeductionComponents []ComponentCode
	GrossTopupComponent         ComponentCode // empty: no top-up
	OtherDeductionsComponent    ComponentCode

	fallback bool
}

// ZeroRule is the fallback for an establishment type with no row.
func ZeroRule(et EstablishmentTypeCode, otherDeductions ComponentCode) FormulaRule {
	return FormulaRule{
		EstablishmentType:        et,
		OtherDeductionsComponent: otherDeductions,
		fallback:                 true,
	}
}

// IsFallback reports whether r came from ZeroRule rather than a configured row.
func (r FormulaRule) IsFallback() bool { return r.fallback }

// Codes returns every component the rule references, without duplicates.
func (r FormulaRule) Codes() []ComponentCode {
	seen := make(map[ComponentCode]bool)
	var out []ComponentCode
	add := func(c ComponentCode) {
		if c == "" || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}
	for _, c := range r.SubtotalComponents {
		add(c)
	}
	for _, c := range r.PersonalDeductionComponents {
		add(c)
	}
	add(r.GrossTopupComponent)
	add(r.OtherDeductionsComponent)
	return out
}

// =============================================================================
// FORMULA TABLE
// =============================================================================

// FormulaTable maps establishment types to their rule.
// Tables are built once and treated as read-only afterwards.
type FormulaTable struct {
	OtherDeductionsComponent ComponentCode
	rules                    map[EstablishmentTypeCode]FormulaRule
}

// NewFormulaTable builds a table. Each establishment type may appear once.
// Rules without an OtherDeductionsComponent inherit the table's.
func NewFormulaTable(otherDeductions ComponentCode, rules ...FormulaRule) (FormulaTable, error) {
	if otherDeductions == "" {
		otherDeductions = DefaultOtherDeductionsComponent
	}
	t := FormulaTable{
		OtherDeductionsComponent: otherDeductions,
		rules:                    make(map[EstablishmentTypeCode]FormulaRule, len(rules)),
	}
	for _, r := range rules {
		if r.EstablishmentType == "" {
			return FormulaTable{}, fmt.Errorf("%w: formula rule without establishment type", ErrInvalidConfig)
		}
		if _, dup := t.rules[r.EstablishmentType]; dup {
			return FormulaTable{}, fmt.Errorf("%w: duplicate formula rule for %s", ErrInvalidConfig, r.EstablishmentType)
		}
		if r.OtherDeductionsComponent == "" {
			r.OtherDeductionsComponent = otherDeductions
		}
		r.fallback = false
		t.rules[r.EstablishmentType] = r
	}
	return t, nil
}

// Lookup returns the rule for et. When there is none it returns the zero
// rule and false; callers log the fallback, they do not fail.
func (t FormulaTable) Lookup(et EstablishmentTypeCode) (FormulaRule, bool) {
	if r, ok := t.rules[et]; ok {
		return r, true
	}
	other := t.OtherDeductionsComponent
	if other == "" {
		other = DefaultOtherDeductionsComponent
	}
	return ZeroRule(et, other), false
}

// Rules returns all rows. Order is unspecified.
func (t FormulaTable) Rules() []FormulaRule {
	out := make([]FormulaRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	return out
}

// Validate checks that every referenced component is registered.
func (t FormulaTable) Validate(c Catalog) error {
	if _, err := requireComponent(c, t.OtherDeductionsComponent); err != nil {
		return fmt.Errorf("%w: other deductions: %w", ErrInvalidConfig, err)
	}
	for et, r := range t.rules {
		for _, code := range r.Codes() {
			if _, err := requireComponent(c, code); err != nil {
				return fmt.Errorf("%w: formula %s: %w", ErrInvalidConfig, et, err)
			}
		}
	}
	return nil
}

// =============================================================================
// CALCULATION RULES - Data for the calculation-input interpreter
// =============================================================================

type CalculationKind string

const (
	// CalcRate: clamp(Σ Bases, Floor, Cap) × rate / 100
	CalcRate CalculationKind = "rate"
	// CalcSum: Σ Bases
	CalcSum CalculationKind = "sum"
)

// CalculationRule derives one component's value from calculation inputs.
// The interpreter that evaluates these lives in package calculation.
type CalculationRule struct {
	Component ComponentCode
	Kind      CalculationKind
	Bases     []ComponentCode

	// Rate names a calculation input holding a percentage; RateValue is a
	// constant percentage used when Rate is empty.
	Rate      ComponentCode
	RateValue *decimal.Decimal

	Floor *decimal.Decimal
	Cap   *decimal.Decimal

	// When is an optional CEL boolean expression. False computes zero.
	When string

	// EstablishmentTypes restricts the rule; empty applies to all types.
	EstablishmentTypes []EstablishmentTypeCode
}

// AppliesTo reports whether the rule covers an establishment type.
func (r CalculationRule) AppliesTo(et EstablishmentTypeCode) bool {
	if len(r.EstablishmentTypes) == 0 {
		return true
	}
	for _, t := range r.EstablishmentTypes {
		if t == et {
			return true
		}
	}
	return false
}

// =============================================================================
// CONFIG - Everything the engine reads at call time
// =============================================================================

// Config is an immutable snapshot of the registry, formula table and
// calculation rules. See ConfigCache for how it is shared.
type Config struct {
	Registry           *Registry
	EstablishmentTypes []EstablishmentType
	Formulas           FormulaTable
	Calculations       []CalculationRule
}

// Validate checks cross references between the parts of the config.
func (c Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	if err := c.Formulas.Validate(c.Registry); err != nil {
		return err
	}
	for _, rule := range c.Calculations {
		def, err := requireComponent(c.Registry, rule.Component)
		if err != nil {
			return fmt.Errorf("%w: calculation: %w", ErrInvalidConfig, err)
		}
		if def.Category.MapFor() == MapCalculationInputs && def.Category != CategoryCalculationResult {
			return fmt.Errorf("%w: calculation target %s is an input (%s)", ErrInvalidConfig, def.Code, def.Category)
		}
		switch rule.Kind {
		case CalcRate:
			if rule.Rate == "" && rule.RateValue == nil {
				return fmt.Errorf("%w: rate calculation for %s has no rate", ErrInvalidConfig, rule.Component)
			}
		case CalcSum:
		default:
			return fmt.Errorf("%w: unknown calculation kind %q for %s", ErrInvalidConfig, rule.Kind, rule.Component)
		}
		if len(rule.Bases) == 0 {
			return fmt.Errorf("%w: calculation for %s has no bases", ErrInvalidConfig, rule.Component)
		}
		refs := append([]ComponentCode{}, rule.Bases...)
		if rule.Rate != "" {
			refs = append(refs, rule.Rate)
		}
		for _, ref := range refs {
			if _, err := requireComponent(c.Registry, ref); err != nil {
				return fmt.Errorf("%w: calculation %s: %w", ErrInvalidConfig, rule.Component, err)
			}
		}
	}
	return nil
}
