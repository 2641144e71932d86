/*
Package factory converts configuration files into payroll.Config.

PURPOSE:
  The component catalog, formula table and calculation rules are owned by
  administrators, not developers. They live in a versioned YAML (or JSON)
  file; the factory validates it and builds the engine's types.

FILE SCHEMA (version 1):
  version: 1
  other_deductions_component: other_deductions
  components:
    - code: position_salary
      display_name: Position salary
      category: EARNING
      display_order: 10
      active: true              # optional, default true
  establishment_types:
    - code: civil-servant
      display_name: Civil servant
      formula:                  # optional; no formula means zero fallback
        subtotal: [position_salary, grade_salary]
        personal_deductions: [pension, tax]
        gross_topup: one_time_deduction
  calculations:
    - component: pension
      kind: rate                # rate | sum
      bases: [pension_base]
      rate: pension_rate        # or rate_value: "8"
      floor: "3000"
      cap: "30000"
      when: "inputs.pension_base > 0.0"
      establishment_types: [civil-servant]

  JSON with the same keys is accepted; it is parsed by the same decoder.

VALIDATION:
  - version must be 1
  - categories must be known
  - codes must be unique
  - formulas and calculations may only reference registered components
  - conditions must compile, when a ConditionChecker is configured

USAGE:
  f := factory.New(factory.WithConditionChecker(interp.Check))
  cfg, err := f.Parse(data)

  cache, err := payroll.NewConfigCache(ctx, f.FileLoader("payroll.yaml"))

SEE ALSO:
  - establishment/presets.go: The same catalog in Go
  - payroll/formula.go: Types produced here
*/
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/payroll-engine/payroll"
)

// SupportedVersion is the only file version this factory reads.
const SupportedVersion = 1

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

type ConfigFile struct {
	Version                  int                     `yaml:"version" json:"version"`
	OtherDeductionsComponent string                  `yaml:"other_deductions_component,omitempty" json:"other_deductions_component,omitempty"`
	Components               []ComponentFile         `yaml:"components" json:"components"`
	EstablishmentTypes       []EstablishmentTypeFile `yaml:"establishment_types" json:"establishment_types"`
	Calculations             []CalculationFile       `yaml:"calculations,omitempty" json:"calculations,omitempty"`
}

type ComponentFile struct {
	Code         string `yaml:"code" json:"code"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	Category     string `yaml:"category" json:"category"`
	DisplayOrder int    `yaml:"display_order" json:"display_order"`
	Active       *bool  `yaml:"active,omitempty" json:"active,omitempty"`
}

type EstablishmentTypeFile struct {
	Code        string       `yaml:"code" json:"code"`
	DisplayName string       `yaml:"display_name" json:"display_name"`
	Formula     *FormulaFile `yaml:"formula,omitempty" json:"formula,omitempty"`
}

type FormulaFile struct {
	Subtotal           []string `yaml:"subtotal" json:"subtotal"`
	PersonalDeductions []string `yaml:"personal_deductions" json:"personal_deductions"`
	GrossTopup         string   `yaml:"gross_topup,omitempty" json:"gross_topup,omitempty"`
}

type CalculationFile struct {
	Component          string   `yaml:"component" json:"component"`
	Kind               string   `yaml:"kind" json:"kind"`
	Bases              []string `yaml:"bases" json:"bases"`
	Rate               string   `yaml:"rate,omitempty" json:"rate,omitempty"`
	RateValue          string   `yaml:"rate_value,omitempty" json:"rate_value,omitempty"`
	Floor              string   `yaml:"floor,omitempty" json:"floor,omitempty"`
	Cap                string   `yaml:"cap,omitempty" json:"cap,omitempty"`
	When               string   `yaml:"when,omitempty" json:"when,omitempty"`
	EstablishmentTypes []string `yaml:"establishment_types,omitempty" json:"establishment_types,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// ConditionChecker compiles calculation conditions. calculation.Interpreter.Check fits.
type ConditionChecker func(rules []payroll.CalculationRule) error

type Factory struct {
	checkConditions ConditionChecker
}

type Option func(*Factory)

func WithConditionChecker(c ConditionChecker) Option {
	return func(f *Factory) { f.checkConditions = c }
}

func New(opts ...Option) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Parse decodes YAML or JSON and builds a validated Config.
func (f *Factory) Parse(data []byte) (payroll.Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return payroll.Config{}, fmt.Errorf("%w: decode config: %w", payroll.ErrInvalidConfig, err)
	}
	return f.FromFile(file)
}

// ParseFile reads and parses path.
func (f *Factory) ParseFile(path string) (payroll.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return payroll.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := f.Parse(data)
	if err != nil {
		return payroll.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromFile builds a Config from decoded file contents.
func (f *Factory) FromFile(file ConfigFile) (payroll.Config, error) {
	if file.Version != SupportedVersion {
		return payroll.Config{}, fmt.Errorf("%w: unsupported config version %d", payroll.ErrInvalidConfig, file.Version)
	}

	defs := make([]payroll.ComponentDefinition, 0, len(file.Components))
	for _, c := range file.Components {
		code := strings.TrimSpace(c.Code)
		if code == "" {
			return payroll.Config{}, fmt.Errorf("%w: component without code", payroll.ErrInvalidConfig)
		}
		cat, err := payroll.ParseCategory(c.Category)
		if err != nil {
			return payroll.Config{}, fmt.Errorf("component %s: %w", code, err)
		}
		active := true
		if c.Active != nil {
			active = *c.Active
		}
		defs = append(defs, payroll.ComponentDefinition{
			Code:         payroll.ComponentCode(code),
			DisplayName:  c.DisplayName,
			Category:     cat,
			IsActive:     active,
			DisplayOrder: c.DisplayOrder,
		})
	}
	reg, err := payroll.NewRegistry(defs...)
	if err != nil {
		return payroll.Config{}, fmt.Errorf("%w: %w", payroll.ErrInvalidConfig, err)
	}

	types := make([]payroll.EstablishmentType, 0, len(file.EstablishmentTypes))
	var rules []payroll.FormulaRule
	seen := make(map[string]bool)
	for _, et := range file.EstablishmentTypes {
		code := strings.TrimSpace(et.Code)
		if code == "" {
			return payroll.Config{}, fmt.Errorf("%w: establishment type without code", payroll.ErrInvalidConfig)
		}
		if seen[code] {
			return payroll.Config{}, fmt.Errorf("%w: duplicate establishment type %s", payroll.ErrInvalidConfig, code)
		}
		seen[code] = true
		types = append(types, payroll.EstablishmentType{Code: payroll.EstablishmentTypeCode(code), DisplayName: et.DisplayName})
		if et.Formula != nil {
			rules = append(rules, payroll.FormulaRule{
				EstablishmentType:           payroll.EstablishmentTypeCode(code),
				SubtotalComponents:          codes(et.Formula.Subtotal),
				PersonalDeductionComponents: codes(et.Formula.PersonalDeductions),
				GrossTopupComponent:         payroll.ComponentCode(strings.TrimSpace(et.Formula.GrossTopup)),
			})
		}
	}
	table, err := payroll.NewFormulaTable(payroll.ComponentCode(strings.TrimSpace(file.OtherDeductionsComponent)), rules...)
	if err != nil {
		return payroll.Config{}, err
	}

	calcs := make([]payroll.CalculationRule, 0, len(file.Calculations))
	for _, c := range file.Calculations {
		rule, err := parseCalculation(c)
		if err != nil {
			return payroll.Config{}, err
		}
		calcs = append(calcs, rule)
	}

	cfg := payroll.Config{
		Registry:           reg,
		EstablishmentTypes: types,
		Formulas:           table,
		Calculations:       calcs,
	}
	if err := cfg.Validate(); err != nil {
		return payroll.Config{}, err
	}
	if f.checkConditions != nil {
		if err := f.checkConditions(calcs); err != nil {
			return payroll.Config{}, fmt.Errorf("%w: %w", payroll.ErrInvalidConfig, err)
		}
	}
	return cfg, nil
}

// ToFile converts a Config back into its file form.
func (f *Factory) ToFile(cfg payroll.Config) ConfigFile {
	file := ConfigFile{
		Version:                  SupportedVersion,
		OtherDeductionsComponent: string(cfg.Formulas.OtherDeductionsComponent),
	}
	if cfg.Registry != nil {
		for _, d := range cfg.Registry.All() {
			active := d.IsActive
			file.Components = append(file.Components, ComponentFile{
				Code:         string(d.Code),
				DisplayName:  d.DisplayName,
				Category:     string(d.Category),
				DisplayOrder: d.DisplayOrder,
				Active:       &active,
			})
		}
	}
	for _, et := range cfg.EstablishmentTypes {
		etf := EstablishmentTypeFile{Code: string(et.Code), DisplayName: et.DisplayName}
		if rule, ok := cfg.Formulas.Lookup(et.Code); ok {
			etf.Formula = &FormulaFile{
				Subtotal:           strs(rule.SubtotalComponents),
				PersonalDeductions: strs(rule.PersonalDeductionComponents),
				GrossTopup:         string(rule.GrossTopupComponent),
			}
		}
		file.EstablishmentTypes = append(file.EstablishmentTypes, etf)
	}
	for _, r := range cfg.Calculations {
		cf := CalculationFile{
			Component: string(r.Component),
			Kind:      string(r.Kind),
			Bases:     strs(r.Bases),
			Rate:      string(r.Rate),
			When:      r.When,
		}
		if r.RateValue != nil {
			cf.RateValue = r.RateValue.String()
		}
		if r.Floor != nil {
			cf.Floor = r.Floor.String()
		}
		if r.Cap != nil {
			cf.Cap = r.Cap.String()
		}
		for _, et := range r.EstablishmentTypes {
			cf.EstablishmentTypes = append(cf.EstablishmentTypes, string(et))
		}
		file.Calculations = append(file.Calculations, cf)
	}
	return file
}

// Marshal writes cfg as YAML.
func (f *Factory) Marshal(cfg payroll.Config) ([]byte, error) {
	return yaml.Marshal(f.ToFile(cfg))
}

// =============================================================================
// FILE LOADER - payroll.ConfigLoader over a file path
// =============================================================================

// FileLoader re-reads path on every LoadConfig, so ConfigCache.Reload picks
// up edits.
type FileLoader struct {
	factory *Factory
	path    string
}

func (f *Factory) FileLoader(path string) *FileLoader {
	return &FileLoader{factory: f, path: path}
}

func (l *FileLoader) LoadConfig(_ context.Context) (payroll.Config, error) {
	return l.factory.ParseFile(l.path)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseCalculation(c CalculationFile) (payroll.CalculationRule, error) {
	rule := payroll.CalculationRule{
		Component: payroll.ComponentCode(strings.TrimSpace(c.Component)),
		Kind:      payroll.CalculationKind(strings.ToLower(strings.TrimSpace(c.Kind))),
		Bases:     codes(c.Bases),
		Rate:      payroll.ComponentCode(strings.TrimSpace(c.Rate)),
		When:      strings.TrimSpace(c.When),
	}
	var err error
	if rule.RateValue, err = optionalDecimal(c.RateValue); err != nil {
		return rule, fmt.Errorf("%w: calculation %s rate_value: %w", payroll.ErrInvalidConfig, rule.Component, err)
	}
	if rule.Floor, err = optionalDecimal(c.Floor); err != nil {
		return rule, fmt.Errorf("%w: calculation %s floor: %w", payroll.ErrInvalidConfig, rule.Component, err)
	}
	if rule.Cap, err = optionalDecimal(c.Cap); err != nil {
		return rule, fmt.Errorf("%w: calculation %s cap: %w", payroll.ErrInvalidConfig, rule.Component, err)
	}
	if rule.Floor != nil && rule.Cap != nil && rule.Floor.GreaterThan(*rule.Cap) {
		return rule, fmt.Errorf("%w: calculation %s floor above cap", payroll.ErrInvalidConfig, rule.Component)
	}
	for _, et := range c.EstablishmentTypes {
		rule.EstablishmentTypes = append(rule.EstablishmentTypes, payroll.EstablishmentTypeCode(strings.TrimSpace(et)))
	}
	return rule, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func codes(in []string) []payroll.ComponentCode {
	if len(in) == 0 {
		return nil
	}
	out := make([]payroll.ComponentCode, 0, len(in))
	for _, s := range in {
		out = append(out, payroll.ComponentCode(strings.TrimSpace(s)))
	}
	return out
}

func strs(in []payroll.ComponentCode) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, string(c))
	}
	return out
}
