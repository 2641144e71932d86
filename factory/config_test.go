package factory_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/establishment"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

const sampleYAML = `
version: 1
components:
  - {code: position_salary, display_name: Position salary, category: EARNING, display_order: 10}
  - {code: grade_salary, display_name: Grade salary, category: earning, display_order: 20}
  - {code: legacy_bonus, display_name: Legacy bonus, category: EARNING, display_order: 30, active: false}
  - {code: one_time_deduction, display_name: One-time deduction, category: EARNING, display_order: 40}
  - {code: pension, display_name: Pension, category: PERSONAL_DEDUCTION, display_order: 100}
  - {code: tax, display_name: Tax, category: PERSONAL_DEDUCTION, display_order: 110}
  - {code: other_deductions, display_name: Other, category: PERSONAL_DEDUCTION, display_order: 120}
  - {code: pension_base, display_name: Pension base, category: CALCULATION_BASE, display_order: 300}
  - {code: pension_rate, display_name: Pension rate, category: CALCULATION_RATE, display_order: 310}
establishment_types:
  - code: civil-servant
    display_name: Civil servant
    formula:
      subtotal: [position_salary, grade_salary, legacy_bonus]
      personal_deductions: [pension, tax]
      gross_topup: one_time_deduction
  - code: visiting-scholar
    display_name: Visiting scholar
calculations:
  - component: pension
    kind: rate
    bases: [pension_base]
    rate: pension_rate
    floor: "3000"
    cap: "30000"
    when: "inputs.pension_base > 0.0"
    establishment_types: [civil-servant]
`

func TestParse_YAML(t *testing.T) {
	// GIVEN: A version 1 YAML file
	// WHEN: Parsing
	// THEN: Registry, formula table and calculations are built

	cfg, err := factory.New().Parse([]byte(sampleYAML))
	require.NoError(t, err)

	d, ok := cfg.Registry.Lookup("grade_salary")
	require.True(t, ok)
	assert.Equal(t, payroll.CategoryEarning, d.Category)
	assert.True(t, d.IsActive)

	legacy, ok := cfg.Registry.Lookup("legacy_bonus")
	require.True(t, ok)
	assert.False(t, legacy.IsActive)

	rule, ok := cfg.Formulas.Lookup("civil-servant")
	require.True(t, ok)
	assert.Equal(t, []payroll.ComponentCode{"position_salary", "grade_salary", "legacy_bonus"}, rule.SubtotalComponents)
	assert.Equal(t, payroll.ComponentCode("one_time_deduction"), rule.GrossTopupComponent)
	assert.Equal(t, payroll.DefaultOtherDeductionsComponent, rule.OtherDeductionsComponent)

	// A type without a formula is known but aggregates with the zero rule.
	_, ok = cfg.Formulas.Lookup("visiting-scholar")
	assert.False(t, ok)
	assert.Len(t, cfg.EstablishmentTypes, 2)

	require.Len(t, cfg.Calculations, 1)
	calc := cfg.Calculations[0]
	assert.Equal(t, payroll.CalcRate, calc.Kind)
	require.NotNil(t, calc.Floor)
	require.NotNil(t, calc.Cap)
	assert.Equal(t, "3000", calc.Floor.String())
	assert.Equal(t, "30000", calc.Cap.String())
	assert.True(t, calc.AppliesTo("civil-servant"))
	assert.False(t, calc.AppliesTo("visiting-scholar"))
}

func TestParse_JSON(t *testing.T) {
	data := []byte(`{
		"version": 1,
		"other_deductions_component": "misc",
		"components": [
			{"code": "salary", "display_name": "Salary", "category": "EARNING", "display_order": 1},
			{"code": "misc", "display_name": "Misc", "category": "PERSONAL_DEDUCTION", "display_order": 2}
		],
		"establishment_types": [
			{"code": "contract-staff", "display_name": "Contract staff",
			 "formula": {"subtotal": ["salary"], "personal_deductions": []}}
		]
	}`)

	cfg, err := factory.New().Parse(data)
	require.NoError(t, err)
	rule, ok := cfg.Formulas.Lookup("contract-staff")
	require.True(t, ok)
	assert.Equal(t, payroll.ComponentCode("misc"), rule.OtherDeductionsComponent)
	assert.Empty(t, rule.GrossTopupComponent)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"wrong version": `version: 2`,
		"not yaml":      `version: [1`,
		"unknown category": `
version: 1
components:
  - {code: x, category: BONUS}`,
		"duplicate component": `
version: 1
components:
  - {code: other_deductions, category: PERSONAL_DEDUCTION}
  - {code: other_deductions, category: PERSONAL_DEDUCTION}`,
		"formula references unknown component": `
version: 1
components:
  - {code: other_deductions, category: PERSONAL_DEDUCTION}
establishment_types:
  - code: civil-servant
    formula: {subtotal: [ghost_salary]}`,
		"duplicate establishment type": `
version: 1
components:
  - {code: other_deductions, category: PERSONAL_DEDUCTION}
establishment_types:
  - {code: civil-servant}
  - {code: civil-servant}`,
		"floor above cap": `
version: 1
components:
  - {code: other_deductions, category: PERSONAL_DEDUCTION}
  - {code: pension, category: PERSONAL_DEDUCTION}
  - {code: pension_base, category: CALCULATION_BASE}
calculations:
  - {component: pension, kind: rate, bases: [pension_base], rate_value: "8", floor: "5", cap: "1"}`,
		"malformed rate": `
version: 1
components:
  - {code: other_deductions, category: PERSONAL_DEDUCTION}
  - {code: pension, category: PERSONAL_DEDUCTION}
  - {code: pension_base, category: CALCULATION_BASE}
calculations:
  - {component: pension, kind: rate, bases: [pension_base], rate_value: "eight"}`,
		"missing other deductions component": `
version: 1
components:
  - {code: salary, category: EARNING}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.New().Parse([]byte(data))
			assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
		})
	}
}

func TestParse_ConditionChecker(t *testing.T) {
	// GIVEN: A checker that rejects every rule set
	// THEN: Parse fails with ErrInvalidConfig wrapping the checker's error

	bad := errors.New("undeclared reference to 'input'")
	f := factory.New(factory.WithConditionChecker(func([]payroll.CalculationRule) error { return bad }))

	_, err := f.Parse([]byte(sampleYAML))
	assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
	assert.ErrorIs(t, err, bad)
}

func TestMarshal_RoundTripsPresets(t *testing.T) {
	// GIVEN: The built-in establishment presets
	// WHEN: Marshalling to YAML and parsing back
	// THEN: The same catalog, formulas and calculations come back

	cfg, err := establishment.DefaultConfig()
	require.NoError(t, err)
	f := factory.New()

	data, err := f.Marshal(cfg)
	require.NoError(t, err)
	back, err := f.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, cfg.Registry.All(), back.Registry.All())
	assert.Equal(t, cfg.EstablishmentTypes, back.EstablishmentTypes)
	require.Len(t, back.Calculations, len(cfg.Calculations))
	for i, want := range cfg.Calculations {
		got := back.Calculations[i]
		assert.Equal(t, want.Component, got.Component)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Bases, got.Bases)
		assert.Equal(t, want.When, got.When)
		if want.RateValue != nil {
			require.NotNil(t, got.RateValue)
			assert.True(t, want.RateValue.Equal(*got.RateValue))
		}
	}
	for _, et := range cfg.EstablishmentTypes {
		want, _ := cfg.Formulas.Lookup(et.Code)
		got, _ := back.Formulas.Lookup(et.Code)
		assert.Equal(t, want, got)
	}
}

func TestFileLoader_ReloadPicksUpEdits(t *testing.T) {
	// GIVEN: A config cache backed by a YAML file
	// WHEN: The file is edited to deactivate a component and the cache reloads
	// THEN: The new snapshot reflects the edit

	path := filepath.Join(t.TempDir(), "payroll.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	ctx := context.Background()
	cache, err := payroll.NewConfigCache(ctx, factory.New().FileLoader(path))
	require.NoError(t, err)
	d, _ := cache.Registry().Lookup("grade_salary")
	require.True(t, d.IsActive)

	cfg := cache.Current()
	require.NoError(t, cfg.Registry.Deactivate("grade_salary"))
	data, err := factory.New().Marshal(*cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.NoError(t, cache.Reload(ctx))
	assert.NotSame(t, cfg, cache.Current())
	d, _ = cache.Registry().Lookup("grade_salary")
	assert.False(t, d.IsActive)
}

func TestParseFile_Missing(t *testing.T) {
	_, err := factory.New().ParseFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
