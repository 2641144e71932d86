package payroll_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := payroll.NewRegistry(
		def("tax", payroll.CategoryPersonalDeduction, 1),
		def("tax", payroll.CategoryPersonalDeduction, 2),
	)
	assert.ErrorIs(t, err, payroll.ErrDuplicateComponent)
}

func TestRegistry_GetActiveOrdersAndFilters(t *testing.T) {
	// GIVEN: Components registered out of display order
	// WHEN: Listing active earnings
	// THEN: Only earnings, ordered by DisplayOrder then code

	reg, err := payroll.NewRegistry(
		def("b_bonus", payroll.CategoryEarning, 20),
		def("tax", payroll.CategoryPersonalDeduction, 5),
		def("a_bonus", payroll.CategoryEarning, 20),
		def("salary", payroll.CategoryEarning, 10),
	)
	require.NoError(t, err)

	got := reg.GetActive(payroll.CategoryEarning)
	require.Len(t, got, 3)
	assert.Equal(t, payroll.ComponentCode("salary"), got[0].Code)
	assert.Equal(t, payroll.ComponentCode("a_bonus"), got[1].Code)
	assert.Equal(t, payroll.ComponentCode("b_bonus"), got[2].Code)

	assert.Len(t, reg.GetActive(), 4)
}

func TestRegistry_DeactivateKeepsLookup(t *testing.T) {
	// GIVEN: A registered, active component
	// WHEN: It is deactivated
	// THEN: It leaves GetActive but Lookup still resolves it for historical sums

	reg := newTestRegistry(t)
	require.NoError(t, reg.Deactivate("grade_salary"))

	for _, d := range reg.GetActive(payroll.CategoryEarning) {
		assert.NotEqual(t, payroll.ComponentCode("grade_salary"), d.Code)
	}
	d, ok := reg.Lookup("grade_salary")
	require.True(t, ok)
	assert.False(t, d.IsActive)

	rec := scenarioRecord()
	res, err := payroll.Compute(&rec, civilServantRule(), reg)
	require.NoError(t, err)
	assertAmount(t, "5000.00", res.Subtotal)
}

func TestRegistry_DeactivateUnknown(t *testing.T) {
	err := newTestRegistry(t).Deactivate("nope")
	var notFound *payroll.ComponentNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.True(t, payroll.IsNotFound(err))
}

// =============================================================================
// AMOUNTS AND JSON
// =============================================================================

func TestParseAmount(t *testing.T) {
	d, err := payroll.ParseAmount("tax", " 120.505 ")
	require.NoError(t, err)
	assert.Equal(t, "120.51", d.StringFixed(2))

	_, err = payroll.ParseAmount("tax", "12,00")
	var malformed *payroll.MalformedAmountError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, payroll.ComponentCode("tax"), malformed.Code)
	assert.ErrorIs(t, err, payroll.ErrMalformedAmount)
}

func TestComponentEntry_JSONLayout(t *testing.T) {
	// GIVEN: An overridden tax entry
	// WHEN: Encoding it
	// THEN: Amounts are numbers with two decimals, manual fields are present

	rec := scenarioRecord()
	out, err := payroll.ApplyOverride(&rec, civilServantRule(), taxOverride("200"), newTestRegistry(t))
	require.NoError(t, err)

	b, err := json.Marshal(out.Deductions["tax"])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"amount":200.00`)
	assert.Contains(t, string(b), `"is_manual":true`)
	assert.Contains(t, string(b), `"auto_calculated":120.50`)
	assert.Contains(t, string(b), `"manual_reason":"correction"`)

	b, err = json.Marshal(entry("5"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":5.00,"is_manual":false}`, string(b))
}

func TestUnmarshalJSONMap(t *testing.T) {
	m, err := payroll.UnmarshalJSONMap([]byte(`{
		"tax": {"amount": "200.00", "is_manual": true, "auto_calculated": 120.5},
		"pension": {"amount": 400}
	}`))
	require.NoError(t, err)
	assertAmount(t, "200.00", m.Amount("tax"))
	assert.True(t, m["tax"].IsManual)
	require.NotNil(t, m["tax"].AutoCalculated)
	assertAmount(t, "120.50", *m["tax"].AutoCalculated)
	assertAmount(t, "400.00", m.Amount("pension"))
	assertAmount(t, "0", m.Amount("missing"))

	_, err = payroll.UnmarshalJSONMap([]byte(`{"tax": {"amount": "abc"}}`))
	var malformed *payroll.MalformedAmountError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, payroll.ComponentCode("tax"), malformed.Code)

	m, err = payroll.UnmarshalJSONMap(nil)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestPayRecord_CloneIsDeep(t *testing.T) {
	rec := overriddenScenario(t, newTestRegistry(t))
	c := rec.Clone()

	*c.Deductions["tax"].AutoCalculated = amt("1.00")
	c.Earnings["position_salary"] = entry("0")

	assertAmount(t, "120.50", *rec.Deductions["tax"].AutoCalculated)
	assertAmount(t, "3000.00", rec.Earnings.Amount("position_salary"))
}

// =============================================================================
// FORMULA TABLE AND CONFIG
// =============================================================================

func TestFormulaTable(t *testing.T) {
	t.Run("duplicate establishment type", func(t *testing.T) {
		_, err := payroll.NewFormulaTable("", civilServantRule(), civilServantRule())
		assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
	})

	t.Run("rules inherit the table other-deductions code", func(t *testing.T) {
		rule := civilServantRule()
		rule.OtherDeductionsComponent = ""
		table, err := payroll.NewFormulaTable("misc_deductions", rule)
		require.NoError(t, err)

		got, ok := table.Lookup(civilServant)
		require.True(t, ok)
		assert.Equal(t, payroll.ComponentCode("misc_deductions"), got.OtherDeductionsComponent)

		fallback, ok := table.Lookup("unknown")
		assert.False(t, ok)
		assert.Equal(t, payroll.ComponentCode("misc_deductions"), fallback.OtherDeductionsComponent)
	})

	t.Run("validate rejects unregistered codes", func(t *testing.T) {
		rule := civilServantRule()
		rule.SubtotalComponents = append(rule.SubtotalComponents, "unknown_bonus")
		table, err := payroll.NewFormulaTable("", rule)
		require.NoError(t, err)

		err = table.Validate(newTestRegistry(t))
		assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
		assert.ErrorIs(t, err, payroll.ErrComponentNotFound)
	})
}

func testConfig(t *testing.T) payroll.Config {
	t.Helper()
	table, err := payroll.NewFormulaTable("", civilServantRule())
	require.NoError(t, err)
	return payroll.Config{
		Registry:           newTestRegistry(t),
		EstablishmentTypes: []payroll.EstablishmentType{{Code: civilServant, DisplayName: "Civil servant"}},
		Formulas:           table,
		Calculations: []payroll.CalculationRule{
			{Component: "pension", Kind: payroll.CalcRate, Bases: []payroll.ComponentCode{"pension_base"}, Rate: "pension_rate"},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig(t).Validate())

	cases := map[string]func(*payroll.Config){
		"missing registry":  func(c *payroll.Config) { c.Registry = nil },
		"target is a base":  func(c *payroll.Config) { c.Calculations[0].Component = "pension_base" },
		"rate without rate": func(c *payroll.Config) { c.Calculations[0].Rate = "" },
		"unknown kind":      func(c *payroll.Config) { c.Calculations[0].Kind = "median" },
		"no bases":          func(c *payroll.Config) { c.Calculations[0].Bases = nil },
		"unregistered base": func(c *payroll.Config) { c.Calculations[0].Bases = []payroll.ComponentCode{"nope"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), payroll.ErrInvalidConfig)
		})
	}
}

// =============================================================================
// CONFIG CACHE
// =============================================================================

func TestConfigCache_ReloadKeepsSnapshotOnError(t *testing.T) {
	// GIVEN: A cache loaded with a valid config
	// WHEN: The loader starts returning an invalid config
	// THEN: Reload fails and the old snapshot stays current

	good := testConfig(t)
	calls := 0
	loader := payroll.ConfigLoaderFunc(func(context.Context) (payroll.Config, error) {
		calls++
		if calls == 1 {
			return good, nil
		}
		return payroll.Config{}, nil
	})

	cache, err := payroll.NewConfigCache(context.Background(), loader)
	require.NoError(t, err)
	first := cache.Current()

	err = cache.Reload(context.Background())
	assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
	assert.Same(t, first, cache.Current())
	assert.Same(t, good.Registry, cache.Registry())
}

func TestConfigCache_ReloadSwapsSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cache, err := payroll.NewConfigCache(context.Background(), payroll.StaticConfig(cfg))
	require.NoError(t, err)
	first := cache.Current()

	require.NoError(t, cache.Reload(context.Background()))
	assert.NotSame(t, first, cache.Current())
}

func TestConfigCache_LoaderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := payroll.NewConfigCache(context.Background(), payroll.ConfigLoaderFunc(func(context.Context) (payroll.Config, error) {
		return payroll.Config{}, boom
	}))
	assert.ErrorIs(t, err, boom)
}

func TestConfigCache_ChecksRunOnEveryReload(t *testing.T) {
	// GIVEN: A cache with a check that starts rejecting after the first load
	// WHEN: Reloading
	// THEN: The reload fails with ErrInvalidConfig and the first snapshot stays

	cfg := testConfig(t)
	bad := errors.New("undeclared reference to 'input'")
	loads := 0
	check := func(payroll.Config) error {
		loads++
		if loads > 1 {
			return bad
		}
		return nil
	}

	cache, err := payroll.NewConfigCache(context.Background(), payroll.StaticConfig(cfg), payroll.WithConfigCheck(check))
	require.NoError(t, err)
	first := cache.Current()

	err = cache.Reload(context.Background())
	assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
	assert.ErrorIs(t, err, bad)
	assert.Same(t, first, cache.Current())
}
