package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/bootstrap"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/establishment"
	"github.com/warp/payroll-engine/payroll"
)

func memoryConfig(t *testing.T) config.Config {
	return config.Config{
		Store:      config.StoreMemory,
		DBMaxConns: 1,
		LogLevel:   "error",
		LogFile:    filepath.Join(t.TempDir(), "payroll.log"),
	}
}

func TestOpen_MemorySeedsPresets(t *testing.T) {
	// GIVEN: The memory store and no formula file
	// WHEN: Opening the app
	// THEN: Presets are loaded and the service runs the full workflow

	ctx := context.Background()
	app, err := bootstrap.Open(ctx, memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	_, ok := app.Configs.Current().Formulas.Lookup(establishment.CivilServant)
	require.True(t, ok)

	_, err = app.Service.OpenPeriod(ctx, "2025-03", "admin")
	require.NoError(t, err)
	rec, err := app.Service.Ingest(ctx, payroll.IngestInput{
		EmployeeID:        "emp-1",
		PayPeriodID:       "2025-03",
		EstablishmentType: establishment.CivilServant,
		Earnings:          map[payroll.ComponentCode]string{"position_salary": "3000.00", "grade_salary": "1200.00"},
		CalculationInputs: map[payroll.ComponentCode]string{"pension_base": "4200.00", "pension_rate": "8.00"},
		Actor:             "import",
	})
	require.NoError(t, err)
	assert.Equal(t, "4200.00", rec.NetPay.StringFixed(2))

	rec, err = app.Service.Recompute(ctx, payroll.RecomputeInput{Key: rec.Key(), ExpectedVersion: rec.Version, Actor: "hr"})
	require.NoError(t, err)
	assert.Equal(t, "336.00", rec.Deductions.Amount(establishment.Pension).StringFixed(2))
	assert.Equal(t, "3864.00", rec.NetPay.StringFixed(2))
}

func TestOpen_SQLiteKeepsSavedConfig(t *testing.T) {
	// GIVEN: A sqlite database where a component was deactivated
	// WHEN: The app is reopened without a formula file
	// THEN: The saved config is used, not the presets

	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "payroll.db")

	app, err := bootstrap.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, app.Service.DeactivateComponent(ctx, establishment.LivingAllowance, "admin"))
	require.NoError(t, app.Close())

	app, err = bootstrap.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	d, ok := app.Configs.Registry().Lookup(establishment.LivingAllowance)
	require.True(t, ok)
	assert.False(t, d.IsActive)
}

func TestOpen_FormulaFileReplacesStoredConfig(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payroll.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
components:
  - {code: salary, display_name: Salary, category: EARNING}
  - {code: other_deductions, display_name: Other, category: PERSONAL_DEDUCTION}
establishment_types:
  - code: consultant
    display_name: Consultant
    formula: {subtotal: [salary], personal_deductions: []}
`), 0o600))

	cfg := memoryConfig(t)
	cfg.FormulaFile = path
	app, err := bootstrap.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	_, ok := app.Configs.Current().Formulas.Lookup("consultant")
	assert.True(t, ok)
	_, ok = app.Configs.Registry().Lookup(establishment.PositionSalary)
	assert.False(t, ok)
}

func TestOpen_RefreshPicksUpFormulaEdits(t *testing.T) {
	// GIVEN: A sqlite-backed app refreshing its config every few milliseconds
	// WHEN: Another process saves a config that deactivates a component
	// THEN: The running app sees the change without reopening

	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "payroll.db")
	cfg.ConfigRefresh = 5 * time.Millisecond

	app, err := bootstrap.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	edited, err := establishment.DefaultConfig()
	require.NoError(t, err)
	require.NoError(t, edited.Registry.Deactivate(establishment.LivingAllowance))
	require.NoError(t, app.Store.SaveConfig(ctx, edited))

	require.Eventually(t, func() bool {
		d, ok := app.Configs.Registry().Lookup(establishment.LivingAllowance)
		return ok && !d.IsActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpen_RefreshRejectsBadConditions(t *testing.T) {
	// GIVEN: A running app refreshing its config
	// WHEN: Another process saves a rule whose condition does not compile
	// THEN: Reloads fail and the running snapshot is kept

	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "payroll.db")
	cfg.ConfigRefresh = 5 * time.Millisecond

	app, err := bootstrap.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	broken, err := establishment.DefaultConfig()
	require.NoError(t, err)
	broken.Calculations[0].When = "inputs.pension_base >"
	require.NoError(t, app.Store.SaveConfig(ctx, broken))

	require.Eventually(t, func() bool {
		_, failed := app.Refresher.Stats()
		return failed >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, app.Configs.Current().Calculations[0].When)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		_, err := bootstrap.Open(ctx, config.Config{Store: "redis", DBMaxConns: 1})
		assert.Error(t, err)
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.LogLevel = "loud"
		_, err := bootstrap.Open(ctx, cfg)
		assert.Error(t, err)
	})

	t.Run("bad formula file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payroll.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: 7\n"), 0o600))
		cfg := memoryConfig(t)
		cfg.FormulaFile = path
		_, err := bootstrap.Open(ctx, cfg)
		assert.ErrorIs(t, err, payroll.ErrInvalidConfig)
	})
}
