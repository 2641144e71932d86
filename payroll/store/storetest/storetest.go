// Package storetest is a behavioural test suite shared by every
// payroll.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/establishment"
	"github.com/warp/payroll-engine/payroll"
)

// Backend is what the suite exercises.
type Backend interface {
	payroll.Store
	payroll.ConfigStore
}

// Run executes the suite. newBackend must return an empty store per call.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("records", func(t *testing.T) { testRecords(t, newBackend(t)) })
	t.Run("compare and swap", func(t *testing.T) { testCompareAndSwap(t, newBackend(t)) })
	t.Run("periods", func(t *testing.T) { testPeriods(t, newBackend(t)) })
	t.Run("audit query", func(t *testing.T) { testAuditQuery(t, newBackend(t)) })
	t.Run("config", func(t *testing.T) { testConfig(t, newBackend(t)) })
}

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func entry(s string) payroll.ComponentEntry {
	return payroll.Entry(payroll.MustAmount(s))
}

// Record returns a version 1 record with one manual entry.
func Record(emp payroll.EmployeeID, period payroll.PayPeriodID) payroll.PayRecord {
	manualAt := base.Add(time.Hour)
	auto := payroll.MustAmount("120.50")
	return payroll.PayRecord{
		ID:                string(emp) + "-" + string(period),
		EmployeeID:        emp,
		PayPeriodID:       period,
		EstablishmentType: establishment.CivilServant,
		Earnings: payroll.ComponentMap{
			establishment.PositionSalary: entry("3000.00"),
			establishment.GradeSalary:    entry("1200.00"),
		},
		Deductions: payroll.ComponentMap{
			establishment.Pension: entry("400.00"),
			establishment.Tax: {
				Amount:         payroll.MustAmount("200.00"),
				IsManual:       true,
				ManualReason:   "correction",
				ManualAt:       &manualAt,
				ManualBy:       "hr-1",
				AutoCalculated: &auto,
			},
		},
		CalculationInputs: payroll.ComponentMap{
			establishment.PensionBase: entry("4200.00"),
		},
		GrossPay:        payroll.MustAmount("4200.00"),
		TotalDeductions: payroll.MustAmount("600.00"),
		NetPay:          payroll.MustAmount("3600.00"),
		AuditStatus:     payroll.AuditPending,
		Version:         1,
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

func openPeriod(t *testing.T, s Backend, id payroll.PayPeriodID) {
	t.Helper()
	require.NoError(t, s.SavePeriod(context.Background(), payroll.PayPeriod{ID: id, Status: payroll.PeriodOpen, OpenedAt: base}))
}

// =============================================================================
// RECORDS
// =============================================================================

func testRecords(t *testing.T, s Backend) {
	ctx := context.Background()
	openPeriod(t, s, "2025-03")
	rec := Record("emp-1", "2025-03")

	require.NoError(t, s.CreateRecord(ctx, rec))

	got, err := s.GetRecord(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.EstablishmentType, got.EstablishmentType)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.NetPay.Equal(rec.NetPay))
	assert.True(t, got.Earnings.Amount(establishment.PositionSalary).Equal(payroll.MustAmount("3000.00")))
	assert.True(t, got.CalculationInputs.Amount(establishment.PensionBase).Equal(payroll.MustAmount("4200.00")))
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))

	tax := got.Deductions[establishment.Tax]
	assert.True(t, tax.IsManual)
	assert.Equal(t, "correction", tax.ManualReason)
	assert.Equal(t, "hr-1", tax.ManualBy)
	require.NotNil(t, tax.ManualAt)
	assert.True(t, tax.ManualAt.Equal(*rec.Deductions[establishment.Tax].ManualAt))
	require.NotNil(t, tax.AutoCalculated)
	assert.True(t, tax.AutoCalculated.Equal(payroll.MustAmount("120.50")))

	err = s.CreateRecord(ctx, rec)
	assert.ErrorIs(t, err, payroll.ErrRecordExists)

	_, err = s.GetRecord(ctx, payroll.RecordKey{EmployeeID: "nobody", PayPeriodID: "2025-03"})
	assert.ErrorIs(t, err, payroll.ErrRecordNotFound)

	require.NoError(t, s.CreateRecord(ctx, Record("emp-0", "2025-03")))
	openPeriod(t, s, "2025-04")
	require.NoError(t, s.CreateRecord(ctx, Record("emp-2", "2025-04")))

	list, err := s.ListRecords(ctx, "2025-03")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, payroll.EmployeeID("emp-0"), list[0].EmployeeID)
	assert.Equal(t, payroll.EmployeeID("emp-1"), list[1].EmployeeID)

	empty, err := s.ListRecords(ctx, "2030-01")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testCompareAndSwap(t *testing.T, s Backend) {
	ctx := context.Background()
	openPeriod(t, s, "2025-03")
	rec := Record("emp-1", "2025-03")
	require.NoError(t, s.CreateRecord(ctx, rec))

	next := rec.Clone()
	next.Version = 2
	next.NetPay = payroll.MustAmount("3500.00")
	next.AuditStatus = payroll.AuditApproved
	reviewedAt := base.Add(2 * time.Hour)
	next.AuditedAt = &reviewedAt
	next.AuditedBy = "auditor"
	written := payroll.AuditEntry{ID: "a-1", At: base, Actor: "hr", Action: payroll.AuditReviewed,
		EmployeeID: rec.EmployeeID, PayPeriodID: rec.PayPeriodID, Version: 2}
	require.NoError(t, s.UpdateRecord(ctx, next, 1, written))

	got, err := s.GetRecord(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.NetPay.Equal(payroll.MustAmount("3500.00")))
	assert.Equal(t, payroll.AuditApproved, got.AuditStatus)
	require.NotNil(t, got.AuditedAt)
	assert.True(t, got.AuditedAt.Equal(reviewedAt))

	// A stale writer loses and its audit entry is not written.
	stale := rec.Clone()
	stale.Version = 2
	lost := payroll.AuditEntry{ID: "a-2", At: base, Actor: "late", Action: payroll.AuditOverrideApplied,
		EmployeeID: rec.EmployeeID, PayPeriodID: rec.PayPeriodID, Version: 2}
	err = s.UpdateRecord(ctx, stale, 1, lost)
	var conflict *payroll.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	actor := "late"
	entries, err := s.QueryAudit(ctx, payroll.AuditFilter{Actor: &actor})
	require.NoError(t, err)
	assert.Empty(t, entries)

	missing := Record("ghost", "2025-03")
	err = s.UpdateRecord(ctx, missing, 1)
	assert.ErrorIs(t, err, payroll.ErrRecordNotFound)
}

// =============================================================================
// PERIODS
// =============================================================================

func testPeriods(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.GetPeriod(ctx, "2025-03")
	assert.ErrorIs(t, err, payroll.ErrPeriodNotFound)

	opened := payroll.AuditEntry{ID: "p-1", At: base, Actor: "admin", Action: payroll.AuditPeriodOpened, PayPeriodID: "2025-03"}
	require.NoError(t, s.SavePeriod(ctx, payroll.PayPeriod{ID: "2025-03", Status: payroll.PeriodOpen, OpenedAt: base}, opened))

	p, err := s.GetPeriod(ctx, "2025-03")
	require.NoError(t, err)
	assert.True(t, p.IsOpen())
	assert.Nil(t, p.ClosedAt)

	closedAt := base.Add(24 * time.Hour)
	p.Status = payroll.PeriodClosed
	p.ClosedAt = &closedAt
	p.ClosedBy = "lead"
	require.NoError(t, s.SavePeriod(ctx, p))

	p, err = s.GetPeriod(ctx, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodClosed, p.Status)
	require.NotNil(t, p.ClosedAt)
	assert.True(t, p.ClosedAt.Equal(closedAt))
	assert.Equal(t, "lead", p.ClosedBy)
	assert.True(t, p.OpenedAt.Equal(base))

	period := payroll.PayPeriodID("2025-03")
	entries, err := s.QueryAudit(ctx, payroll.AuditFilter{PayPeriodID: &period})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, payroll.AuditPeriodOpened, entries[0].Action)
}

// =============================================================================
// AUDIT
// =============================================================================

func testAuditQuery(t *testing.T, s Backend) {
	ctx := context.Background()
	openPeriod(t, s, "2025-03")
	old, updated := payroll.MustAmount("120.50"), payroll.MustAmount("200.00")

	recA := Record("emp-a", "2025-03")
	require.NoError(t, s.CreateRecord(ctx, recA, payroll.AuditEntry{
		ID: "e-1", At: base, Actor: "import", Action: payroll.AuditIngested,
		EmployeeID: "emp-a", PayPeriodID: "2025-03", Version: 1,
	}))
	recB := Record("emp-b", "2025-03")
	require.NoError(t, s.CreateRecord(ctx, recB, payroll.AuditEntry{
		ID: "e-2", At: base.Add(time.Minute), Actor: "import", Action: payroll.AuditIngested,
		EmployeeID: "emp-b", PayPeriodID: "2025-03", Version: 1,
	}))

	next := recA.Clone()
	next.Version = 2
	require.NoError(t, s.UpdateRecord(ctx, next, 1,
		payroll.AuditEntry{
			ID: "e-3", At: base.Add(2 * time.Minute), Actor: "hr-1", Action: payroll.AuditOverrideApplied,
			EmployeeID: "emp-a", PayPeriodID: "2025-03", ComponentCode: establishment.Tax,
			OldAmount: &old, NewAmount: &updated, Reason: "correction", Version: 2,
		},
	))

	emp := payroll.EmployeeID("emp-a")
	history, err := s.QueryAudit(ctx, payroll.AuditFilter{EmployeeID: &emp})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e-1", history[0].ID)
	assert.Equal(t, "e-3", history[1].ID)

	override := history[1]
	assert.Equal(t, establishment.Tax, override.ComponentCode)
	require.NotNil(t, override.OldAmount)
	require.NotNil(t, override.NewAmount)
	assert.True(t, override.OldAmount.Equal(old))
	assert.True(t, override.NewAmount.Equal(updated))
	assert.Equal(t, "correction", override.Reason)
	assert.Equal(t, int64(2), override.Version)
	assert.True(t, override.At.Equal(base.Add(2*time.Minute)))
	assert.Nil(t, history[0].OldAmount)

	code := establishment.Tax
	byCode, err := s.QueryAudit(ctx, payroll.AuditFilter{ComponentCode: &code})
	require.NoError(t, err)
	assert.Len(t, byCode, 1)

	ingested, err := s.QueryAudit(ctx, payroll.AuditFilter{Actions: []payroll.AuditAction{payroll.AuditIngested}})
	require.NoError(t, err)
	assert.Len(t, ingested, 2)

	from, to := base.Add(30*time.Second), base.Add(90*time.Second)
	window, err := s.QueryAudit(ctx, payroll.AuditFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "e-2", window[0].ID)

	all, err := s.QueryAudit(ctx, payroll.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// CONFIG
// =============================================================================

func testConfig(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.LoadConfig(ctx)
	require.ErrorIs(t, err, payroll.ErrConfigNotFound)

	cfg, err := establishment.DefaultConfig()
	require.NoError(t, err)
	require.NoError(t, s.SaveConfig(ctx, cfg))

	loaded, err := s.LoadConfig(ctx)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	assert.NotSame(t, cfg.Registry, loaded.Registry)
	assert.Len(t, loaded.Registry.All(), len(cfg.Registry.All()))
	assert.Len(t, loaded.Calculations, len(cfg.Calculations))
	assert.ElementsMatch(t, cfg.EstablishmentTypes, loaded.EstablishmentTypes)

	for _, want := range cfg.Formulas.Rules() {
		got, ok := loaded.Formulas.Lookup(want.EstablishmentType)
		require.True(t, ok, want.EstablishmentType)
		assert.Equal(t, want.SubtotalComponents, got.SubtotalComponents)
		assert.Equal(t, want.PersonalDeductionComponents, got.PersonalDeductionComponents)
		assert.Equal(t, want.GrossTopupComponent, got.GrossTopupComponent)
		assert.Equal(t, want.OtherDeductionsComponent, got.OtherDeductionsComponent)
	}

	deactivated := payroll.AuditEntry{ID: "c-1", At: base, Actor: "admin", Action: payroll.AuditComponentDeactivated,
		ComponentCode: establishment.LivingAllowance}
	require.NoError(t, s.DeactivateComponent(ctx, establishment.LivingAllowance, deactivated))

	loaded, err = s.LoadConfig(ctx)
	require.NoError(t, err)
	d, ok := loaded.Registry.Lookup(establishment.LivingAllowance)
	require.True(t, ok)
	assert.False(t, d.IsActive)

	code := establishment.LivingAllowance
	entries, err := s.QueryAudit(ctx, payroll.AuditFilter{ComponentCode: &code})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	err = s.DeactivateComponent(ctx, "no_such_component")
	assert.ErrorIs(t, err, payroll.ErrComponentNotFound)
}
