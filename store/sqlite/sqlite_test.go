package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store/storetest"
	"github.com/warp/payroll-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend { return newTestStore(t) })
}

func TestSQLite_RecordRequiresPeriod(t *testing.T) {
	// GIVEN: No pay period row
	// WHEN: Creating a record for it
	// THEN: The foreign key rejects the insert

	store := newTestStore(t)
	err := store.CreateRecord(context.Background(), storetest.Record("emp-1", "2025-03"))
	assert.Error(t, err)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file-backed store with a period, a record and a config
	// WHEN: The store is closed and reopened
	// THEN: Everything reads back, including the manual override fields

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payroll.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.SavePeriod(ctx, payroll.PayPeriod{ID: "2025-03", Status: payroll.PeriodOpen}))
	rec := storetest.Record("emp-1", "2025-03")
	require.NoError(t, store.CreateRecord(ctx, rec))
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetRecord(ctx, rec.Key())
	require.NoError(t, err)
	assert.True(t, got.NetPay.Equal(rec.NetPay))
	assert.True(t, got.Deductions["tax"].IsManual)
	assert.Equal(t, "120.50", got.Deductions["tax"].AutoCalculated.StringFixed(2))

	_, err = reopened.LoadConfig(ctx)
	assert.ErrorIs(t, err, payroll.ErrConfigNotFound)
}
