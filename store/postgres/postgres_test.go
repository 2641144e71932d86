package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll/store/storetest"
)

// Set PAYROLL_TEST_DATABASE_URL to a disposable database to run these.
// Every backend truncates all payroll tables first.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres tests in short mode")
	}
	dsn := os.Getenv("PAYROLL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PAYROLL_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn, Options{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, `TRUNCATE audit_log, pay_records, pay_periods, components, payroll_config`)
	require.NoError(t, err)
	return s
}

func TestPostgres(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend { return newTestStore(t) })
}

func TestNew_RejectsBadDSN(t *testing.T) {
	_, err := New(context.Background(), "postgres://%zz", Options{})
	require.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	require.False(t, isUniqueViolation(nil))
	require.False(t, isUniqueViolation(context.Canceled))
}
