/*
Package sqlite provides a SQLite-backed implementation of the payroll storage interfaces.

PURPOSE:
  Implements payroll.Store (records, periods, audit log) and
  payroll.ConfigStore (component catalog, formula table, calculation rules)
  on a single SQLite database. Used for embedded deployments and tests;
  store/postgres is the production equivalent.

KEY TABLES:
  pay_records:      One row per employee × period, component maps as JSON text
  pay_periods:      Period status gate
  audit_log:        Append-only change history, ordered by seq
  components:       Component Registry rows (soft-deactivated, never deleted)
  payroll_config:   Single-row document holding formulas and calculation rules

COMPARE-AND-SWAP:
  UpdateRecord runs UPDATE ... WHERE version = ? inside a transaction with
  the audit inserts. Zero rows affected means someone else wrote first.

AMOUNTS:
  Cached totals are stored as decimal TEXT, never REAL. Component maps use
  payroll.ComponentEntry's JSON form (two-place numbers).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WAL mode lets readers proceed during
  a write.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - payroll/store.go: Interface definitions
  - payroll/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// Store implements payroll.Store and payroll.ConfigStore using SQLite.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	factory *factory.Factory
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, factory: factory.New()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pay_periods (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		closed_at TEXT,
		closed_by TEXT
	);

	CREATE TABLE IF NOT EXISTS pay_records (
		id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		pay_period_id TEXT NOT NULL,
		establishment_type TEXT NOT NULL,
		earnings TEXT NOT NULL DEFAULT '{}',
		deductions TEXT NOT NULL DEFAULT '{}',
		calculation_inputs TEXT NOT NULL DEFAULT '{}',
		gross_pay TEXT NOT NULL,
		total_deductions TEXT NOT NULL,
		net_pay TEXT NOT NULL,
		audit_status TEXT NOT NULL,
		audited_at TEXT,
		audited_by TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, pay_period_id),
		FOREIGN KEY (pay_period_id) REFERENCES pay_periods(id)
	);

	CREATE INDEX IF NOT EXISTS idx_pay_records_period
		ON pay_records(pay_period_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		at TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		employee_id TEXT,
		pay_period_id TEXT,
		component_code TEXT,
		old_amount TEXT,
		new_amount TEXT,
		reason TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audit_record
		ON audit_log(employee_id, pay_period_id);

	CREATE TABLE IF NOT EXISTS components (
		code TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		category TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		display_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS payroll_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		document TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// PAY RECORDS (payroll.RecordStore)
// =============================================================================

const recordColumns = `id, employee_id, pay_period_id, establishment_type,
	earnings, deductions, calculation_inputs, gross_pay, total_deductions, net_pay,
	audit_status, audited_at, audited_by, version, created_at, updated_at`

func (s *Store) GetRecord(ctx context.Context, key payroll.RecordKey) (payroll.PayRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM pay_records WHERE employee_id = ? AND pay_period_id = ?`,
		key.EmployeeID, key.PayPeriodID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.PayRecord{}, fmt.Errorf("%w: %s", payroll.ErrRecordNotFound, key)
	}
	return rec, err
}

func (s *Store) CreateRecord(ctx context.Context, rec payroll.PayRecord, audit ...payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, err := recordValues(rec)
	if err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO pay_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", payroll.ErrRecordExists, rec.Key())
		}
		return fmt.Errorf("failed to insert pay record: %w", err)
	}
	if err := insertAudit(ctx, sqlTx, audit); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) UpdateRecord(ctx context.Context, rec payroll.PayRecord, expectedVersion int64, audit ...payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	earnings, deductions, inputs, err := encodeMaps(rec)
	if err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE pay_records SET
			establishment_type = ?, earnings = ?, deductions = ?, calculation_inputs = ?,
			gross_pay = ?, total_deductions = ?, net_pay = ?,
			audit_status = ?, audited_at = ?, audited_by = ?,
			version = ?, updated_at = ?
		WHERE employee_id = ? AND pay_period_id = ? AND version = ?`,
		rec.EstablishmentType, earnings, deductions, inputs,
		rec.GrossPay.String(), rec.TotalDeductions.String(), rec.NetPay.String(),
		rec.AuditStatus, nullTime(rec.AuditedAt), nullString(rec.AuditedBy),
		rec.Version, formatTime(rec.UpdatedAt),
		rec.EmployeeID, rec.PayPeriodID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update pay record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var actual int64
		err := sqlTx.QueryRowContext(ctx,
			`SELECT version FROM pay_records WHERE employee_id = ? AND pay_period_id = ?`,
			rec.EmployeeID, rec.PayPeriodID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", payroll.ErrRecordNotFound, rec.Key())
		}
		if err != nil {
			return err
		}
		return &payroll.ConflictError{Key: rec.Key(), Expected: expectedVersion, Actual: actual}
	}
	if err := insertAudit(ctx, sqlTx, audit); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) ListRecords(ctx context.Context, period payroll.PayPeriodID) ([]payroll.PayRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM pay_records WHERE pay_period_id = ? ORDER BY employee_id`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.PayRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (payroll.PayRecord, error) {
	var (
		rec                          payroll.PayRecord
		earnings, deductions, inputs string
		gross, totalDeductions, net  string
		auditedAt, auditedBy         sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(&rec.ID, &rec.EmployeeID, &rec.PayPeriodID, &rec.EstablishmentType,
		&earnings, &deductions, &inputs, &gross, &totalDeductions, &net,
		&rec.AuditStatus, &auditedAt, &auditedBy, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return payroll.PayRecord{}, err
	}

	if rec.Earnings, err = payroll.UnmarshalJSONMap([]byte(earnings)); err != nil {
		return payroll.PayRecord{}, err
	}
	if rec.Deductions, err = payroll.UnmarshalJSONMap([]byte(deductions)); err != nil {
		return payroll.PayRecord{}, err
	}
	if rec.CalculationInputs, err = payroll.UnmarshalJSONMap([]byte(inputs)); err != nil {
		return payroll.PayRecord{}, err
	}
	if rec.GrossPay, err = decimal.NewFromString(gross); err != nil {
		return payroll.PayRecord{}, fmt.Errorf("gross_pay: %w", err)
	}
	if rec.TotalDeductions, err = decimal.NewFromString(totalDeductions); err != nil {
		return payroll.PayRecord{}, fmt.Errorf("total_deductions: %w", err)
	}
	if rec.NetPay, err = decimal.NewFromString(net); err != nil {
		return payroll.PayRecord{}, fmt.Errorf("net_pay: %w", err)
	}
	rec.AuditedAt = parseNullTime(auditedAt)
	rec.AuditedBy = auditedBy.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func recordValues(rec payroll.PayRecord) ([]any, error) {
	earnings, deductions, inputs, err := encodeMaps(rec)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID, rec.EmployeeID, rec.PayPeriodID, rec.EstablishmentType,
		earnings, deductions, inputs,
		rec.GrossPay.String(), rec.TotalDeductions.String(), rec.NetPay.String(),
		rec.AuditStatus, nullTime(rec.AuditedAt), nullString(rec.AuditedBy),
		rec.Version, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	}, nil
}

func encodeMaps(rec payroll.PayRecord) (string, string, string, error) {
	var out [3]string
	for i, m := range []payroll.ComponentMap{rec.Earnings, rec.Deductions, rec.CalculationInputs} {
		if m == nil {
			m = payroll.ComponentMap{}
		}
		b, err := json.Marshal(m)
		if err != nil {
			return "", "", "", fmt.Errorf("encode component map: %w", err)
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], nil
}

// =============================================================================
// PAY PERIODS (payroll.PeriodStore)
// =============================================================================

func (s *Store) GetPeriod(ctx context.Context, id payroll.PayPeriodID) (payroll.PayPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                  payroll.PayPeriod
		openedAt           string
		closedAt, closedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, opened_at, closed_at, closed_by FROM pay_periods WHERE id = ?`, id).
		Scan(&p.ID, &p.Status, &openedAt, &closedAt, &closedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.PayPeriod{}, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	if err != nil {
		return payroll.PayPeriod{}, err
	}
	p.OpenedAt = parseTime(openedAt)
	p.ClosedAt = parseNullTime(closedAt)
	p.ClosedBy = closedBy.String
	return p, nil
}

func (s *Store) SavePeriod(ctx context.Context, p payroll.PayPeriod, audit ...payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO pay_periods (id, status, opened_at, closed_at, closed_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			closed_at = excluded.closed_at,
			closed_by = excluded.closed_by`,
		p.ID, p.Status, formatTime(p.OpenedAt), nullTime(p.ClosedAt), nullString(p.ClosedBy))
	if err != nil {
		return fmt.Errorf("failed to save pay period: %w", err)
	}
	if err := insertAudit(ctx, sqlTx, audit); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// AUDIT LOG (payroll.AuditLog)
// =============================================================================

func insertAudit(ctx context.Context, db execer, entries []payroll.AuditEntry) error {
	for _, e := range entries {
		_, err := db.ExecContext(ctx, `
			INSERT INTO audit_log
			(id, at, actor, action, employee_id, pay_period_id, component_code,
			 old_amount, new_amount, reason, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, formatTime(e.At), e.Actor, e.Action,
			nullString(string(e.EmployeeID)), nullString(string(e.PayPeriodID)),
			nullString(string(e.ComponentCode)),
			nullDecimal(e.OldAmount), nullDecimal(e.NewAmount),
			nullString(e.Reason), e.Version)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.EmployeeID != nil {
		where = append(where, "employee_id = ?")
		args = append(args, *filter.EmployeeID)
	}
	if filter.PayPeriodID != nil {
		where = append(where, "pay_period_id = ?")
		args = append(args, *filter.PayPeriodID)
	}
	if filter.ComponentCode != nil {
		where = append(where, "component_code = ?")
		args = append(args, *filter.ComponentCode)
	}
	if filter.Actor != nil {
		where = append(where, "actor = ?")
		args = append(args, *filter.Actor)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, at, actor, action, employee_id, pay_period_id, component_code,
		old_amount, new_amount, reason, version FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.AuditEntry
	for rows.Next() {
		var (
			e                         payroll.AuditEntry
			at                        string
			emp, period, code, reason sql.NullString
			oldAmount, newAmount      sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &emp, &period, &code,
			&oldAmount, &newAmount, &reason, &e.Version); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.EmployeeID = payroll.EmployeeID(emp.String)
		e.PayPeriodID = payroll.PayPeriodID(period.String)
		e.ComponentCode = payroll.ComponentCode(code.String)
		e.Reason = reason.String
		e.OldAmount = parseNullDecimal(oldAmount)
		e.NewAmount = parseNullDecimal(newAmount)
		// Time bounds are checked here so stored RFC3339 text need not sort.
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFIGURATION (payroll.ConfigStore)
// =============================================================================

// SaveConfig replaces the component catalog and the formula document.
// Existing component rows are upserted, never deleted.
func (s *Store) SaveConfig(ctx context.Context, cfg payroll.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.factory.ToFile(cfg)
	components := file.Components
	file.Components = nil
	doc, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, c := range components {
		active := c.Active == nil || *c.Active
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO components (code, display_name, category, is_active, display_order)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET
				display_name = excluded.display_name,
				category = excluded.category,
				is_active = excluded.is_active,
				display_order = excluded.display_order`,
			c.Code, c.DisplayName, c.Category, active, c.DisplayOrder)
		if err != nil {
			return fmt.Errorf("failed to save component %s: %w", c.Code, err)
		}
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO payroll_config (id, document, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		string(doc), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save config document: %w", err)
	}
	return sqlTx.Commit()
}

func (s *Store) LoadConfig(ctx context.Context) (payroll.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM payroll_config WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Config{}, payroll.ErrConfigNotFound
	}
	if err != nil {
		return payroll.Config{}, err
	}
	var file factory.ConfigFile
	if err := json.Unmarshal([]byte(doc), &file); err != nil {
		return payroll.Config{}, fmt.Errorf("%w: decode config document: %w", payroll.ErrInvalidConfig, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, display_name, category, is_active, display_order FROM components ORDER BY display_order, code`)
	if err != nil {
		return payroll.Config{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c factory.ComponentFile
		var active bool
		if err := rows.Scan(&c.Code, &c.DisplayName, &c.Category, &active, &c.DisplayOrder); err != nil {
			return payroll.Config{}, err
		}
		c.Active = &active
		file.Components = append(file.Components, c)
	}
	if err := rows.Err(); err != nil {
		return payroll.Config{}, err
	}
	return s.factory.FromFile(file)
}

func (s *Store) DeactivateComponent(ctx context.Context, code payroll.ComponentCode, audit ...payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `UPDATE components SET is_active = 0 WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("failed to deactivate component: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &payroll.ComponentNotFoundError{Code: code}
	}
	if err := insertAudit(ctx, sqlTx, audit); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

var (
	_ payroll.Store       = (*Store)(nil)
	_ payroll.ConfigStore = (*Store)(nil)
)
