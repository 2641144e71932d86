/*
Package postgres provides the PostgreSQL implementation of the payroll storage interfaces.

PURPOSE:
  Production counterpart of store/sqlite. Component maps are JSONB columns,
  cached totals are NUMERIC(14,2), and every write runs in a pgx transaction
  together with its audit rows.

COMPARE-AND-SWAP:
  UPDATE pay_records ... WHERE version = $n. Zero rows affected is a
  conflict (or a missing record); no row locks are taken.

POOL:
  New parses the DSN with pgxpool.ParseConfig, applies MaxConns, and pings
  before returning.

MIGRATION:
  Migrate() creates the schema if missing. Deployments with a migration
  tool can skip it.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// Querier is satisfied by both the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool    *pgxpool.Pool
	factory *factory.Factory
}

// Options tunes the connection pool. Zero values keep pgxpool defaults.
type Options struct {
	MaxConns int32
	MinConns int32
}

// New connects, pings and migrates.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, factory: factory.New()}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS pay_periods (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		closed_by TEXT
	);

	CREATE TABLE IF NOT EXISTS pay_records (
		id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		pay_period_id TEXT NOT NULL REFERENCES pay_periods(id),
		establishment_type TEXT NOT NULL,
		earnings JSONB NOT NULL DEFAULT '{}'::jsonb,
		deductions JSONB NOT NULL DEFAULT '{}'::jsonb,
		calculation_inputs JSONB NOT NULL DEFAULT '{}'::jsonb,
		gross_pay NUMERIC(14,2) NOT NULL,
		total_deductions NUMERIC(14,2) NOT NULL,
		net_pay NUMERIC(14,2) NOT NULL,
		audit_status TEXT NOT NULL,
		audited_at TIMESTAMPTZ,
		audited_by TEXT,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (employee_id, pay_period_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pay_records_period ON pay_records(pay_period_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		employee_id TEXT,
		pay_period_id TEXT,
		component_code TEXT,
		old_amount NUMERIC(14,2),
		new_amount NUMERIC(14,2),
		reason TEXT,
		version BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(employee_id, pay_period_id);

	CREATE TABLE IF NOT EXISTS components (
		code TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		category TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		display_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS payroll_config (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		document JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =============================================================================
// PAY RECORDS
// =============================================================================

const selectRecord = `SELECT id, employee_id, pay_period_id, establishment_type,
	earnings::text, deductions::text, calculation_inputs::text,
	gross_pay::text, total_deductions::text, net_pay::text,
	audit_status, audited_at, COALESCE(audited_by, ''), version, created_at, updated_at
	FROM pay_records`

func (s *Store) GetRecord(ctx context.Context, key payroll.RecordKey) (payroll.PayRecord, error) {
	row := s.pool.QueryRow(ctx, selectRecord+` WHERE employee_id = $1 AND pay_period_id = $2`,
		string(key.EmployeeID), string(key.PayPeriodID))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.PayRecord{}, fmt.Errorf("%w: %s", payroll.ErrRecordNotFound, key)
	}
	return rec, err
}

func (s *Store) CreateRecord(ctx context.Context, rec payroll.PayRecord, audit ...payroll.AuditEntry) error {
	maps, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(q Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO pay_records (id, employee_id, pay_period_id, establishment_type,
				earnings, deductions, calculation_inputs, gross_pay, total_deductions, net_pay,
				audit_status, audited_at, audited_by, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::numeric, $9::numeric, $10::numeric,
				$11, $12, NULLIF($13, ''), $14, $15, $16)`,
			rec.ID, string(rec.EmployeeID), string(rec.PayPeriodID), string(rec.EstablishmentType),
			maps[0], maps[1], maps[2],
			rec.GrossPay.String(), rec.TotalDeductions.String(), rec.NetPay.String(),
			string(rec.AuditStatus), rec.AuditedAt, rec.AuditedBy, rec.Version, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", payroll.ErrRecordExists, rec.Key())
			}
			return fmt.Errorf("insert pay record: %w", err)
		}
		return insertAudit(ctx, q, audit)
	})
}

func (s *Store) UpdateRecord(ctx context.Context, rec payroll.PayRecord, expectedVersion int64, audit ...payroll.AuditEntry) error {
	maps, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(q Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE pay_records SET
				establishment_type = $1,
				earnings = $2::jsonb, deductions = $3::jsonb, calculation_inputs = $4::jsonb,
				gross_pay = $5::numeric, total_deductions = $6::numeric, net_pay = $7::numeric,
				audit_status = $8, audited_at = $9, audited_by = NULLIF($10, ''),
				version = $11, updated_at = $12
			WHERE employee_id = $13 AND pay_period_id = $14 AND version = $15`,
			string(rec.EstablishmentType), maps[0], maps[1], maps[2],
			rec.GrossPay.String(), rec.TotalDeductions.String(), rec.NetPay.String(),
			string(rec.AuditStatus), rec.AuditedAt, rec.AuditedBy,
			rec.Version, rec.UpdatedAt,
			string(rec.EmployeeID), string(rec.PayPeriodID), expectedVersion)
		if err != nil {
			return fmt.Errorf("update pay record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var actual int64
			err := q.QueryRow(ctx,
				`SELECT version FROM pay_records WHERE employee_id = $1 AND pay_period_id = $2`,
				string(rec.EmployeeID), string(rec.PayPeriodID)).Scan(&actual)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", payroll.ErrRecordNotFound, rec.Key())
			}
			if err != nil {
				return err
			}
			return &payroll.ConflictError{Key: rec.Key(), Expected: expectedVersion, Actual: actual}
		}
		return insertAudit(ctx, q, audit)
	})
}

func (s *Store) ListRecords(ctx context.Context, period payroll.PayPeriodID) ([]payroll.PayRecord, error) {
	rows, err := s.pool.Query(ctx, selectRecord+` WHERE pay_period_id = $1 ORDER BY employee_id`, string(period))
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

func scanRecord(row pgx.Row) (payroll.PayRecord, error) {
	var (
		rec                              payroll.PayRecord
		empID, periodID, estType, status string
		earnings, deductions, inputs     string
		gross, totalDeductions, net      string
	)
	err := row.Scan(&rec.ID, &empID, &periodID, &estType,
		&earnings, &deductions, &inputs, &gross, &totalDeductions, &net,
		&status, &rec.AuditedAt, &rec.AuditedBy, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return payroll.PayRecord{}, err
	}
	rec.EmployeeID = payroll.EmployeeID(empID)
	rec.PayPeriodID = payroll.PayPeriodID(periodID)
	rec.EstablishmentType = payroll.EstablishmentTypeCode(estType)
	rec.AuditStatus = payroll.AuditStatus(status)

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
	return rec, nil
}

func encodeMaps(rec payroll.PayRecord) ([3]string, error) {
	var out [3]string
	for i, m := range []payroll.ComponentMap{rec.Earnings, rec.Deductions, rec.CalculationInputs} {
		if m == nil {
			m = payroll.ComponentMap{}
		}
		b, err := json.Marshal(m)
		if err != nil {
			return out, fmt.Errorf("encode component map: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

// =============================================================================
// PAY PERIODS
// =============================================================================

func (s *Store) GetPeriod(ctx context.Context, id payroll.PayPeriodID) (payroll.PayPeriod, error) {
	var (
		p           payroll.PayPeriod
		pid, status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, opened_at, closed_at, COALESCE(closed_by, '') FROM pay_periods WHERE id = $1`,
		string(id)).Scan(&pid, &status, &p.OpenedAt, &p.ClosedAt, &p.ClosedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.PayPeriod{}, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	if err != nil {
		return payroll.PayPeriod{}, err
	}
	p.ID = payroll.PayPeriodID(pid)
	p.Status = payroll.PeriodStatus(status)
	return p, nil
}

func (s *Store) SavePeriod(ctx context.Context, p payroll.PayPeriod, audit ...payroll.AuditEntry) error {
	return s.inTx(ctx, func(q Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO pay_periods (id, status, opened_at, closed_at, closed_by)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				closed_at = EXCLUDED.closed_at,
				closed_by = EXCLUDED.closed_by`,
			string(p.ID), string(p.Status), p.OpenedAt, p.ClosedAt, p.ClosedBy)
		if err != nil {
			return fmt.Errorf("save pay period: %w", err)
		}
		return insertAudit(ctx, q, audit)
	})
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func insertAudit(ctx context.Context, q Querier, entries []payroll.AuditEntry) error {
	for _, e := range entries {
		_, err := q.Exec(ctx, `
			INSERT INTO audit_log (id, at, actor, action, employee_id, pay_period_id, component_code,
				old_amount, new_amount, reason, version)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
				$8::numeric, $9::numeric, NULLIF($10, ''), $11)`,
			e.ID, e.At, e.Actor, string(e.Action),
			string(e.EmployeeID), string(e.PayPeriodID), string(e.ComponentCode),
			decimalText(e.OldAmount), decimalText(e.NewAmount), e.Reason, e.Version)
		if err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.EmployeeID != nil {
		add("employee_id = $%d", string(*filter.EmployeeID))
	}
	if filter.PayPeriodID != nil {
		add("pay_period_id = $%d", string(*filter.PayPeriodID))
	}
	if filter.ComponentCode != nil {
		add("component_code = $%d", string(*filter.ComponentCode))
	}
	if filter.Actor != nil {
		add("actor = $%d", *filter.Actor)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", actions)
	}
	if filter.From != nil {
		add("at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("at <= $%d", *filter.To)
	}

	query := `SELECT id, at, actor, action, COALESCE(employee_id, ''), COALESCE(pay_period_id, ''),
		COALESCE(component_code, ''), old_amount::text, new_amount::text, COALESCE(reason, ''), version
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.AuditEntry
	for rows.Next() {
		var (
			e                         payroll.AuditEntry
			action, emp, period, code string
			oldAmount, newAmount      *string
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &action, &emp, &period, &code,
			&oldAmount, &newAmount, &e.Reason, &e.Version); err != nil {
			return nil, err
		}
		e.Action = payroll.AuditAction(action)
		e.EmployeeID = payroll.EmployeeID(emp)
		e.PayPeriodID = payroll.PayPeriodID(period)
		e.ComponentCode = payroll.ComponentCode(code)
		e.OldAmount = parseDecimal(oldAmount)
		e.NewAmount = parseDecimal(newAmount)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func (s *Store) SaveConfig(ctx context.Context, cfg payroll.Config) error {
	file := s.factory.ToFile(cfg)
	components := file.Components
	file.Components = nil
	doc, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return s.inTx(ctx, func(q Querier) error {
		for _, c := range components {
			active := c.Active == nil || *c.Active
			_, err := q.Exec(ctx, `
				INSERT INTO components (code, display_name, category, is_active, display_order)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (code) DO UPDATE SET
					display_name = EXCLUDED.display_name,
					category = EXCLUDED.category,
					is_active = EXCLUDED.is_active,
					display_order = EXCLUDED.display_order`,
				c.Code, c.DisplayName, c.Category, active, c.DisplayOrder)
			if err != nil {
				return fmt.Errorf("save component %s: %w", c.Code, err)
			}
		}
		_, err := q.Exec(ctx, `
			INSERT INTO payroll_config (id, document, updated_at) VALUES (1, $1::jsonb, $2)
			ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
			string(doc), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("save config document: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadConfig(ctx context.Context) (payroll.Config, error) {
	var doc string
	err := s.pool.QueryRow(ctx, `SELECT document::text FROM payroll_config WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.Config{}, payroll.ErrConfigNotFound
	}
	if err != nil {
		return payroll.Config{}, err
	}
	var file factory.ConfigFile
	if err := json.Unmarshal([]byte(doc), &file); err != nil {
		return payroll.Config{}, fmt.Errorf("%w: decode config document: %w", payroll.ErrInvalidConfig, err)
	}

	rows, err := s.pool.Query(ctx,
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
	return s.inTx(ctx, func(q Querier) error {
		tag, err := q.Exec(ctx, `UPDATE components SET is_active = FALSE WHERE code = $1`, string(code))
		if err != nil {
			return fmt.Errorf("deactivate component: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &payroll.ComponentNotFoundError{Code: code}
		}
		return insertAudit(ctx, q, audit)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ payroll.Store       = (*Store)(nil)
	_ payroll.ConfigStore = (*Store)(nil)
)
