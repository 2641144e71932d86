/*
service.go - Versioned, persisted payroll workflow

PURPOSE:
  Wraps the pure engine (Compute, ApplyOverride, Recompute) with everything
  a caller needs around it:

    load record → check period open → check version → pure operation
    → compare-and-swap write + audit entries

  The Service holds no per-record state. Concurrency control is entirely the
  ExpectedVersion each write carries; a mismatch returns ConflictError and
  the caller re-reads.

CONFIGURATION:
  The registry, formula table and calculation rules come from a ConfigCache.
  Each call reads one snapshot at its start and uses it throughout.

LOGGING:
  Writes are logged at info, the zero-formula fallback at warn, failed
  writes at error. A logger in the call's context takes precedence.

SEE ALSO:
  - override.go, aggregate.go: The pure operations
  - store.go: Persistence contract
  - calculation/interpreter.go: ComponentCalculator implementation
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/logging"
)

// ComponentCalculator derives component values from a record's
// calculation inputs. Returned codes are merged by Recompute.
type ComponentCalculator interface {
	Calculate(ctx context.Context, rec PayRecord, rules []CalculationRule) (map[ComponentCode]decimal.Decimal, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store       Store
	configs     *ConfigCache
	configStore ConfigStore
	calc        ComponentCalculator
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
}

type Option func(*Service)

// WithConfigStore makes DeactivateComponent persist through cs and reload
// the cache afterwards.
func WithConfigStore(cs ConfigStore) Option {
	return func(s *Service) { s.configStore = cs }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService wires a Service. calc may be nil, in which case Recompute
// produces no fresh values and only re-aggregates.
func NewService(store Store, configs *ConfigCache, calc ComponentCalculator, opts ...Option) *Service {
	s := &Service{
		store:   store,
		configs: configs,
		calc:    calc,
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	return logging.FromContext(ctx, &s.log)
}

// =============================================================================
// PAY PERIODS
// =============================================================================

// OpenPeriod creates an open period. Opening an already open period returns
// it unchanged; a closed or archived period cannot be reopened.
func (s *Service) OpenPeriod(ctx context.Context, id PayPeriodID, actor string) (PayPeriod, error) {
	if id == "" {
		return PayPeriod{}, fmt.Errorf("%w: period id is required", ErrInvalidInput)
	}
	existing, err := s.store.GetPeriod(ctx, id)
	switch {
	case err == nil:
		if existing.IsOpen() {
			return existing, nil
		}
		return PayPeriod{}, fmt.Errorf("%w: %s is %s", ErrPeriodClosed, id, existing.Status)
	case !errors.Is(err, ErrPeriodNotFound):
		return PayPeriod{}, err
	}

	now := s.now()
	p := PayPeriod{ID: id, Status: PeriodOpen, OpenedAt: now}
	entry := s.entry(AuditPeriodOpened, actor, now)
	entry.PayPeriodID = id
	if err := s.store.SavePeriod(ctx, p, entry); err != nil {
		return PayPeriod{}, err
	}
	s.logger(ctx).Info().Str("pay_period_id", string(id)).Str("actor", actor).Msg("pay period opened")
	return p, nil
}

// ClosePeriod makes a period's records read-only.
func (s *Service) ClosePeriod(ctx context.Context, id PayPeriodID, actor string) (PayPeriod, error) {
	return s.transitionPeriod(ctx, id, actor, PeriodOpen, PeriodClosed, AuditPeriodClosed)
}

// ArchivePeriod moves a closed period to archived.
func (s *Service) ArchivePeriod(ctx context.Context, id PayPeriodID, actor string) (PayPeriod, error) {
	return s.transitionPeriod(ctx, id, actor, PeriodClosed, PeriodArchived, AuditPeriodArchived)
}

func (s *Service) transitionPeriod(ctx context.Context, id PayPeriodID, actor string, from, to PeriodStatus, action AuditAction) (PayPeriod, error) {
	p, err := s.store.GetPeriod(ctx, id)
	if err != nil {
		return PayPeriod{}, err
	}
	if p.Status != from {
		if from == PeriodOpen {
			return PayPeriod{}, fmt.Errorf("%w: %s is %s", ErrPeriodClosed, id, p.Status)
		}
		return PayPeriod{}, fmt.Errorf("%w: cannot move period %s from %s to %s", ErrInvalidInput, id, p.Status, to)
	}

	now := s.now()
	p.Status = to
	if to == PeriodClosed {
		p.ClosedAt = &now
		p.ClosedBy = actor
	}
	entry := s.entry(action, actor, now)
	entry.PayPeriodID = id
	if err := s.store.SavePeriod(ctx, p, entry); err != nil {
		return PayPeriod{}, err
	}
	s.logger(ctx).Info().Str("pay_period_id", string(id)).Str("status", string(to)).Str("actor", actor).Msg("pay period status changed")
	return p, nil
}

func (s *Service) requireOpen(ctx context.Context, id PayPeriodID) error {
	p, err := s.store.GetPeriod(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsOpen() {
		return fmt.Errorf("%w: %s is %s", ErrPeriodClosed, id, p.Status)
	}
	return nil
}

// =============================================================================
// INGEST
// =============================================================================

// IngestInput is raw component data from an import. Amounts are decimal strings.
type IngestInput struct {
	EmployeeID        EmployeeID
	PayPeriodID       PayPeriodID
	EstablishmentType EstablishmentTypeCode
	Earnings          map[ComponentCode]string
	Deductions        map[ComponentCode]string
	CalculationInputs map[ComponentCode]string
	Actor             string
}

// Ingest creates a version 1 record. Every code must be registered and sit in
// the map its category selects; a malformed amount fails the whole record.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (PayRecord, error) {
	if in.EmployeeID == "" || in.PayPeriodID == "" || in.EstablishmentType == "" {
		return PayRecord{}, fmt.Errorf("%w: employee, period and establishment type are required", ErrInvalidInput)
	}
	if err := s.requireOpen(ctx, in.PayPeriodID); err != nil {
		return PayRecord{}, err
	}

	cfg := s.configs.Current()
	now := s.now()
	rec := PayRecord{
		ID:                s.newID(),
		EmployeeID:        in.EmployeeID,
		PayPeriodID:       in.PayPeriodID,
		EstablishmentType: in.EstablishmentType,
		AuditStatus:       AuditPending,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	var err error
	if rec.Earnings, err = parseRawMap(in.Earnings); err != nil {
		return PayRecord{}, err
	}
	if rec.Deductions, err = parseRawMap(in.Deductions); err != nil {
		return PayRecord{}, err
	}
	if rec.CalculationInputs, err = parseRawMap(in.CalculationInputs); err != nil {
		return PayRecord{}, err
	}
	if err := ValidatePlacement(&rec, cfg.Registry); err != nil {
		return PayRecord{}, err
	}

	rule := s.rule(ctx, cfg, rec.EstablishmentType)
	res, err := Compute(&rec, rule, cfg.Registry)
	if err != nil {
		return PayRecord{}, err
	}
	rec.applyTotals(res)

	entry := s.recordEntry(AuditIngested, in.Actor, now, rec)
	if err := s.store.CreateRecord(ctx, rec, entry); err != nil {
		s.logger(ctx).Error().Err(err).Str("record", rec.Key().String()).Msg("ingest failed")
		return PayRecord{}, err
	}
	s.logger(ctx).Info().Str("record", rec.Key().String()).Str("net_pay", rec.NetPay.StringFixed(AmountPlaces)).Msg("pay record ingested")
	return rec, nil
}

func parseRawMap(raw map[ComponentCode]string) (ComponentMap, error) {
	out := make(ComponentMap, len(raw))
	for code, s := range raw {
		d, err := ParseAmount(code, s)
		if err != nil {
			return nil, err
		}
		out[code] = Entry(d)
	}
	return out, nil
}

// =============================================================================
// READS - Accessors for reporting
// =============================================================================

func (s *Service) Get(ctx context.Context, key RecordKey) (PayRecord, error) {
	return s.store.GetRecord(ctx, key)
}

func (s *Service) List(ctx context.Context, period PayPeriodID) ([]PayRecord, error) {
	return s.store.ListRecords(ctx, period)
}

// Totals re-aggregates a stored record with the current configuration,
// including the subtotal and employer total that are not cached on the record.
func (s *Service) Totals(ctx context.Context, key RecordKey) (AggregateResult, error) {
	rec, err := s.store.GetRecord(ctx, key)
	if err != nil {
		return AggregateResult{}, err
	}
	cfg := s.configs.Current()
	return Compute(&rec, s.rule(ctx, cfg, rec.EstablishmentType), cfg.Registry)
}

// History returns the audit trail of one record, oldest first.
func (s *Service) History(ctx context.Context, key RecordKey) ([]AuditEntry, error) {
	emp, period := key.EmployeeID, key.PayPeriodID
	return s.store.QueryAudit(ctx, AuditFilter{EmployeeID: &emp, PayPeriodID: &period})
}

// =============================================================================
// WRITES
// =============================================================================

type OverrideInput struct {
	Key             RecordKey
	ExpectedVersion int64
	Code            ComponentCode
	Amount          string
	Reason          string
	Actor           string
}

// ApplyOverride sets a component to a manual value and persists the result.
func (s *Service) ApplyOverride(ctx context.Context, in OverrideInput) (PayRecord, error) {
	amount, err := ParseAmount(in.Code, in.Amount)
	if err != nil {
		return PayRecord{}, err
	}
	rec, err := s.loadForWrite(ctx, in.Key, in.ExpectedVersion)
	if err != nil {
		return PayRecord{}, err
	}

	cfg := s.configs.Current()
	now := s.now()
	next, err := ApplyOverride(&rec, s.rule(ctx, cfg, rec.EstablishmentType), Override{
		Code:   in.Code,
		Amount: amount,
		Reason: in.Reason,
		Actor:  in.Actor,
		At:     now,
	}, cfg.Registry)
	if err != nil {
		return PayRecord{}, err
	}
	next.UpdatedAt = now

	entry := s.recordEntry(AuditOverrideApplied, in.Actor, now, next)
	entry.ComponentCode = in.Code
	entry.Reason = in.Reason
	if def, ok := cfg.Registry.Lookup(in.Code); ok {
		old := rec.Map(def.Category.MapFor()).Amount(in.Code)
		entry.OldAmount = &old
	}
	entry.NewAmount = &amount

	if err := s.save(ctx, next, in.ExpectedVersion, entry); err != nil {
		return PayRecord{}, err
	}
	s.logger(ctx).Info().
		Str("record", next.Key().String()).
		Str("component", string(in.Code)).
		Str("amount", amount.StringFixed(AmountPlaces)).
		Str("actor", in.Actor).
		Int64("version", next.Version).
		Msg("manual override applied")
	return next, nil
}

type RecomputeInput struct {
	Key             RecordKey
	ExpectedVersion int64
	PreserveManual  bool
	Actor           string
}

// Recompute recalculates derived components and re-aggregates. Any
// calculation failure leaves the stored record untouched.
func (s *Service) Recompute(ctx context.Context, in RecomputeInput) (PayRecord, error) {
	rec, err := s.loadForWrite(ctx, in.Key, in.ExpectedVersion)
	if err != nil {
		return PayRecord{}, err
	}

	cfg := s.configs.Current()
	// An authoritative recompute calculates from engine values, not overrides.
	view := rec.Clone()
	if !in.PreserveManual {
		resetOverrides(&view)
	}
	fresh := map[ComponentCode]decimal.Decimal{}
	if s.calc != nil {
		fresh, err = s.calc.Calculate(ctx, view, cfg.Calculations)
		if err != nil {
			s.logger(ctx).Error().Err(err).Str("record", in.Key.String()).Msg("component calculation failed")
			if !errors.Is(err, ErrCalculationFailed) {
				err = fmt.Errorf("%w: %w", ErrCalculationFailed, err)
			}
			return PayRecord{}, err
		}
	}

	next, err := Recompute(&rec, s.rule(ctx, cfg, rec.EstablishmentType), fresh, in.PreserveManual, cfg.Registry)
	if err != nil {
		return PayRecord{}, err
	}
	now := s.now()
	next.UpdatedAt = now

	entries := []AuditEntry{s.recordEntry(AuditRecomputed, in.Actor, now, next)}
	if in.PreserveManual {
		entries[0].Reason = "preserve manual"
	} else {
		entries[0].Reason = "authoritative"
	}
	for _, kind := range []MapKind{MapEarnings, MapDeductions, MapCalculationInputs} {
		before, after := rec.Map(kind), next.Map(kind)
		for _, code := range after.Codes() {
			old, updated := before.Amount(code), after.Amount(code)
			if old.Equal(updated) && before[code].IsManual == after[code].IsManual {
				continue
			}
			e := s.recordEntry(AuditRecomputed, in.Actor, now, next)
			e.ComponentCode = code
			e.OldAmount, e.NewAmount = &old, &updated
			entries = append(entries, e)
		}
	}

	if err := s.save(ctx, next, in.ExpectedVersion, entries...); err != nil {
		return PayRecord{}, err
	}
	s.logger(ctx).Info().
		Str("record", next.Key().String()).
		Bool("preserve_manual", in.PreserveManual).
		Int("changed", len(entries)-1).
		Int64("version", next.Version).
		Msg("pay record recomputed")
	return next, nil
}

type ReviewInput struct {
	Key             RecordKey
	ExpectedVersion int64
	Approve         bool
	Actor           string
	Note            string
}

// Review records an approval or rejection. It is a versioned write.
func (s *Service) Review(ctx context.Context, in ReviewInput) (PayRecord, error) {
	rec, err := s.loadForWrite(ctx, in.Key, in.ExpectedVersion)
	if err != nil {
		return PayRecord{}, err
	}

	now := s.now()
	next := rec.Clone()
	next.AuditStatus = AuditRejected
	if in.Approve {
		next.AuditStatus = AuditApproved
	}
	next.AuditedAt = &now
	next.AuditedBy = in.Actor
	next.Version++
	next.UpdatedAt = now

	entry := s.recordEntry(AuditReviewed, in.Actor, now, next)
	entry.Reason = string(next.AuditStatus)
	if in.Note != "" {
		entry.Reason += ": " + in.Note
	}
	if err := s.save(ctx, next, in.ExpectedVersion, entry); err != nil {
		return PayRecord{}, err
	}
	s.logger(ctx).Info().Str("record", next.Key().String()).Str("status", string(next.AuditStatus)).Str("actor", in.Actor).Msg("pay record reviewed")
	return next, nil
}

// DeactivateComponent retires a component in the config store and reloads
// the cache. Stored records keep their values and aggregation keeps summing
// them.
func (s *Service) DeactivateComponent(ctx context.Context, code ComponentCode, actor string) error {
	if s.configStore == nil {
		return ErrNoConfigStore
	}

	if _, ok := s.configs.Registry().Lookup(code); !ok {
		return &ComponentNotFoundError{Code: code}
	}
	entry := s.entry(AuditComponentDeactivated, actor, s.now())
	entry.ComponentCode = code
	if err := s.configStore.DeactivateComponent(ctx, code, entry); err != nil {
		return err
	}
	if err := s.configs.Reload(ctx); err != nil {
		return fmt.Errorf("reload after deactivate: %w", err)
	}
	s.logger(ctx).Info().Str("component", string(code)).Str("actor", actor).Msg("component deactivated")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// loadForWrite reads the record and checks its version and period.
func (s *Service) loadForWrite(ctx context.Context, key RecordKey, expected int64) (PayRecord, error) {
	rec, err := s.store.GetRecord(ctx, key)
	if err != nil {
		return PayRecord{}, err
	}
	if rec.Version != expected {
		return PayRecord{}, &ConflictError{Key: key, Expected: expected, Actual: rec.Version}
	}
	if err := s.requireOpen(ctx, key.PayPeriodID); err != nil {
		return PayRecord{}, err
	}
	return rec, nil
}

func (s *Service) save(ctx context.Context, rec PayRecord, expected int64, entries ...AuditEntry) error {
	if err := s.store.UpdateRecord(ctx, rec, expected, entries...); err != nil {
		s.logger(ctx).Error().Err(err).Str("record", rec.Key().String()).Int64("expected_version", expected).Msg("pay record write failed")
		return err
	}
	return nil
}

func (s *Service) rule(ctx context.Context, cfg *Config, et EstablishmentTypeCode) FormulaRule {
	rule, ok := cfg.Formulas.Lookup(et)
	if !ok {
		s.logger(ctx).Warn().Str("establishment_type", string(et)).Msg("no formula rule, using zero fallback")
	}
	return rule
}

func (s *Service) entry(action AuditAction, actor string, at time.Time) AuditEntry {
	return AuditEntry{ID: s.newID(), At: at, Actor: actor, Action: action}
}

func (s *Service) recordEntry(action AuditAction, actor string, at time.Time, rec PayRecord) AuditEntry {
	e := s.entry(action, actor, at)
	e.EmployeeID = rec.EmployeeID
	e.PayPeriodID = rec.PayPeriodID
	e.Version = rec.Version
	return e
}
