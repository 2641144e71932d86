/*
Package payroll provides the payroll calculation and aggregation engine.

PURPOSE:
  Turns a flexible, per-employee set of named salary components into the
  standardized totals every pay period needs: subtotal, gross payable,
  personal deductions, net pay. Which components feed which total depends on
  the employee's establishment type (civil servant, contract staff, ...), and
  that mapping is data, not code.

KEY CONCEPTS IN THIS FILE (types.go):
  - ComponentCode / Category: named salary components and what kind they are
  - ComponentEntry: one component value plus its manual-override audit fields
  - ComponentMap: code -> entry, missing codes read as zero
  - PayRecord: one employee x one pay period, three maps + cached totals

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal with two fractional digits, never float64
  2. Totality: missing data reads as zero, aggregation always produces a number
  3. Purity: Compute/ApplyOverride/Recompute return new records, inputs are never mutated
  4. Auditability: an overridden component always keeps the engine-computed value

USAGE:
  rec := payroll.PayRecord{
      EmployeeID:        "emp-1",
      PayPeriodID:       "2025-03",
      EstablishmentType: "civil-servant",
      Earnings: payroll.ComponentMap{
          "position_salary": payroll.Entry(payroll.MustAmount("3000.00")),
      },
  }
  result, err := payroll.Compute(&rec, rule, registry)

SEE ALSO:
  - registry.go: Component Registry
  - formula.go: Formula Table
  - aggregate.go: Aggregation Engine
  - override.go: Manual Override Layer
  - service.go: Versioned, persisted workflow
*/
package payroll

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS - Fixed two-place decimals
// =============================================================================

// AmountPlaces is the number of fractional digits every amount carries.
const AmountPlaces = 2

// Round2 rounds to AmountPlaces, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// ParseAmount parses a decimal string and rounds it to two places.
// Returns MalformedAmountError if s is not a decimal.
func ParseAmount(code ComponentCode, s string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(s)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &MalformedAmountError{Code: code, Raw: s, Err: err}
	}
	return Round2(d), nil
}

// MustAmount parses s or panics. Use in tests and presets only.
func MustAmount(s string) decimal.Decimal {
	d, err := ParseAmount("", s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ComponentCode string
type EmployeeID string
type PayPeriodID string
type EstablishmentTypeCode string

// RecordKey identifies a pay record: one employee in one pay period.
type RecordKey struct {
	EmployeeID  EmployeeID
	PayPeriodID PayPeriodID
}

func (k RecordKey) String() string {
	return string(k.EmployeeID) + "@" + string(k.PayPeriodID)
}

// =============================================================================
// CATEGORY - What kind of component a code is
// =============================================================================

type Category string

const (
	CategoryEarning           Category = "EARNING"
	CategoryPersonalDeduction Category = "PERSONAL_DEDUCTION"
	CategoryEmployerDeduction Category = "EMPLOYER_DEDUCTION"
	CategoryCalculationBase   Category = "CALCULATION_BASE"
	CategoryCalculationRate   Category = "CALCULATION_RATE"
	CategoryCalculationResult Category = "CALCULATION_RESULT"
	CategoryOther             Category = "OTHER"
)

var categories = []Category{
	CategoryEarning,
	CategoryPersonalDeduction,
	CategoryEmployerDeduction,
	CategoryCalculationBase,
	CategoryCalculationRate,
	CategoryCalculationResult,
	CategoryOther,
}

// ParseCategory accepts the canonical upper-case name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown component category %q", ErrInvalidConfig, s)
}

// MapKind names one of the three component maps on a PayRecord.
type MapKind string

const (
	MapEarnings          MapKind = "earnings"
	MapDeductions        MapKind = "deductions"
	MapCalculationInputs MapKind = "calculation_inputs"
)

// MapFor returns the PayRecord map a component of this category lives in.
func (c Category) MapFor() MapKind {
	switch c {
	case CategoryEarning:
		return MapEarnings
	case CategoryPersonalDeduction, CategoryEmployerDeduction:
		return MapDeductions
	default:
		return MapCalculationInputs
	}
}

// =============================================================================
// COMPONENT ENTRY - One value in a component map
// =============================================================================

// ComponentEntry is a single component value.
//
// INVARIANT: when IsManual is true, AutoCalculated holds the last value the
// engine computed for this component. An override never writes AutoCalculated.
type ComponentEntry struct {
	Amount         decimal.Decimal
	IsManual       bool
	ManualReason   string
	ManualAt       *time.Time
	ManualBy       string
	AutoCalculated *decimal.Decimal
}

// Entry builds an AUTO entry with the amount rounded to two places.
func Entry(amount decimal.Decimal) ComponentEntry {
	return ComponentEntry{Amount: Round2(amount)}
}

type entryJSON struct {
	Amount         json.Number `json:"amount"`
	IsManual       bool        `json:"is_manual"`
	ManualReason   string      `json:"manual_reason,omitempty"`
	ManualAt       *time.Time  `json:"manual_at,omitempty"`
	ManualBy       string      `json:"manual_by,omitempty"`
	AutoCalculated json.Number `json:"auto_calculated,omitempty"`
}

// MarshalJSON writes amounts as JSON numbers with exactly two fractional digits.
func (e ComponentEntry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		Amount:       json.Number(Round2(e.Amount).StringFixed(AmountPlaces)),
		IsManual:     e.IsManual,
		ManualReason: e.ManualReason,
		ManualAt:     e.ManualAt,
		ManualBy:     e.ManualBy,
	}
	if e.AutoCalculated != nil {
		out.AutoCalculated = json.Number(Round2(*e.AutoCalculated).StringFixed(AmountPlaces))
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts amounts as numbers or numeric strings.
// Anything else fails with MalformedAmountError.
func (e *ComponentEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Amount         json.RawMessage `json:"amount"`
		IsManual       bool            `json:"is_manual"`
		ManualReason   string          `json:"manual_reason"`
		ManualAt       *time.Time      `json:"manual_at"`
		ManualBy       string          `json:"manual_by"`
		AutoCalculated json.RawMessage `json:"auto_calculated"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	amount, err := decodeAmount(raw.Amount)
	if err != nil {
		return err
	}
	*e = ComponentEntry{
		Amount:       amount,
		IsManual:     raw.IsManual,
		ManualReason: raw.ManualReason,
		ManualAt:     raw.ManualAt,
		ManualBy:     raw.ManualBy,
	}
	if len(raw.AutoCalculated) > 0 && string(raw.AutoCalculated) != "null" {
		auto, err := decodeAmount(raw.AutoCalculated)
		if err != nil {
			return err
		}
		e.AutoCalculated = &auto
	}
	return nil
}

func decodeAmount(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Zero, &MalformedAmountError{Raw: s, Err: fmt.Errorf("amount is required")}
	}
	s = strings.Trim(s, `"`)
	return ParseAmount("", s)
}

// =============================================================================
// COMPONENT MAP - code -> entry
// =============================================================================

// ComponentMap holds one of a record's three component maps.
// A code absent from the map has amount zero.
type ComponentMap map[ComponentCode]ComponentEntry

// Amount returns the rounded amount for code, zero when absent.
func (m ComponentMap) Amount(code ComponentCode) decimal.Decimal {
	e, ok := m[code]
	if !ok {
		return decimal.Zero
	}
	return Round2(e.Amount)
}

// Codes returns the map's codes in lexical order.
func (m ComponentMap) Codes() []ComponentCode {
	codes := make([]ComponentCode, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Clone returns a deep copy. Pointer fields are copied, not shared.
func (m ComponentMap) Clone() ComponentMap {
	if m == nil {
		return ComponentMap{}
	}
	out := make(ComponentMap, len(m))
	for code, e := range m {
		out[code] = e.clone()
	}
	return out
}

func (e ComponentEntry) clone() ComponentEntry {
	c := e
	if e.ManualAt != nil {
		t := *e.ManualAt
		c.ManualAt = &t
	}
	if e.AutoCalculated != nil {
		d := *e.AutoCalculated
		c.AutoCalculated = &d
	}
	return c
}

// UnmarshalJSONMap decodes a flat code -> entry JSON object, naming the
// offending code in any MalformedAmountError.
func UnmarshalJSONMap(b []byte) (ComponentMap, error) {
	if len(b) == 0 {
		return ComponentMap{}, nil
	}
	var raw map[ComponentCode]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode component map: %w", err)
	}
	out := make(ComponentMap, len(raw))
	for code, msg := range raw {
		var e ComponentEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			var mErr *MalformedAmountError
			if errors.As(err, &mErr) {
				mErr.Code = code
				return nil, mErr
			}
			return nil, fmt.Errorf("decode component %s: %w", code, err)
		}
		out[code] = e
	}
	return out, nil
}

// =============================================================================
// PAY RECORD - One employee, one pay period
// =============================================================================

type AuditStatus string

const (
	AuditPending  AuditStatus = "pending"
	AuditApproved AuditStatus = "approved"
	AuditRejected AuditStatus = "rejected"
)

// PayRecord is one employee's pay for one pay period.
//
// GrossPay, TotalDeductions and NetPay are caches of Compute over the maps.
// They are only ever written by the engine, never set directly.
type PayRecord struct {
	ID                string
	EmployeeID        EmployeeID
	PayPeriodID       PayPeriodID
	EstablishmentType EstablishmentTypeCode

	Earnings          ComponentMap
	Deductions        ComponentMap
	CalculationInputs ComponentMap

	GrossPay        decimal.Decimal
	TotalDeductions decimal.Decimal
	NetPay          decimal.Decimal

	AuditStatus AuditStatus
	AuditedAt   *time.Time
	AuditedBy   string

	// Version is bumped on every write and used as the optimistic concurrency token.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the record's identity.
func (r PayRecord) Key() RecordKey {
	return RecordKey{EmployeeID: r.EmployeeID, PayPeriodID: r.PayPeriodID}
}

// Map returns the component map of the given kind.
func (r *PayRecord) Map(kind MapKind) ComponentMap {
	switch kind {
	case MapEarnings:
		return r.Earnings
	case MapDeductions:
		return r.Deductions
	default:
		return r.CalculationInputs
	}
}

func (r *PayRecord) setMap(kind MapKind, m ComponentMap) {
	switch kind {
	case MapEarnings:
		r.Earnings = m
	case MapDeductions:
		r.Deductions = m
	default:
		r.CalculationInputs = m
	}
}

// Clone returns a deep copy of the record.
func (r PayRecord) Clone() PayRecord {
	c := r
	c.Earnings = r.Earnings.Clone()
	c.Deductions = r.Deductions.Clone()
	c.CalculationInputs = r.CalculationInputs.Clone()
	if r.AuditedAt != nil {
		t := *r.AuditedAt
		c.AuditedAt = &t
	}
	return c
}

// applyTotals writes an aggregate result into the cached total fields.
func (r *PayRecord) applyTotals(res AggregateResult) {
	r.GrossPay = res.GrossPayable
	r.TotalDeductions = res.TotalDeductions
	r.NetPay = res.NetPay
}

// =============================================================================
// PAY PERIOD
// =============================================================================

type PeriodStatus string

const (
	PeriodOpen     PeriodStatus = "open"
	PeriodClosed   PeriodStatus = "closed"
	PeriodArchived PeriodStatus = "archived"
)

// PayPeriod gates writes: records of a period that is not open are read-only.
type PayPeriod struct {
	ID       PayPeriodID
	Status   PeriodStatus
	OpenedAt time.Time
	ClosedAt *time.Time
	ClosedBy string
}

func (p PayPeriod) IsOpen() bool { return p.Status == PeriodOpen }
