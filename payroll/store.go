/*
store.go - Persistence interfaces

PURPOSE:
  Defines what the Service needs from a database. The engine functions in
  aggregate.go and override.go never touch a store; the Service loads,
  computes, then writes through these interfaces.

COMPARE-AND-SWAP:
  UpdateRecord takes the version the caller read. The store writes only if
  the stored version still equals it, and otherwise returns ConflictError.
  Stores never retry.

ATOMIC AUDIT:
  Every record write carries its audit entries. Both land or neither does.

IMPLEMENTATIONS:
  - payroll/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL with JSONB component maps
*/
package payroll

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORD / PERIOD STORE
// =============================================================================

type RecordStore interface {
	// GetRecord returns ErrRecordNotFound if the key is unknown.
	GetRecord(ctx context.Context, key RecordKey) (PayRecord, error)

	// CreateRecord inserts a new record. Returns ErrRecordExists on a duplicate key.
	CreateRecord(ctx context.Context, rec PayRecord, audit ...AuditEntry) error

	// UpdateRecord replaces the record if its stored version equals expectedVersion.
	UpdateRecord(ctx context.Context, rec PayRecord, expectedVersion int64, audit ...AuditEntry) error

	// ListRecords returns a period's records ordered by employee id.
	ListRecords(ctx context.Context, period PayPeriodID) ([]PayRecord, error)
}

type PeriodStore interface {
	// GetPeriod returns ErrPeriodNotFound if the period is unknown.
	GetPeriod(ctx context.Context, id PayPeriodID) (PayPeriod, error)
	SavePeriod(ctx context.Context, p PayPeriod, audit ...AuditEntry) error
}

// Store is everything the Service persists.
type Store interface {
	RecordStore
	PeriodStore
	AuditLog
}

// ConfigStore persists the registry, formula table and calculation rules.
type ConfigStore interface {
	ConfigLoader
	SaveConfig(ctx context.Context, cfg Config) error
	DeactivateComponent(ctx context.Context, code ComponentCode, audit ...AuditEntry) error
}

// =============================================================================
// AUDIT LOG - Who changed what, when
// =============================================================================

type AuditAction string

const (
	AuditIngested             AuditAction = "ingested"
	AuditOverrideApplied      AuditAction = "override_applied"
	AuditRecomputed           AuditAction = "recomputed"
	AuditReviewed             AuditAction = "reviewed"
	AuditPeriodOpened         AuditAction = "period_opened"
	AuditPeriodClosed         AuditAction = "period_closed"
	AuditPeriodArchived       AuditAction = "period_archived"
	AuditComponentDeactivated AuditAction = "component_deactivated"
)

// AuditEntry records one change. Amount fields are set for component changes.
type AuditEntry struct {
	ID            string
	At            time.Time
	Actor         string
	Action        AuditAction
	EmployeeID    EmployeeID
	PayPeriodID   PayPeriodID
	ComponentCode ComponentCode
	OldAmount     *decimal.Decimal
	NewAmount     *decimal.Decimal
	Reason        string
	Version       int64
}

type AuditLog interface {
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditFilter narrows QueryAudit. Nil fields match everything.
// Results are ordered by time, then id.
type AuditFilter struct {
	EmployeeID    *EmployeeID
	PayPeriodID   *PayPeriodID
	ComponentCode *ComponentCode
	Actor         *string
	Actions       []AuditAction
	From          *time.Time
	To            *time.Time
}

// Matches reports whether e passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EmployeeID != nil && e.EmployeeID != *f.EmployeeID {
		return false
	}
	if f.PayPeriodID != nil && e.PayPeriodID != *f.PayPeriodID {
		return false
	}
	if f.ComponentCode != nil && e.ComponentCode != *f.ComponentCode {
		return false
	}
	if f.Actor != nil && e.Actor != *f.Actor {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.At.Before(*f.From) {
		return false
	}
	if f.To != nil && e.At.After(*f.To) {
		return false
	}
	return true
}
