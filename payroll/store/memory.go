// Package store provides an in-memory payroll.Store for tests and development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	records map[payroll.RecordKey]payroll.PayRecord
	periods map[payroll.PayPeriodID]payroll.PayPeriod
	audit   []payroll.AuditEntry
	config  *savedConfig
}

// savedConfig is a Config without the live Registry pointer, so the
// caller's registry is never shared with the store.
type savedConfig struct {
	components   []payroll.ComponentDefinition
	estTypes     []payroll.EstablishmentType
	otherCode    payroll.ComponentCode
	rules        []payroll.FormulaRule
	calculations []payroll.CalculationRule
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[payroll.RecordKey]payroll.PayRecord),
		periods: make(map[payroll.PayPeriodID]payroll.PayPeriod),
	}
}

// =============================================================================
// RECORDS
// =============================================================================

func (m *Memory) GetRecord(_ context.Context, key payroll.RecordKey) (payroll.PayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return payroll.PayRecord{}, fmt.Errorf("%w: %s", payroll.ErrRecordNotFound, key)
	}
	return rec.Clone(), nil
}

func (m *Memory) CreateRecord(_ context.Context, rec payroll.PayRecord, audit ...payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key()]; ok {
		return fmt.Errorf("%w: %s", payroll.ErrRecordExists, rec.Key())
	}
	m.records[rec.Key()] = rec.Clone()
	m.audit = append(m.audit, audit...)
	return nil
}

// UpdateRecord is the compare-and-swap write. The version check and the
// write happen under one lock.
func (m *Memory) UpdateRecord(_ context.Context, rec payroll.PayRecord, expectedVersion int64, audit ...payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[rec.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", payroll.ErrRecordNotFound, rec.Key())
	}
	if current.Version != expectedVersion {
		return &payroll.ConflictError{Key: rec.Key(), Expected: expectedVersion, Actual: current.Version}
	}
	m.records[rec.Key()] = rec.Clone()
	m.audit = append(m.audit, audit...)
	return nil
}

func (m *Memory) ListRecords(_ context.Context, period payroll.PayPeriodID) ([]payroll.PayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.PayRecord
	for k, rec := range m.records {
		if k.PayPeriodID == period {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

// =============================================================================
// PERIODS
// =============================================================================

func (m *Memory) GetPeriod(_ context.Context, id payroll.PayPeriodID) (payroll.PayPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[id]
	if !ok {
		return payroll.PayPeriod{}, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	return p, nil
}

func (m *Memory) SavePeriod(_ context.Context, p payroll.PayPeriod, audit ...payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[p.ID] = p
	m.audit = append(m.audit, audit...)
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) QueryAudit(_ context.Context, filter payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	// Stable: entries written together share a timestamp and keep write order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// =============================================================================
// CONFIG
// =============================================================================

func (m *Memory) SaveConfig(_ context.Context, cfg payroll.Config) error {
	if cfg.Registry == nil {
		return fmt.Errorf("%w: registry is required", payroll.ErrInvalidConfig)
	}
	saved := &savedConfig{
		components:   cfg.Registry.All(),
		estTypes:     append([]payroll.EstablishmentType(nil), cfg.EstablishmentTypes...),
		otherCode:    cfg.Formulas.OtherDeductionsComponent,
		rules:        cfg.Formulas.Rules(),
		calculations: append([]payroll.CalculationRule(nil), cfg.Calculations...),
	}
	m.mu.Lock()
	m.config = saved
	m.mu.Unlock()
	return nil
}

// LoadConfig builds a fresh Config from the last SaveConfig.
func (m *Memory) LoadConfig(_ context.Context) (payroll.Config, error) {
	m.mu.RLock()
	saved := m.config
	m.mu.RUnlock()
	if saved == nil {
		return payroll.Config{}, payroll.ErrConfigNotFound
	}

	reg, err := payroll.NewRegistry(saved.components...)
	if err != nil {
		return payroll.Config{}, err
	}
	table, err := payroll.NewFormulaTable(saved.otherCode, saved.rules...)
	if err != nil {
		return payroll.Config{}, err
	}
	return payroll.Config{
		Registry:           reg,
		EstablishmentTypes: append([]payroll.EstablishmentType(nil), saved.estTypes...),
		Formulas:           table,
		Calculations:       append([]payroll.CalculationRule(nil), saved.calculations...),
	}, nil
}

func (m *Memory) DeactivateComponent(_ context.Context, code payroll.ComponentCode, audit ...payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return &payroll.ComponentNotFoundError{Code: code}
	}
	for i, d := range m.config.components {
		if d.Code == code {
			m.config.components[i].IsActive = false
			m.audit = append(m.audit, audit...)
			return nil
		}
	}
	return &payroll.ComponentNotFoundError{Code: code}
}

var (
	_ payroll.Store       = (*Memory)(nil)
	_ payroll.ConfigStore = (*Memory)(nil)
)
