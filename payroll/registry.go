/*
registry.go - Component Registry

PURPOSE:
  The catalog of named salary components. Every code that appears in a pay
  record must have a ComponentDefinition here; the definition's category
  decides which map the component lives in and whether it counts against
  the employee (personal deduction) or only against the employer.

LIFECYCLE:
  Components are registered by configuration and never deleted once pay
  records reference them. Retiring a component is Deactivate(): it drops out
  of GetActive() but historical sums still include it.

SCOPE:
  A Registry is an explicit value handed to the engine, not a package global.
  It is read-mostly and safe for concurrent use; the only mutations are
  admin-triggered (Register, Deactivate).

SEE ALSO:
  - cache.go: Process-wide snapshot holding the registry
  - aggregate.go: Uses Catalog to find employer deductions
*/
package payroll

import (
	"sort"
	"sync"
)

// =============================================================================
// COMPONENT DEFINITION
// =============================================================================

// ComponentDefinition describes one salary component.
type ComponentDefinition struct {
	Code         ComponentCode
	DisplayName  string
	Category     Category
	IsActive     bool
	DisplayOrder int
}

// EstablishmentType classifies an employment relationship.
type EstablishmentType struct {
	Code        EstablishmentTypeCode
	DisplayName string
}

// Catalog is the read side of the registry the engine depends on.
type Catalog interface {
	// Lookup returns the definition for code, including inactive ones.
	Lookup(code ComponentCode) (ComponentDefinition, bool)
}

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	mu   sync.RWMutex
	defs map[ComponentCode]ComponentDefinition
}

// NewRegistry builds a registry. Duplicate codes are rejected.
func NewRegistry(defs ...ComponentDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[ComponentCode]ComponentDefinition, len(defs))}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition. Fails with ErrDuplicateComponent if the code exists.
func (r *Registry) Register(def ComponentDefinition) error {
	if def.Code == "" {
		return ErrInvalidConfig
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Code]; ok {
		return &duplicateComponentError{code: def.Code}
	}
	r.defs[def.Code] = def
	return nil
}

func (r *Registry) Lookup(code ComponentCode) (ComponentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[code]
	return d, ok
}

// GetActive returns active components ordered by DisplayOrder, then Code.
// With no categories given, all categories are returned.
func (r *Registry) GetActive(categories ...Category) []ComponentDefinition {
	want := make(map[Category]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}

	r.mu.RLock()
	out := make([]ComponentDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		if !d.IsActive {
			continue
		}
		if len(want) > 0 && !want[d.Category] {
			continue
		}
		out = append(out, d)
	}
	r.mu.RUnlock()

	sortDefinitions(out)
	return out
}

// All returns every definition, active or not, in display order.
func (r *Registry) All() []ComponentDefinition {
	r.mu.RLock()
	out := make([]ComponentDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sortDefinitions(out)
	return out
}

// Deactivate retires a component. Existing pay record data is untouched.
func (r *Registry) Deactivate(code ComponentCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[code]
	if !ok {
		return &ComponentNotFoundError{Code: code}
	}
	d.IsActive = false
	r.defs[code] = d
	return nil
}

func sortDefinitions(defs []ComponentDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].DisplayOrder != defs[j].DisplayOrder {
			return defs[i].DisplayOrder < defs[j].DisplayOrder
		}
		return defs[i].Code < defs[j].Code
	})
}

type duplicateComponentError struct {
	code ComponentCode
}

func (e *duplicateComponentError) Error() string {
	return "duplicate component code: " + string(e.code)
}

func (e *duplicateComponentError) Unwrap() error { return ErrDuplicateComponent }

// requireComponent resolves code or returns ComponentNotFoundError.
func requireComponent(c Catalog, code ComponentCode) (ComponentDefinition, error) {
	if c == nil {
		return ComponentDefinition{}, &ComponentNotFoundError{Code: code}
	}
	d, ok := c.Lookup(code)
	if !ok {
		return ComponentDefinition{}, &ComponentNotFoundError{Code: code}
	}
	return d, nil
}
