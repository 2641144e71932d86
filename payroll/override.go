/*
override.go - Manual Override Layer

PURPOSE:
  Lets a person replace a computed component value without losing the value
  the engine computed. Every write here returns a new record with version+1
  and freshly aggregated totals.

STATE MACHINE (per component entry):

    AUTO ──ApplyOverride──▶ MANUAL
    MANUAL ──ApplyOverride──▶ MANUAL        (AutoCalculated kept)
    MANUAL ──Recompute(preserve=false)──▶ AUTO

  Recompute(preserve=true) never leaves MANUAL; it only refreshes
  AutoCalculated so reviewers can see what the engine would have paid.
  Recompute(preserve=false) returns every manual entry to AUTO: at the fresh
  value when the calculator produced one, otherwise at AutoCalculated.

TOTALS:
  GrossPay/TotalDeductions/NetPay are never written here directly. Both
  operations finish by running Compute over the new maps.

SEE ALSO:
  - aggregate.go: Compute
  - service.go: Version check and persistence around these functions
  - calculation/interpreter.go: Produces the fresh values for Recompute
*/
package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Override describes one manual component change.
type Override struct {
	Code   ComponentCode
	Amount decimal.Decimal
	Reason string
	Actor  string
	At     time.Time
}

// ApplyOverride sets one component to a manual value.
//
// The component goes in the map its category selects. On the first override
// the current amount (zero if absent) is saved in AutoCalculated; later
// overrides leave AutoCalculated alone.
func ApplyOverride(rec *PayRecord, rule FormulaRule, o Override, catalog Catalog) (PayRecord, error) {
	if rec == nil {
		return PayRecord{}, errNilRecord
	}
	def, err := requireComponent(catalog, o.Code)
	if err != nil {
		return PayRecord{}, err
	}

	out := rec.Clone()
	kind := def.Category.MapFor()
	m := out.Map(kind)
	if m == nil {
		m = ComponentMap{}
	}

	current, exists := m[o.Code]
	next := current.clone()
	if !exists || !current.IsManual {
		auto := Round2(current.Amount)
		next.AutoCalculated = &auto
	}
	at := o.At
	next.Amount = Round2(o.Amount)
	next.IsManual = true
	next.ManualReason = o.Reason
	next.ManualAt = &at
	next.ManualBy = o.Actor
	m[o.Code] = next
	out.setMap(kind, m)

	if err := finish(&out, rule, catalog); err != nil {
		return PayRecord{}, err
	}
	return out, nil
}

// Recompute merges freshly calculated component values into rec.
//
// With preserveManual, manual entries keep their Amount and only
// AutoCalculated is refreshed. Without it, every fresh value replaces the
// stored one, and manual entries the calculator did not produce fall back to
// their AutoCalculated value. Either way AUTO entries absent from fresh are
// left as they are.
func Recompute(rec *PayRecord, rule FormulaRule, fresh map[ComponentCode]decimal.Decimal, preserveManual bool, catalog Catalog) (PayRecord, error) {
	if rec == nil {
		return PayRecord{}, errNilRecord
	}

	// Resolve every code before touching the copy so one bad code fails the
	// whole recompute.
	kinds := make(map[ComponentCode]MapKind, len(fresh))
	for code := range fresh {
		def, err := requireComponent(catalog, code)
		if err != nil {
			return PayRecord{}, fmt.Errorf("recompute: %w", err)
		}
		kinds[code] = def.Category.MapFor()
	}

	out := rec.Clone()
	if !preserveManual {
		resetOverrides(&out)
	}
	for _, code := range sortedCodes(fresh) {
		kind := kinds[code]
		m := out.Map(kind)
		if m == nil {
			m = ComponentMap{}
		}
		value := Round2(fresh[code])
		current := m[code]

		if preserveManual && current.IsManual {
			keep := current.clone()
			keep.AutoCalculated = &value
			m[code] = keep
		} else {
			auto := value
			m[code] = ComponentEntry{Amount: value, AutoCalculated: &auto}
		}
		out.setMap(kind, m)
	}

	if err := finish(&out, rule, catalog); err != nil {
		return PayRecord{}, err
	}
	return out, nil
}

// resetOverrides puts every manual entry of rec back to AUTO at the last
// engine value. An entry with no AutoCalculated keeps its amount. The maps
// are changed in place.
func resetOverrides(rec *PayRecord) {
	for _, kind := range []MapKind{MapEarnings, MapDeductions, MapCalculationInputs} {
		m := rec.Map(kind)
		for code, e := range m {
			if !e.IsManual {
				continue
			}
			value := e.Amount
			if e.AutoCalculated != nil {
				value = Round2(*e.AutoCalculated)
			}
			auto := value
			m[code] = ComponentEntry{Amount: value, AutoCalculated: &auto}
		}
	}
}

// ValidatePlacement checks that every code in rec is registered and sits in
// the map its category selects.
func ValidatePlacement(rec *PayRecord, catalog Catalog) error {
	if rec == nil {
		return errNilRecord
	}
	for _, kind := range []MapKind{MapEarnings, MapDeductions, MapCalculationInputs} {
		for _, code := range rec.Map(kind).Codes() {
			def, err := requireComponent(catalog, code)
			if err != nil {
				return err
			}
			if def.Category.MapFor() != kind {
				return &ComponentMisplacedError{Code: code, Category: def.Category, Found: kind}
			}
		}
	}
	return nil
}

// finish bumps the version and refreshes cached totals.
func finish(rec *PayRecord, rule FormulaRule, catalog Catalog) error {
	res, err := Compute(rec, rule, catalog)
	if err != nil {
		return err
	}
	rec.applyTotals(res)
	rec.Version++
	return nil
}

func sortedCodes(m map[ComponentCode]decimal.Decimal) []ComponentCode {
	cm := make(ComponentMap, len(m))
	for code := range m {
		cm[code] = ComponentEntry{}
	}
	return cm.Codes()
}
