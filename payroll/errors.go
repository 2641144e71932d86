/*
errors.go - Centralized error types for the payroll engine

PURPOSE:
  All error types in one place. The engine never catches-and-swallows these;
  they propagate to the caller, which decides what to tell the user.

ERROR CATEGORIES:
  1. Lookup errors - unknown component, record, period
  2. Write errors - version conflicts, closed periods
  3. Input errors - malformed amounts, misplaced components, bad config

NOT ERRORS:
  Missing data is resolved to zero, by design. An unknown establishment type
  or a component absent from a sum never produces an error.

USAGE:
  if errors.Is(err, payroll.ErrConflict) {
      // re-read the record and retry with its version
  }

  var notFound *payroll.ComponentNotFoundError
  if errors.As(err, &notFound) {
      fmt.Println(notFound.Code)
  }
*/
package payroll

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrComponentNotFound is returned when a code is not in the Component Registry.
	ErrComponentNotFound = errors.New("component not found")

	// ErrConflict is returned when a write's expected version does not match
	// the stored version. Callers re-read and retry; the engine never retries.
	ErrConflict = errors.New("version conflict")

	// ErrMalformedAmount is returned when a value cannot be read as a decimal.
	ErrMalformedAmount = errors.New("malformed amount")

	// ErrComponentMisplaced is returned when a component is written to a map
	// that does not match its category.
	ErrComponentMisplaced = errors.New("component in wrong map for its category")

	ErrRecordNotFound = errors.New("pay record not found")
	ErrRecordExists   = errors.New("pay record already exists")
	ErrPeriodNotFound = errors.New("pay period not found")

	// ErrPeriodClosed is returned for any write to a record of a closed or archived period.
	ErrPeriodClosed = errors.New("pay period is not open")

	// ErrCalculationFailed is returned when the calculation-input interpreter
	// cannot produce component values.
	ErrCalculationFailed = errors.New("component calculation failed")

	ErrDuplicateComponent = errors.New("duplicate component code")
	ErrInvalidConfig      = errors.New("invalid payroll configuration")
	ErrConfigNotFound     = errors.New("no payroll configuration saved")
	ErrInvalidInput       = errors.New("invalid input")

	// ErrNoConfigStore is returned by catalog changes on a Service built
	// without WithConfigStore. The cached snapshot is never edited in place.
	ErrNoConfigStore = errors.New("no config store configured")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ComponentNotFoundError names the unknown code.
type ComponentNotFoundError struct {
	Code ComponentCode
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("component not found: %s", e.Code)
}

func (e *ComponentNotFoundError) Unwrap() error { return ErrComponentNotFound }

// ConflictError reports the version the caller expected and the one stored.
// Actual is -1 when the store could not tell.
type ConflictError struct {
	Key      RecordKey
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// MalformedAmountError carries the raw text that failed to parse.
type MalformedAmountError struct {
	Code ComponentCode
	Raw  string
	Err  error
}

func (e *MalformedAmountError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("malformed amount %q: %v", e.Raw, e.Err)
	}
	return fmt.Sprintf("malformed amount %q for component %s: %v", e.Raw, e.Code, e.Err)
}

func (e *MalformedAmountError) Unwrap() error { return ErrMalformedAmount }

// ComponentMisplacedError reports a component found in the wrong map.
type ComponentMisplacedError struct {
	Code     ComponentCode
	Category Category
	Found    MapKind
}

func (e *ComponentMisplacedError) Error() string {
	return fmt.Sprintf("component %s (%s) belongs in %s, found in %s",
		e.Code, e.Category, e.Category.MapFor(), e.Found)
}

func (e *ComponentMisplacedError) Unwrap() error { return ErrComponentMisplaced }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation may succeed after re-reading.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedAmount) ||
		errors.Is(err, ErrComponentMisplaced) ||
		errors.Is(err, ErrComponentNotFound) ||
		errors.Is(err, ErrPeriodClosed) ||
		errors.Is(err, ErrRecordExists) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record, period or component.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrComponentNotFound)
}
