/*
errors.go - Centralized error types for the dues engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match them with errors.Is (sentinels) or errors.As (structured).

ERROR CATEGORIES:
  1. Validation errors - Malformed input, rejected before any write
  2. Not found errors  - Referenced payment/resident/credential missing
  3. Invariant errors  - Derived state disagrees with the ledger (a bug)
  4. Cascade errors    - Primary write committed, recalculation/sync did not

USAGE:
  var vErr *dues.ValidationError
  if errors.As(err, &vErr) {
      // 400 with vErr.Field
  }

  var cErr *dues.CascadeError
  if errors.As(err, &cErr) {
      // payment rows are written; retry Ledger.Resync for cErr.Keys
  }

SEE ALSO:
  - ledger.go: Produces CascadeError and InvariantViolation
  - api/handlers.go: Maps errors to HTTP status codes
*/
package dues

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is wrapped by every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation means derived balances or tag state disagree with
	// the payment rows. Never expected in normal operation.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAllocationLimit is returned when an allocation would walk past the
	// configured number of months.
	ErrAllocationLimit = errors.New("allocation exceeds month limit")

	// ErrDuplicate is returned on unique constraint conflicts (tag code,
	// resident/tag link, tag sold twice).
	ErrDuplicate = errors.New("duplicate")

	// ErrConflict is returned when a record kept changing under a concurrent
	// writer and the operation gave up.
	ErrConflict = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports bad or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing referenced record.
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvariantViolation carries the slice of the ledger that failed verification.
type InvariantViolation struct {
	ResidentID ResidentID
	Period     Period
	Detail     string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for resident %d period %s: %s", e.ResidentID, e.Period, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

// AllocationLimitError reports an allocation that ran out of months.
type AllocationLimitError struct {
	Start       Period
	Months      int
	Unallocated decimal.Decimal
}

func (e *AllocationLimitError) Error() string {
	return fmt.Sprintf("allocation from %s exceeded %d months with %s unallocated",
		e.Start, e.Months, e.Unallocated.StringFixed(2))
}

func (e *AllocationLimitError) Unwrap() error { return ErrAllocationLimit }

// CascadeError means the primary write committed but recalculation or
// credential sync failed for Keys. The rows stay; run Ledger.Resync.
type CascadeError struct {
	Keys []PeriodKey
	Err  error
}

func (e *CascadeError) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = fmt.Sprintf("%d/%s", k.ResidentID, k.Period)
	}
	return fmt.Sprintf("cascade failed for [%s]: %v", strings.Join(keys, ", "), e.Err)
}

func (e *CascadeError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAllocationLimit) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
