/*
Package dues provides the monthly-dues engine for a residential community.

PURPOSE:
  Residents pay a fixed monthly fee. Payments are distributed over one or
  more calendar months, every payment row carries the balance still owed
  for its month, and the resident's access tags are switched on or off
  depending on whether the month is fully paid.

KEY CONCEPTS IN THIS FILE (types.go):
  - Policy: The single shared monthly fee and the allocation horizon
  - Payment: One ledger row of money applied to a resident's month
  - Resident / Credential: Who pays, and the tags that gate access
  - Category: ordinario vs extraordinario (tracked, not treated differently)

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Derived state: RemainingBalance and Credential.Active are computed,
     never trusted as a source of truth
  3. Plain records: Types carry data only; persistence goes through Store

USAGE:
  policy := dues.DefaultPolicy()
  ledger := dues.NewLedger(store, policy, logger)
  res, err := ledger.Allocate(ctx, dues.AllocationRequest{
      ResidentID:  12,
      StartPeriod: dues.MustParsePeriod("2025-01"),
      Amount:      decimal.NewFromInt(840),
      Category:    dues.CategoryOrdinary,
  })

SEE ALSO:
  - allocation.go: Month-walk allocation
  - recalc.go: Remaining balance replay
  - credentials.go: Tag active flag sync
  - ledger.go: Orchestration and cascades
*/
package dues

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POLICY - The fee every computation reads
// =============================================================================

const (
	// DefaultMonthlyFee is the community fee used when configuration omits one.
	DefaultMonthlyFee = 280

	// DefaultMaxMonths bounds how far an allocation may walk forward.
	DefaultMaxMonths = 360
)

// Policy holds the process-wide dues settings. Build it once from config and
// hand the same value to the Ledger; the allocation, recalculation and
// credential services all read the fee from here.
type Policy struct {
	MonthlyFee decimal.Decimal
	MaxMonths  int
}

func DefaultPolicy() Policy {
	return Policy{
		MonthlyFee: decimal.NewFromInt(DefaultMonthlyFee),
		MaxMonths:  DefaultMaxMonths,
	}
}

// Validate rejects policies the engine cannot run with.
func (p Policy) Validate() error {
	if !p.MonthlyFee.IsPositive() {
		return &ValidationError{Field: "monthly_fee", Message: "must be positive"}
	}
	if p.MaxMonths <= 0 {
		return &ValidationError{Field: "max_months", Message: "must be positive"}
	}
	return nil
}

// Remaining returns max(0, fee - paid).
func (p Policy) Remaining(paid decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, p.MonthlyFee.Sub(paid))
}

// Covers reports whether paid meets the monthly fee.
func (p Policy) Covers(paid decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(p.MonthlyFee)
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResidentID int64
type PaymentID int64
type CredentialID int64

// =============================================================================
// CATEGORY
// =============================================================================

type Category string

const (
	CategoryOrdinary      Category = "ordinario"
	CategoryExtraordinary Category = "extraordinario"
)

func (c Category) Valid() bool {
	return c == CategoryOrdinary || c == CategoryExtraordinary
}

// =============================================================================
// RECORDS
// =============================================================================

// Resident is a household paying community dues.
type Resident struct {
	ID          ResidentID
	Name        string
	Street      string
	HouseNumber int
	CreatedAt   time.Time
}

// Payment is one ledger row of money applied to a resident's month.
//
// RemainingBalance is a cached value: max(0, fee - cumulative amount up to and
// including this row), rows ordered by CollectionDate then ID.
type Payment struct {
	ID               PaymentID
	ResidentID       ResidentID
	Period           Period
	Amount           decimal.Decimal
	Category         Category
	RemainingBalance decimal.Decimal
	CollectionDate   Date
	CreatedAt        time.Time
}

// Credential is an access tag. Active is owned by the credential sync; the
// manual toggle is the only other writer.
type Credential struct {
	ID        CredentialID
	Code      string
	Active    bool
	CreatedAt time.Time
}

// TagSale records a credential sold to the community.
type TagSale struct {
	ID           int64
	CredentialID CredentialID
	Price        decimal.Decimal
	SoldAt       time.Time
}

// =============================================================================
// OPERATION INPUTS / OUTPUTS
// =============================================================================

// AllocationRequest is the input to Ledger.Allocate.
type AllocationRequest struct {
	ResidentID     ResidentID
	StartPeriod    Period
	Amount         decimal.Decimal
	Category       Category
	CollectionDate *Date // nil = today
}

// PeriodAllocation is the money one period received from an allocation.
type PeriodAllocation struct {
	Period    Period
	Amount    decimal.Decimal
	PaymentID PaymentID
	Created   bool // false when an existing row was incremented
}

// AllocationResult lists what an allocation touched, periods ascending.
type AllocationResult struct {
	ResidentID  ResidentID
	Allocations []PeriodAllocation
	Skipped     []Period // already fully paid when visited
}

// AffectedPeriods returns the distinct periods that received money.
func (r AllocationResult) AffectedPeriods() []Period {
	periods := make([]Period, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		if len(periods) > 0 && periods[len(periods)-1] == a.Period {
			continue
		}
		periods = append(periods, a.Period)
	}
	return periods
}

// PaymentEdit carries the fields an edit may change. Nil means unchanged.
// RemainingBalance is not editable; it is always recomputed.
type PaymentEdit struct {
	ResidentID     *ResidentID
	Period         *Period
	Amount         *decimal.Decimal
	Category       *Category
	CollectionDate *Date
}

// PeriodKey identifies the slice of the ledger a cascade works on.
type PeriodKey struct {
	ResidentID ResidentID
	Period     Period
}

func (k PeriodKey) Less(o PeriodKey) bool {
	if k.ResidentID != o.ResidentID {
		return k.ResidentID < o.ResidentID
	}
	return k.Period.Before(o.Period)
}
