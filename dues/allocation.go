package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATOR - Distributes a payment over consecutive months
// =============================================================================

// Allocator walks forward from the start month, topping up each month to the
// fee until the tendered amount is used up.
//
// Per month:
//
//	alreadyPaid = sum of every row for (resident, month), any category
//	needed      = max(0, fee - alreadyPaid)
//	needed == 0 → month already covered, move on
//	otherwise   → put min(remaining, needed) on the month: increment the
//	              row of the same category, or create a new row
//
// alreadyPaid is re-read from the store on every step. The walk is bounded
// by Policy.MaxMonths.
type Allocator struct {
	policy Policy
	clock  Clock
}

func NewAllocator(policy Policy, clock Clock) *Allocator {
	return &Allocator{policy: policy, clock: clock}
}

// Validate checks the request fields that need no store access.
func (req AllocationRequest) Validate() error {
	if req.ResidentID <= 0 {
		return &ValidationError{Field: "resident_id", Message: "is required"}
	}
	if !req.StartPeriod.Valid() {
		return &ValidationError{Field: "period", Message: "must be a valid month"}
	}
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !wholeCents(req.Amount) {
		return &ValidationError{Field: "amount", Message: "must have at most 2 decimal places"}
	}
	if !req.Category.Valid() {
		return &ValidationError{Field: "category", Message: "must be ordinario or extraordinario"}
	}
	if req.CollectionDate != nil && req.CollectionDate.IsZero() {
		return &ValidationError{Field: "collection_date", Message: "must be a valid date"}
	}
	return nil
}

// Allocate writes the allocation through store. Run it inside a transaction:
// on AllocationLimitError the rows already written must be rolled back.
func (a *Allocator) Allocate(ctx context.Context, store Store, req AllocationRequest) (AllocationResult, error) {
	result := AllocationResult{ResidentID: req.ResidentID}

	if err := req.Validate(); err != nil {
		return result, err
	}
	resident, err := store.GetResident(ctx, req.ResidentID)
	if err != nil {
		return result, fmt.Errorf("failed to load resident: %w", err)
	}
	if resident == nil {
		return result, &ValidationError{Field: "resident_id", Message: fmt.Sprintf("resident %d does not exist", req.ResidentID)}
	}

	collection := a.clock.Today()
	if req.CollectionDate != nil {
		collection = *req.CollectionDate
	}

	remaining := req.Amount
	period := req.StartPeriod

	for walked := 0; remaining.IsPositive(); walked++ {
		if walked >= a.policy.MaxMonths {
			return result, &AllocationLimitError{
				Start:       req.StartPeriod,
				Months:      a.policy.MaxMonths,
				Unallocated: remaining,
			}
		}
		if !period.Valid() {
			return result, &ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("%s left over after %s", remaining.StringFixed(2), period.AddMonths(-1)),
			}
		}

		rows, err := store.PaymentsForPeriod(ctx, req.ResidentID, period)
		if err != nil {
			return result, fmt.Errorf("failed to load payments for %s: %w", period, err)
		}
		alreadyPaid := SumAmounts(rows)
		needed := a.policy.Remaining(alreadyPaid)

		if needed.IsZero() {
			result.Skipped = append(result.Skipped, period)
			period = period.Next()
			continue
		}

		amount := decimal.Min(remaining, needed)
		alloc, err := a.applyToPeriod(ctx, store, req, rows, period, alreadyPaid, amount, collection)
		if err != nil {
			return result, err
		}
		result.Allocations = append(result.Allocations, alloc)

		remaining = remaining.Sub(amount)
		period = period.Next()
	}

	return result, nil
}

func (a *Allocator) applyToPeriod(
	ctx context.Context,
	store Store,
	req AllocationRequest,
	rows []Payment,
	period Period,
	alreadyPaid, amount decimal.Decimal,
	collection Date,
) (PeriodAllocation, error) {
	if existing := firstOfCategory(rows, req.Category); existing != nil {
		existing.Amount = existing.Amount.Add(amount)
		if err := store.UpdatePayment(ctx, *existing); err != nil {
			return PeriodAllocation{}, fmt.Errorf("failed to increment payment %d: %w", existing.ID, err)
		}
		return PeriodAllocation{Period: period, Amount: amount, PaymentID: existing.ID}, nil
	}

	p := Payment{
		ResidentID:       req.ResidentID,
		Period:           period,
		Amount:           amount,
		Category:         req.Category,
		RemainingBalance: a.policy.Remaining(alreadyPaid.Add(amount)),
		CollectionDate:   collection,
	}
	if err := store.CreatePayment(ctx, &p); err != nil {
		return PeriodAllocation{}, fmt.Errorf("failed to create payment for %s: %w", period, err)
	}
	return PeriodAllocation{Period: period, Amount: amount, PaymentID: p.ID, Created: true}, nil
}

// firstOfCategory returns the lowest-ID row with the category, or nil.
func firstOfCategory(rows []Payment, category Category) *Payment {
	var found *Payment
	for i := range rows {
		if rows[i].Category != category {
			continue
		}
		if found == nil || rows[i].ID < found.ID {
			found = &rows[i]
		}
	}
	return found
}

// wholeCents reports whether d has at most two decimal places.
func wholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
