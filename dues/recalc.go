package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECALCULATOR - Replays a month and rewrites RemainingBalance
// =============================================================================

// Recalculator recomputes the cached RemainingBalance of every row in one
// (resident, month) slice. Rows are replayed in store order (collection
// date, then ID) with a running total:
//
//	remaining(row_i) = max(0, fee - sum(amount_0..amount_i))
//
// Only rows whose value changed are written, so running it twice is a no-op
// the second time.
type Recalculator struct {
	policy Policy
}

func NewRecalculator(policy Policy) *Recalculator {
	return &Recalculator{policy: policy}
}

// Recalculate returns the rows with their recomputed balances.
func (r *Recalculator) Recalculate(ctx context.Context, store Store, residentID ResidentID, period Period) ([]Payment, error) {
	rows, err := store.PaymentsForPeriod(ctx, residentID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load payments for %s: %w", period, err)
	}

	cumulative := decimal.Zero
	for i := range rows {
		cumulative = cumulative.Add(rows[i].Amount)
		remaining := r.policy.Remaining(cumulative)
		if rows[i].RemainingBalance.Equal(remaining) {
			continue
		}
		rows[i].RemainingBalance = remaining
		if err := store.UpdatePayment(ctx, rows[i]); err != nil {
			return nil, fmt.Errorf("failed to update payment %d: %w", rows[i].ID, err)
		}
	}
	return rows, nil
}
