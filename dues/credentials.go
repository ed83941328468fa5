package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CREDENTIAL SYNC - Tag active flag follows month completeness
// =============================================================================

// CredentialSync sets every tag linked to a resident to active when the
// resident's total for the month meets the fee, inactive otherwise. All tags
// get the same value in one bulk update.
type CredentialSync struct {
	policy Policy
}

func NewCredentialSync(policy Policy) *CredentialSync {
	return &CredentialSync{policy: policy}
}

// SyncResult describes what a sync decided.
type SyncResult struct {
	ResidentID  ResidentID
	Period      Period
	TotalPaid   decimal.Decimal
	Active      bool
	Credentials int // 0 means the sync was a no-op
}

func (s *CredentialSync) Sync(ctx context.Context, store Store, residentID ResidentID, period Period) (SyncResult, error) {
	result := SyncResult{ResidentID: residentID, Period: period}

	creds, err := store.CredentialsForResident(ctx, residentID)
	if err != nil {
		return result, fmt.Errorf("failed to load credentials: %w", err)
	}
	if len(creds) == 0 {
		return result, nil
	}

	rows, err := store.PaymentsForPeriod(ctx, residentID, period)
	if err != nil {
		return result, fmt.Errorf("failed to load payments for %s: %w", period, err)
	}
	result.TotalPaid = SumAmounts(rows)
	result.Active = s.policy.Covers(result.TotalPaid)

	n, err := store.SetResidentCredentialsActive(ctx, residentID, result.Active)
	if err != nil {
		return result, fmt.Errorf("failed to update credentials: %w", err)
	}
	result.Credentials = n
	return result, nil
}
