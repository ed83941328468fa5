package dues

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT FILTER - Read-only reporting over the ledger
// =============================================================================

type PaymentOrder int

const (
	// OrderHistory sorts by period desc, created_at desc, id desc.
	OrderHistory PaymentOrder = iota
	// OrderChronological sorts by collection date asc, id asc.
	OrderChronological
)

// PaymentFilter selects payment rows. Zero-valued fields do not filter.
//
// Year/Month apply to the collection date; Period applies to the billing
// month. AdvanceOnly keeps rows whose period is after CurrentPeriod.
type PaymentFilter struct {
	Year           int
	Month          int
	Period         *Period
	ResidentID     ResidentID
	ResidentName   string
	Street         string
	Category       Category
	CollectionDate *Date
	AdvanceOnly    bool
	CurrentPeriod  Period
	Order          PaymentOrder
	Limit          int
}

// PaymentView is a payment annotated with its resident for presentation.
type PaymentView struct {
	Payment
	ResidentName string
	Street       string
	HouseNumber  int
}

// Matches reports whether a row passes the filter. Used by stores that
// filter in memory.
func (f PaymentFilter) Matches(p Payment, r Resident) bool {
	if f.Year != 0 && p.CollectionDate.Year() != f.Year {
		return false
	}
	if f.Month != 0 && int(p.CollectionDate.Month()) != f.Month {
		return false
	}
	if f.Period != nil && p.Period != *f.Period {
		return false
	}
	if f.ResidentID != 0 && p.ResidentID != f.ResidentID {
		return false
	}
	if f.ResidentName != "" && r.Name != f.ResidentName {
		return false
	}
	if f.Street != "" && r.Street != f.Street {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.CollectionDate != nil && !p.CollectionDate.Equal(*f.CollectionDate) {
		return false
	}
	if f.AdvanceOnly && !p.Period.After(f.CurrentPeriod) {
		return false
	}
	return true
}

// =============================================================================
// QUERY SERVICE
// =============================================================================

// Query answers reporting questions without side effects.
type Query struct {
	store  Store
	policy Policy
	clock  Clock
}

func NewQuery(store Store, policy Policy, clock Clock) *Query {
	return &Query{store: store, policy: policy, clock: clock}
}

// Payments runs a filter. AdvanceOnly is resolved against the clock's month.
func (q *Query) Payments(ctx context.Context, filter PaymentFilter) ([]PaymentView, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, &ValidationError{Field: "category", Message: "must be ordinario or extraordinario"}
	}
	if filter.Month != 0 && (filter.Month < 1 || filter.Month > 12) {
		return nil, &ValidationError{Field: "month", Message: "must be between 1 and 12"}
	}
	if filter.AdvanceOnly && filter.CurrentPeriod.IsZero() {
		filter.CurrentPeriod = q.clock.CurrentPeriod()
	}
	return q.store.QueryPayments(ctx, filter)
}

// PeriodStatus summarizes one resident's month.
type PeriodStatus struct {
	Resident    Resident
	Period      Period
	TotalPaid   decimal.Decimal
	Remaining   decimal.Decimal
	FullyPaid   bool
	Payments    []Payment
	Credentials []Credential
}

func (q *Query) PeriodStatus(ctx context.Context, residentID ResidentID, period Period) (*PeriodStatus, error) {
	resident, err := q.store.GetResident(ctx, residentID)
	if err != nil {
		return nil, err
	}
	if resident == nil {
		return nil, &NotFoundError{Resource: "resident", ID: residentID}
	}
	if period.IsZero() {
		period = q.clock.CurrentPeriod()
	}

	payments, err := q.store.PaymentsForPeriod(ctx, residentID, period)
	if err != nil {
		return nil, err
	}
	creds, err := q.store.CredentialsForResident(ctx, residentID)
	if err != nil {
		return nil, err
	}

	total := SumAmounts(payments)
	return &PeriodStatus{
		Resident:    *resident,
		Period:      period,
		TotalPaid:   total,
		Remaining:   q.policy.Remaining(total),
		FullyPaid:   q.policy.Covers(total),
		Payments:    payments,
		Credentials: creds,
	}, nil
}

// ResidentPayments pairs a resident with their payment history.
type ResidentPayments struct {
	Resident Resident
	Payments []PaymentView
}

// SearchResidents finds residents whose name contains term (case-insensitive)
// and returns each with their payments, newest period first.
func (q *Query) SearchResidents(ctx context.Context, term string) ([]ResidentPayments, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []ResidentPayments{}, nil
	}
	residents, err := q.store.ListResidents(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(term)
	results := []ResidentPayments{}
	for _, r := range residents {
		if !strings.Contains(strings.ToLower(r.Name), needle) {
			continue
		}
		payments, err := q.store.QueryPayments(ctx, PaymentFilter{ResidentID: r.ID, Order: OrderHistory})
		if err != nil {
			return nil, err
		}
		results = append(results, ResidentPayments{Resident: r, Payments: payments})
	}
	return results, nil
}

// SumAmounts adds the Amount of every row.
func SumAmounts(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}
