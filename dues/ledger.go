/*
ledger.go - Entry point for every write to the dues ledger

PURPOSE:
  The Ledger wires the allocation engine, the balance recalculation and the
  credential sync together. Every inbound write (allocate, edit, delete)
  goes through here so the derived state is always refreshed afterwards.

CONTROL FLOW:
  1. Validate input (no writes yet)
  2. Lock the resident(s) involved
  3. Primary write in one store transaction (allocation rows, edit, delete)
  4. Cascade in a second transaction, for every (resident, month) touched:
       recalculate balances → sync credentials → verify invariants

FAILURE POLICY:
  - Validation / not found / allocation limit: nothing is written.
  - Cascade failure: the primary write stays. The caller gets a
    CascadeError listing the keys; Resync retries them.
  - Invariant violation: logged at error level and the cascade transaction
    is rolled back so the bad derived state is never persisted.

CONCURRENCY:
  Reading "already paid this month" and writing the top-up is a
  read-modify-write. The Ledger serializes writers per resident with a
  keyed mutex; an edit that moves a payment to another resident locks
  both, lowest ID first.

MULTIPLE MONTHS:
  Keys are cascaded in ascending (resident, month) order. A resident's tags
  carry one flag, so after a multi-month allocation the flag reflects the
  latest month touched.

SEE ALSO:
  - allocation.go, recalc.go, credentials.go: The three services
  - store.go: TxStore
*/
package dues

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("dues/ledger")

// maxEditAttempts bounds EditPayment retries when the payment changes
// resident between the read and the lock.
const maxEditAttempts = 2

// =============================================================================
// RECORDER - Metrics hook
// =============================================================================

// Recorder receives ledger events for metrics. observability.Metrics
// implements it.
type Recorder interface {
	ObserveAllocation(category Category, amount decimal.Decimal, periods int)
	ObserveCredentialSync(active bool, credentials int)
	ObserveCascadeFailure()
	ObserveInvariantViolation()
}

type nopRecorder struct{}

func (nopRecorder) ObserveAllocation(Category, decimal.Decimal, int) {}
func (nopRecorder) ObserveCredentialSync(bool, int)                 {}
func (nopRecorder) ObserveCascadeFailure()                          {}
func (nopRecorder) ObserveInvariantViolation()                      {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    TxStore
	policy   Policy
	clock    Clock
	logger   *zap.Logger
	recorder Recorder

	allocator    *Allocator
	recalculator *Recalculator
	credentials  *CredentialSync

	locks residentLocks
}

type Option func(*Ledger)

func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

func NewLedger(store TxStore, policy Policy, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:    store,
		policy:   policy,
		clock:    SystemClock,
		logger:   logger,
		recorder: nopRecorder{},
		locks:    residentLocks{locks: make(map[ResidentID]*sync.Mutex)},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.allocator = NewAllocator(policy, l.clock)
	l.recalculator = NewRecalculator(policy)
	l.credentials = NewCredentialSync(policy)
	return l
}

func (l *Ledger) Policy() Policy { return l.policy }
func (l *Ledger) Clock() Clock   { return l.clock }

// Query returns a read-only query service over the same store and policy.
func (l *Ledger) Query() *Query { return NewQuery(l.store, l.policy, l.clock) }

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate distributes req.Amount from req.StartPeriod forward, then
// cascades every month that received money.
func (l *Ledger) Allocate(ctx context.Context, req AllocationRequest) (AllocationResult, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Allocate", trace.WithAttributes(
		attribute.Int64("resident_id", int64(req.ResidentID)),
		attribute.String("period", req.StartPeriod.String()),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return AllocationResult{ResidentID: req.ResidentID}, endSpan(span, err)
	}

	unlock := l.locks.lock(req.ResidentID)
	defer unlock()

	var result AllocationResult
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		result, err = l.allocator.Allocate(ctx, s, req)
		return err
	})
	if err != nil {
		return AllocationResult{ResidentID: req.ResidentID}, endSpan(span, err)
	}

	periods := result.AffectedPeriods()
	l.recorder.ObserveAllocation(req.Category, req.Amount, len(periods))
	l.logger.Info("payment allocated",
		zap.Int64("resident_id", int64(req.ResidentID)),
		zap.String("amount", req.Amount.String()),
		zap.String("category", string(req.Category)),
		zap.Stringers("periods", periods),
		zap.Int("skipped", len(result.Skipped)),
	)

	keys := make([]PeriodKey, len(periods))
	for i, p := range periods {
		keys[i] = PeriodKey{ResidentID: req.ResidentID, Period: p}
	}
	return result, endSpan(span, l.cascade(ctx, keys))
}

// =============================================================================
// EDIT / DELETE
// =============================================================================

// EditPayment applies edit to payment id and cascades the new (resident,
// month) and, when either changed, the old one too.
func (l *Ledger) EditPayment(ctx context.Context, id PaymentID, edit PaymentEdit) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "Ledger.EditPayment", trace.WithAttributes(
		attribute.Int64("payment_id", int64(id)),
	))
	defer span.End()

	if err := edit.validate(); err != nil {
		return nil, endSpan(span, err)
	}

	var (
		before, after Payment
		unlock        func()
	)
	for attempt := 1; ; attempt++ {
		current, err := l.store.GetPayment(ctx, id)
		if err != nil {
			return nil, endSpan(span, err)
		}
		if current == nil {
			return nil, endSpan(span, &NotFoundError{Resource: "payment", ID: id})
		}

		lockIDs := []ResidentID{current.ResidentID}
		if edit.ResidentID != nil {
			lockIDs = append(lockIDs, *edit.ResidentID)
		}
		release := l.locks.lock(lockIDs...)

		moved := false
		err = l.store.WithTx(ctx, func(s Store) error {
			p, err := s.GetPayment(ctx, id)
			if err != nil {
				return err
			}
			if p == nil {
				return &NotFoundError{Resource: "payment", ID: id}
			}
			if p.ResidentID != current.ResidentID {
				// Moved to another resident before we took the locks.
				moved = true
				return nil
			}
			before = *p
			after = *p

			if edit.ResidentID != nil && *edit.ResidentID != p.ResidentID {
				r, err := s.GetResident(ctx, *edit.ResidentID)
				if err != nil {
					return err
				}
				if r == nil {
					return &ValidationError{Field: "resident_id", Message: fmt.Sprintf("resident %d does not exist", *edit.ResidentID)}
				}
			}
			edit.apply(&after)
			return s.UpdatePayment(ctx, after)
		})
		if err != nil {
			release()
			return nil, endSpan(span, err)
		}
		if !moved {
			unlock = release
			break
		}
		release()
		if attempt >= maxEditAttempts {
			return nil, endSpan(span, fmt.Errorf("payment %d keeps changing resident: %w", id, ErrConflict))
		}
	}
	defer unlock()

	l.logger.Info("payment edited",
		zap.Int64("payment_id", int64(id)),
		zap.Int64("resident_id", int64(after.ResidentID)),
		zap.Stringer("period", after.Period),
		zap.String("amount", after.Amount.String()),
	)

	// Keys cascade in ascending (resident, month) order whatever the edit
	// did, so after a month move the tag follows the later of the two
	// months. Moving a full January payment to February leaves it active.
	keys := []PeriodKey{{ResidentID: after.ResidentID, Period: after.Period}}
	if before.ResidentID != after.ResidentID || before.Period != after.Period {
		keys = append(keys, PeriodKey{ResidentID: before.ResidentID, Period: before.Period})
	}
	if err := l.cascade(ctx, keys); err != nil {
		return &after, endSpan(span, err)
	}

	updated, err := l.store.GetPayment(ctx, id)
	if err != nil || updated == nil {
		return &after, endSpan(span, err)
	}
	return updated, nil
}

// DeletePayment removes payment id and cascades its month.
func (l *Ledger) DeletePayment(ctx context.Context, id PaymentID) error {
	ctx, span := tracer.Start(ctx, "Ledger.DeletePayment", trace.WithAttributes(
		attribute.Int64("payment_id", int64(id)),
	))
	defer span.End()

	current, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return endSpan(span, err)
	}
	if current == nil {
		return endSpan(span, &NotFoundError{Resource: "payment", ID: id})
	}

	unlock := l.locks.lock(current.ResidentID)
	defer unlock()

	var deleted Payment
	err = l.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return &NotFoundError{Resource: "payment", ID: id}
		}
		deleted = *p
		return s.DeletePayment(ctx, id)
	})
	if err != nil {
		return endSpan(span, err)
	}

	l.logger.Info("payment deleted",
		zap.Int64("payment_id", int64(id)),
		zap.Int64("resident_id", int64(deleted.ResidentID)),
		zap.Stringer("period", deleted.Period),
	)

	return endSpan(span, l.cascade(ctx, []PeriodKey{{ResidentID: deleted.ResidentID, Period: deleted.Period}}))
}

// =============================================================================
// RESYNC
// =============================================================================

// Resync re-runs the cascade for a resident's months. It is the retry path
// after a CascadeError and is safe to call at any time.
func (l *Ledger) Resync(ctx context.Context, residentID ResidentID, periods ...Period) error {
	ctx, span := tracer.Start(ctx, "Ledger.Resync", trace.WithAttributes(
		attribute.Int64("resident_id", int64(residentID)),
	))
	defer span.End()

	r, err := l.store.GetResident(ctx, residentID)
	if err != nil {
		return endSpan(span, err)
	}
	if r == nil {
		return endSpan(span, &NotFoundError{Resource: "resident", ID: residentID})
	}
	if len(periods) == 0 {
		periods = []Period{l.clock.CurrentPeriod()}
	}

	unlock := l.locks.lock(residentID)
	defer unlock()

	keys := make([]PeriodKey, len(periods))
	for i, p := range periods {
		keys[i] = PeriodKey{ResidentID: residentID, Period: p}
	}
	return endSpan(span, l.cascade(ctx, keys))
}

// SyncSummary totals a SyncAll run.
type SyncSummary struct {
	Period    Period
	Residents int
	Activated int
	Disabled  int
	Failed    int
}

// SyncAll syncs every resident's credentials against one month, at most
// limit residents at a time. Per-resident failures are logged and counted;
// the first one is returned after all residents were attempted.
func (l *Ledger) SyncAll(ctx context.Context, period Period, limit int) (SyncSummary, error) {
	ctx, span := tracer.Start(ctx, "Ledger.SyncAll", trace.WithAttributes(
		attribute.String("period", period.String()),
	))
	defer span.End()

	summary := SyncSummary{Period: period}
	residents, err := l.store.ListResidents(ctx)
	if err != nil {
		return summary, endSpan(span, err)
	}
	summary.Residents = len(residents)

	var activated, disabled, failed atomic.Int64
	var firstErr error
	var errOnce sync.Once

	g, gCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, r := range residents {
		r := r
		g.Go(func() error {
			res, err := l.syncResident(gCtx, r.ID, period)
			if err != nil {
				failed.Add(1)
				errOnce.Do(func() { firstErr = err })
				l.logger.Error("credential sync failed",
					zap.Int64("resident_id", int64(r.ID)),
					zap.Stringer("period", period),
					zap.Error(err),
				)
				return nil
			}
			if res.Credentials == 0 {
				return nil
			}
			if res.Active {
				activated.Add(1)
			} else {
				disabled.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Activated = int(activated.Load())
	summary.Disabled = int(disabled.Load())
	summary.Failed = int(failed.Load())

	l.logger.Info("credential sync completed",
		zap.Stringer("period", period),
		zap.Int("residents", summary.Residents),
		zap.Int("activated", summary.Activated),
		zap.Int("disabled", summary.Disabled),
		zap.Int("failed", summary.Failed),
	)
	return summary, endSpan(span, firstErr)
}

func (l *Ledger) syncResident(ctx context.Context, residentID ResidentID, period Period) (SyncResult, error) {
	unlock := l.locks.lock(residentID)
	defer unlock()

	var res SyncResult
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		res, err = l.credentials.Sync(ctx, s, residentID, period)
		return err
	})
	if err == nil && res.Credentials > 0 {
		l.recorder.ObserveCredentialSync(res.Active, res.Credentials)
	}
	return res, err
}

// =============================================================================
// CASCADE
// =============================================================================

// cascade recalculates, syncs and verifies every key in one transaction.
// Callers hold the resident locks.
func (l *Ledger) cascade(ctx context.Context, keys []PeriodKey) error {
	keys = sortedUniqueKeys(keys)
	if len(keys) == 0 {
		return nil
	}

	var results []SyncResult
	err := l.store.WithTx(ctx, func(s Store) error {
		results = results[:0]
		for _, k := range keys {
			if _, err := l.recalculator.Recalculate(ctx, s, k.ResidentID, k.Period); err != nil {
				return err
			}
			res, err := l.credentials.Sync(ctx, s, k.ResidentID, k.Period)
			if err != nil {
				return err
			}
			if err := l.verify(ctx, s, k, res); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		// The primary write is already committed, so even a client-class
		// error here is reported as a cascade failure with keys to retry.
		l.recorder.ObserveCascadeFailure()
		l.logger.Error("cascade failed",
			zap.Any("keys", keys),
			zap.Error(err),
		)
		return &CascadeError{Keys: keys, Err: err}
	}

	for _, res := range results {
		if res.Credentials == 0 {
			continue
		}
		l.recorder.ObserveCredentialSync(res.Active, res.Credentials)
		l.logger.Debug("credentials synced",
			zap.Int64("resident_id", int64(res.ResidentID)),
			zap.Stringer("period", res.Period),
			zap.String("total_paid", res.TotalPaid.String()),
			zap.Bool("active", res.Active),
			zap.Int("credentials", res.Credentials),
		)
	}
	return nil
}

// verify re-reads the slice after the cascade wrote it and checks:
//   - every RemainingBalance is non-negative
//   - the chronologically last row holds max(0, fee - total)
//   - every linked credential carries the synced flag
func (l *Ledger) verify(ctx context.Context, s Store, k PeriodKey, res SyncResult) error {
	rows, err := s.PaymentsForPeriod(ctx, k.ResidentID, k.Period)
	if err != nil {
		return err
	}
	total := SumAmounts(rows)

	violation := func(detail string) error {
		l.recorder.ObserveInvariantViolation()
		l.logger.Error("invariant violation",
			zap.Int64("resident_id", int64(k.ResidentID)),
			zap.Stringer("period", k.Period),
			zap.String("detail", detail),
		)
		return &InvariantViolation{ResidentID: k.ResidentID, Period: k.Period, Detail: detail}
	}

	for _, p := range rows {
		if p.RemainingBalance.IsNegative() {
			return violation(fmt.Sprintf("payment %d has negative balance %s", p.ID, p.RemainingBalance))
		}
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		if want := l.policy.Remaining(total); !last.RemainingBalance.Equal(want) {
			return violation(fmt.Sprintf("last payment %d balance %s, want %s", last.ID, last.RemainingBalance, want))
		}
	}

	if res.Credentials == 0 {
		return nil
	}
	creds, err := s.CredentialsForResident(ctx, k.ResidentID)
	if err != nil {
		return err
	}
	want := l.policy.Covers(total)
	for _, c := range creds {
		if c.Active != want {
			return violation(fmt.Sprintf("credential %s active=%t, want %t", c.Code, c.Active, want))
		}
	}
	return nil
}

func sortedUniqueKeys(keys []PeriodKey) []PeriodKey {
	out := make([]PeriodKey, 0, len(keys))
	seen := make(map[PeriodKey]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// =============================================================================
// EDIT HELPERS
// =============================================================================

func (e PaymentEdit) validate() error {
	if e.ResidentID != nil && *e.ResidentID <= 0 {
		return &ValidationError{Field: "resident_id", Message: "is required"}
	}
	if e.Period != nil && !e.Period.Valid() {
		return &ValidationError{Field: "period", Message: "must be a valid month"}
	}
	if e.Amount != nil && !e.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if e.Amount != nil && !wholeCents(*e.Amount) {
		return &ValidationError{Field: "amount", Message: "must have at most 2 decimal places"}
	}
	if e.Category != nil && !e.Category.Valid() {
		return &ValidationError{Field: "category", Message: "must be ordinario or extraordinario"}
	}
	if e.CollectionDate != nil && e.CollectionDate.IsZero() {
		return &ValidationError{Field: "collection_date", Message: "must be a valid date"}
	}
	return nil
}

func (e PaymentEdit) apply(p *Payment) {
	if e.ResidentID != nil {
		p.ResidentID = *e.ResidentID
	}
	if e.Period != nil {
		p.Period = *e.Period
	}
	if e.Amount != nil {
		p.Amount = *e.Amount
	}
	if e.Category != nil {
		p.Category = *e.Category
	}
	if e.CollectionDate != nil {
		p.CollectionDate = *e.CollectionDate
	}
}

// =============================================================================
// RESIDENT LOCKS
// =============================================================================

type residentLocks struct {
	mu    sync.Mutex
	locks map[ResidentID]*sync.Mutex
}

// lock acquires the mutex of every distinct id in ascending order and
// returns the matching unlock.
func (rl *residentLocks) lock(ids ...ResidentID) func() {
	uniq := make([]ResidentID, 0, len(ids))
	for _, id := range ids {
		dup := false
		for _, u := range uniq {
			if u == id {
				dup = true
				break
			}
		}
		if !dup {
			uniq = append(uniq, id)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	mus := make([]*sync.Mutex, len(uniq))
	rl.mu.Lock()
	for i, id := range uniq {
		m, ok := rl.locks[id]
		if !ok {
			m = &sync.Mutex{}
			rl.locks[id] = m
		}
		mus[i] = m
	}
	rl.mu.Unlock()

	for _, m := range mus {
		m.Lock()
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}
