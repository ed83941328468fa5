/*
scheduler.go - Monthly credential sync scheduler

PURPOSE:
  Periodically re-syncs every resident's access tags against the current
  month. Payments only cascade for the months they touch, so when the
  calendar rolls over a resident who paid last month but not this one
  would keep an active tag until the next payment. The scheduler closes
  that gap.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Syncs once on start, then again whenever the current month changes
  - Fans out over residents through Ledger.SyncAll (bounded concurrency)
  - Keeps the last run summary for the admin endpoint

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Concurrency: Residents synced at once (default: 4)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCredentialSyncScheduler(ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SyncCredentials endpoint (manual sync)
  - dues/ledger.go: SyncAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/dues-engine/dues"
	"go.uber.org/zap"
)

// RunObserver is notified after every scheduled run.
type RunObserver interface {
	ObserveSchedulerRun(err error)
}

// SchedulerRun describes the last completed sync.
type SchedulerRun struct {
	Period     dues.Period
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    dues.SyncSummary
	Err        error
}

// CredentialSyncScheduler re-syncs credentials when the month changes.
type CredentialSyncScheduler struct {
	Ledger        *dues.Ledger
	Logger        *zap.Logger
	Observer      RunObserver
	CheckInterval time.Duration
	Concurrency   int
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	stateMu sync.Mutex
	synced  dues.Period
	lastRun *SchedulerRun
}

// NewCredentialSyncScheduler creates a new scheduler.
func NewCredentialSyncScheduler(ledger *dues.Ledger, logger *zap.Logger) *CredentialSyncScheduler {
	return &CredentialSyncScheduler{
		Ledger:        ledger,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Concurrency:   4,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (cs *CredentialSyncScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("credential sync scheduler disabled")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run()

	cs.Logger.Info("credential sync scheduler started",
		zap.Duration("interval", cs.CheckInterval),
		zap.Int("concurrency", cs.Concurrency),
	)
}

// Stop stops the scheduler and waits for an in-flight run.
func (cs *CredentialSyncScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.Info("credential sync scheduler stopped")
	}
}

func (cs *CredentialSyncScheduler) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.CheckAndSync(context.Background())

	for {
		select {
		case <-cs.ticker.C:
			cs.CheckAndSync(context.Background())
		case <-cs.stop:
			return
		}
	}
}

// CheckAndSync syncs every resident if the current month has not been synced
// yet. Returns true when a sync ran.
func (cs *CredentialSyncScheduler) CheckAndSync(ctx context.Context) bool {
	current := cs.Ledger.Clock().CurrentPeriod()

	cs.stateMu.Lock()
	due := cs.synced != current
	cs.stateMu.Unlock()
	if !due {
		return false
	}

	run := cs.SyncNow(ctx, current)
	if run.Err == nil {
		cs.stateMu.Lock()
		cs.synced = current
		cs.stateMu.Unlock()
	}
	return true
}

// SyncNow syncs every resident against period regardless of what was synced
// before, and records the run.
func (cs *CredentialSyncScheduler) SyncNow(ctx context.Context, period dues.Period) SchedulerRun {
	run := SchedulerRun{Period: period, StartedAt: time.Now()}

	cs.Logger.Info("credential sync starting", zap.Stringer("period", period))
	run.Summary, run.Err = cs.Ledger.SyncAll(ctx, period, cs.Concurrency)
	run.FinishedAt = time.Now()

	if run.Err != nil {
		cs.Logger.Error("credential sync finished with failures",
			zap.Stringer("period", period),
			zap.Int("failed", run.Summary.Failed),
			zap.Error(run.Err),
		)
	}
	if cs.Observer != nil {
		cs.Observer.ObserveSchedulerRun(run.Err)
	}

	cs.stateMu.Lock()
	cs.lastRun = &run
	cs.stateMu.Unlock()
	return run
}

// LastRun returns the most recent run, or nil if none has completed.
func (cs *CredentialSyncScheduler) LastRun() *SchedulerRun {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	if cs.lastRun == nil {
		return nil
	}
	run := *cs.lastRun
	return &run
}
