/*
scheduler.go - Automated monthly reset trigger

PURPOSE:
  Periodically checks whether a calendar month has closed since the last
  successful reset and, if so, runs the monthly snapshot and reset.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start, so a restart after a missed month boundary
    catches up
  - The last closed month lives in the store, not in this process: a
    restart mid-month finds the previous month closed and does nothing
  - A run with failed accounts, or one skipped because another process
    held the lease, records nothing and is retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether the trigger is active (default: true)

USAGE:
  trigger := NewResetTrigger(resetScheduler, logger)
  trigger.Start()
  // ... later
  trigger.Stop()

SEE ALSO:
  - handlers.go: TriggerReset endpoint (manual reset)
  - affiliate/reset.go: ResetScheduler
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// ResetTrigger fires RunMonthlyReset once per new calendar month.
type ResetTrigger struct {
	Reset         *affiliate.ResetScheduler
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time
	Log           *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewResetTrigger creates a trigger with the default interval.
func NewResetTrigger(reset *affiliate.ResetScheduler, log *slog.Logger) *ResetTrigger {
	if log == nil {
		log = slog.Default()
	}
	return &ResetTrigger{
		Reset:         reset,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           func() time.Time { return time.Now().UTC() },
		Log:           log,
	}
}

// Start begins the trigger loop.
func (rt *ResetTrigger) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.Enabled {
		rt.Log.Info("reset trigger disabled, not starting")
		return
	}
	if rt.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.stop = make(chan struct{})
	rt.ticker = time.NewTicker(rt.CheckInterval)
	rt.wg.Add(1)

	go rt.run(ctx)

	rt.Log.Info("reset trigger started", "check_interval", rt.CheckInterval)
}

// Stop stops the loop and waits for an in-flight run to return.
func (rt *ResetTrigger) Stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.ticker != nil {
		rt.ticker.Stop()
		close(rt.stop)
		rt.cancel()
		rt.wg.Wait()
		rt.ticker = nil
		rt.Log.Info("reset trigger stopped")
	}
}

func (rt *ResetTrigger) run(ctx context.Context) {
	defer rt.wg.Done()

	// Run immediately on start
	rt.checkAndRun(ctx)

	for {
		select {
		case <-rt.ticker.C:
			rt.checkAndRun(ctx)
		case <-rt.stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (rt *ResetTrigger) RunNow(ctx context.Context) {
	rt.checkAndRun(ctx)
}

func (rt *ResetTrigger) checkAndRun(ctx context.Context) {
	now := rt.Now()
	period := affiliate.PeriodOf(now).Previous()

	last, err := rt.Reset.LastClosed(ctx)
	if err != nil {
		rt.Log.Error("reading last closed month failed", "error", err)
		return
	}
	if last != nil && !last.Before(period) {
		rt.Log.Debug("month already closed", "period", period.String())
		return
	}

	report, err := rt.Reset.RunMonthlyReset(ctx, now)
	switch {
	case err != nil:
		rt.Log.Error("scheduled monthly reset failed", "period", period.String(), "error", err)
	case report.Skipped:
		rt.Log.Info("scheduled monthly reset skipped", "period", period.String())
	case len(report.Failed) > 0:
		rt.Log.Warn("scheduled monthly reset incomplete, will retry",
			"period", period.String(), "failed", len(report.Failed), "reset", report.Reset)
	}
}
