/*
reset.go - Monthly snapshot and reset

PURPOSE:
  Closes a calendar month: for every account, freezes commission, bonus
  and total sales into a RankSnapshot, then drives each of those fields
  back to zero with a RESET entry of the negated current value. The reset
  goes through the Ledger, so reconciliation still holds afterwards.

STATES:
  Idle -> Running -> Idle. A trigger while Running is a no-op that
  returns a report with Skipped set.

SINGLE-FLIGHT:
  Two layers:
    1. In-process: an atomic state flag.
    2. Cross-process: a named lease in the store with a TTL. An expired
       lease is taken over (a stuck run) and reported as forced.
  Under both, each RESET carries the key "reset:<account>:<period>:<field>"
  and snapshots are unique per (account, year, month), so even a run that
  slips past the lease cannot reset an account twice for the same month.

CLOSED PERIODS:
  A run in which every account succeeded records the month in the store.
  Later runs for that month, or an earlier one, return AlreadyClosed
  without touching any account. A run with failures records nothing, so
  the next run retries the accounts still missing their RESET entries.
  Accounts registered after the month ended are left alone: they have no
  activity in it, and zeroing them would erase the current month.

FAILURE ISOLATION:
  Accounts are processed independently with bounded concurrency. Each is
  retried on transient errors; a failing account is recorded in the report
  and the batch continues.

WHAT IS NOT RESET:
  total_purchase, direct_sales and group_sales are lifetime totals and
  rank is never lowered by a reset.
*/
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type ResetState int32

const (
	ResetIdle ResetState = iota
	ResetRunning
)

func (s ResetState) String() string {
	if s == ResetRunning {
		return "running"
	}
	return "idle"
}

// ResetConfig tunes a ResetScheduler.
type ResetConfig struct {
	LeaseName   string
	LeaseTTL    time.Duration // after this a stuck run may be taken over
	Concurrency int           // accounts processed in parallel
	Retry       RetryConfig   // per account
}

var DefaultResetConfig = ResetConfig{
	LeaseName:   "reset:monthly",
	LeaseTTL:    30 * time.Minute,
	Concurrency: 8,
	Retry:       DefaultRetryConfig,
}

// ResetFailure is one account that could not be reset.
type ResetFailure struct {
	AccountID AccountID `json:"account_id"`
	Error     string    `json:"error"`
}

// ResetReport summarizes one RunMonthlyReset call.
type ResetReport struct {
	Period        Period         `json:"-"`
	Accounts      int            `json:"accounts"`
	Reset         int            `json:"reset"`
	NotYetOpen    int            `json:"not_yet_open"` // registered after the month ended
	Failed        []ResetFailure `json:"failed,omitempty"`
	Skipped       bool           `json:"skipped"`
	AlreadyClosed bool           `json:"already_closed"`
	Forced        bool           `json:"forced"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// ResetStore is the part of Store the scheduler uses.
type ResetStore interface {
	AccountStore
	SnapshotStore
	LeaseStore
	PeriodStore
}

type ResetScheduler struct {
	ledger *Ledger
	store  ResetStore
	cfg    ResetConfig
	log    *slog.Logger
	inst   Instrumentation

	state atomic.Int32
}

func NewResetScheduler(ledger *Ledger, store ResetStore, cfg ResetConfig, log *slog.Logger, inst Instrumentation) *ResetScheduler {
	if cfg.LeaseName == "" {
		cfg.LeaseName = DefaultResetConfig.LeaseName
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultResetConfig.LeaseTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultResetConfig.Concurrency
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultResetConfig.Retry
	}
	if log == nil {
		log = slog.Default()
	}
	if inst == nil {
		inst = NopInstrumentation{}
	}
	return &ResetScheduler{ledger: ledger, store: store, cfg: cfg, log: log, inst: inst}
}

func (s *ResetScheduler) State() ResetState { return ResetState(s.state.Load()) }

// LastClosed returns the latest month closed for every account, or nil.
func (s *ResetScheduler) LastClosed(ctx context.Context) (*Period, error) {
	return s.store.LastClosedPeriod(ctx)
}

// RunMonthlyReset closes the month before now. Only an error that stops
// the whole run (listing accounts, taking the lease) is returned;
// per-account failures are in the report.
func (s *ResetScheduler) RunMonthlyReset(ctx context.Context, now time.Time) (ResetReport, error) {
	period := PeriodOf(now).Previous()
	report := ResetReport{Period: period, StartedAt: s.ledger.Now()}

	if !s.state.CompareAndSwap(int32(ResetIdle), int32(ResetRunning)) {
		s.log.Info("monthly reset already running, skipping", "period", period.String())
		report.Skipped = true
		report.FinishedAt = s.ledger.Now()
		return report, nil
	}
	defer s.state.Store(int32(ResetIdle))

	holder := uuid.NewString()
	acquired, forced, err := s.store.AcquireLease(ctx, s.cfg.LeaseName, holder, s.ledger.Now(), s.cfg.LeaseTTL)
	if err != nil {
		return report, fmt.Errorf("acquire reset lease: %w", err)
	}
	if !acquired {
		s.log.Info("monthly reset lease held elsewhere, skipping", "period", period.String())
		report.Skipped = true
		report.FinishedAt = s.ledger.Now()
		return report, nil
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), s.cfg.LeaseName, holder); err != nil {
			s.log.Warn("release reset lease failed", "holder", holder, "error", err)
		}
	}()
	if forced {
		report.Forced = true
		s.inst.ResetLeaseForced()
		s.log.Warn("took over expired reset lease; a previous run may have stalled",
			"lease", s.cfg.LeaseName, "ttl", s.cfg.LeaseTTL)
	}

	last, err := s.store.LastClosedPeriod(ctx)
	if err != nil {
		return report, fmt.Errorf("read last closed period: %w", err)
	}
	if last != nil && !last.Before(period) {
		s.log.Info("month already closed, skipping", "period", period.String(), "last_closed", last.String())
		report.AlreadyClosed = true
		report.FinishedAt = s.ledger.Now()
		return report, nil
	}

	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(ids)
	s.log.Info("monthly reset started", "period", period.String(), "accounts", len(ids), "holder", holder)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			done, err := s.resetWithRetry(ctx, id, period)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, ResetFailure{AccountID: id, Error: err.Error()})
				s.log.Error("account reset failed", "account_id", id, "period", period.String(), "error", err)
			case done:
				report.Reset++
			default:
				report.NotYetOpen++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Failed) == 0 {
		if err := s.store.MarkPeriodClosed(ctx, period, s.ledger.Now()); err != nil {
			return report, fmt.Errorf("record closed period %s: %w", period, err)
		}
	}

	report.FinishedAt = s.ledger.Now()
	s.inst.ResetRun(report)
	s.log.Info("monthly reset finished",
		"period", period.String(), "reset", report.Reset, "not_yet_open", report.NotYetOpen, "failed", len(report.Failed),
		"elapsed", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (s *ResetScheduler) resetWithRetry(ctx context.Context, id AccountID, period Period) (bool, error) {
	attempt := 0
	return backoff.RetryWithData(func() (bool, error) {
		attempt++
		done, err := s.resetAccount(ctx, id, period)
		if err == nil {
			return done, nil
		}
		if errors.Is(err, ErrTransient) {
			s.log.Warn("account reset retry", "account_id", id, "attempt", attempt, "error", err)
			return false, err
		}
		return false, backoff.Permanent(err)
	}, s.cfg.Retry.backOff(ctx))
}

// resetAccount snapshots then resets one account under its lock. Safe to
// repeat: the snapshot and every RESET are written at most once per period.
// It returns false, writing nothing, for an account registered after the
// period ended.
func (s *ResetScheduler) resetAccount(ctx context.Context, id AccountID, period Period) (bool, error) {
	var done bool
	err := s.ledger.WithAccount(ctx, id, func(tx *AccountTx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if !acct.CreatedAt.Before(period.End()) {
			return nil
		}

		existing, err := s.store.GetSnapshot(ctx, id, period.Year, period.Month)
		if err != nil {
			return err
		}
		if existing == nil {
			snap := RankSnapshot{
				AccountID:  id,
				Year:       period.Year,
				Month:      period.Month,
				Rank:       acct.Rank,
				Commission: acct.Commission,
				Bonus:      acct.Bonus,
				TotalSales: acct.TotalSales,
				CreatedAt:  s.ledger.Now(),
			}
			if err := s.store.SaveSnapshot(ctx, snap); err != nil && !errors.Is(err, ErrDuplicateSnapshot) {
				return fmt.Errorf("save snapshot: %w", err)
			}
		}

		for _, f := range ResetFields {
			_, _, err := tx.Append(ctx, AppendRequest{
				Kind:           KindReset,
				Field:          f,
				Amount:         acct.Get(f).Neg().String(),
				Description:    fmt.Sprintf("monthly reset %s: %s", period, f),
				IdempotencyKey: ResetKey(id, period, f),
			})
			if err != nil && !IsDuplicate(err) {
				return fmt.Errorf("reset %s: %w", f, err)
			}
		}
		done = true
		return nil
	})
	return done, err
}

// ResetKey is the idempotency key of an account's RESET of f for period.
func ResetKey(id AccountID, period Period, f Field) string {
	return "reset:" + strconv.FormatInt(int64(id), 10) + ":" + period.String() + ":" + string(f)
}
