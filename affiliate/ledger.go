/*
ledger.go - Append-only money ledger with reconciled accrual fields

PURPOSE:
  The Ledger is the single source of truth for money movement. Every
  commission, bonus, sale, purchase and reset is an entry here, and the
  account's accrual fields are only ever changed by appending one.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ATOMIC: the entry insert and the accrual update commit together.
  3. RECONCILABLE: for every field F, account.F equals the signed sum of
     entries moving F since the last RESET of F.
  4. SERIALIZED PER ACCOUNT: appends for one account never interleave;
     appends for different accounts never wait on each other.

CORRECTIONS:
  Mistakes are undone with new entries of opposite sign (see
  CommissionEngine.OnSaleReversed). Both remain in the history.

RETRIES:
  Transient storage failures are retried with exponential backoff. Each
  append is a discrete operation; with an idempotency key a retry after
  an ambiguous failure is rejected as a duplicate instead of applied twice.

SEE ALSO:
  - store.go: EntryStore.AppendEntry contract
  - reset.go: RESET entries driving fields back to zero
*/
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// LedgerStore is the part of Store the Ledger uses.
type LedgerStore interface {
	AccountStore
	EntryStore
}

// RetryConfig bounds transient-error retries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig is used when no RetryConfig is given.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

func (rc RetryConfig) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.MaxElapsedTime = 0
	attempts := rc.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store LedgerStore
	locks *accountLocks
	now   func() time.Time
	retry RetryConfig
	log   *slog.Logger
	inst  Instrumentation

	historyPageSize int
}

type LedgerOption func(*Ledger)

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func WithRetry(rc RetryConfig) LedgerOption {
	return func(l *Ledger) { l.retry = rc }
}

func WithLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

func WithInstrumentation(inst Instrumentation) LedgerOption {
	return func(l *Ledger) { l.inst = inst }
}

func WithHistoryPageSize(n int) LedgerOption {
	return func(l *Ledger) { l.historyPageSize = n }
}

func NewLedger(store LedgerStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:           store,
		locks:           newAccountLocks(),
		now:             func() time.Time { return time.Now().UTC() },
		retry:           DefaultRetryConfig,
		log:             slog.Default(),
		inst:            NopInstrumentation{},
		historyPageSize: 100,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// =============================================================================
// APPEND
// =============================================================================

// AppendRequest describes one ledger movement. Field is required for
// RESET and must match the kind's field otherwise (or be empty).
type AppendRequest struct {
	AccountID      AccountID
	Kind           Kind
	Field          Field
	Amount         string
	Description    string
	IdempotencyKey string
}

// Append validates the request and applies it under the account lock.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (LedgerEntry, Account, error) {
	entry, err := buildEntry(req)
	if err != nil {
		return LedgerEntry{}, Account{}, err
	}
	unlock, err := l.locks.lock(ctx, req.AccountID)
	if err != nil {
		return LedgerEntry{}, Account{}, err
	}
	defer unlock()
	return l.appendLocked(ctx, entry)
}

func buildEntry(req AppendRequest) (LedgerEntry, error) {
	if !req.Kind.Valid() {
		return LedgerEntry{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", req.Kind)}
	}
	field := req.Field
	if req.Kind == KindReset {
		if !field.Valid() {
			return LedgerEntry{}, &ValidationError{Field: "field", Reason: fmt.Sprintf("reset needs a target field, got %q", field)}
		}
	} else {
		kf, _ := FieldFor(req.Kind)
		if field != "" && field != kf {
			return LedgerEntry{}, &ValidationError{Field: "field", Reason: fmt.Sprintf("kind %s moves %s, not %s", req.Kind, kf, field)}
		}
		field = kf
	}
	amount, err := ParseAmount("amount", req.Amount)
	if err != nil {
		return LedgerEntry{}, err
	}
	return LedgerEntry{
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Field:          field,
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

// appendLocked must be called with the account lock held.
func (l *Ledger) appendLocked(ctx context.Context, e LedgerEntry) (LedgerEntry, Account, error) {
	type applied struct {
		entry LedgerEntry
		acct  Account
	}

	e.CreatedAt = l.now()
	attempts := 0
	res, err := backoff.RetryWithData(func() (applied, error) {
		attempts++
		stored, acct, err := l.store.AppendEntry(ctx, e)
		switch {
		case err == nil:
			return applied{stored, acct}, nil
		case IsRetryable(err):
			l.inst.AppendRetried(e.Kind)
			l.log.Warn("ledger append retry",
				"account_id", e.AccountID, "kind", e.Kind, "attempt", attempts, "error", err)
			return applied{}, err
		default:
			return applied{}, backoff.Permanent(err)
		}
	}, l.retry.backOff(ctx))
	if err != nil {
		if IsRetryable(err) {
			return LedgerEntry{}, Account{}, &TransientExhaustedError{Op: "ledger append", Attempts: attempts, Last: err}
		}
		return LedgerEntry{}, Account{}, err
	}

	l.inst.EntryAppended(e.Kind)
	l.log.Debug("ledger entry appended",
		"account_id", e.AccountID, "entry_id", res.entry.ID, "kind", e.Kind, "amount", e.Amount.String())
	return res.entry, res.acct, nil
}

// =============================================================================
// ACCOUNT TRANSACTION - several reads/appends under one lock
// =============================================================================

// AccountTx is valid only inside the WithAccount callback.
type AccountTx struct {
	l  *Ledger
	id AccountID
}

// WithAccount runs fn while holding the account's lock. Appends made
// through the AccountTx are each atomic; the lock keeps other writers of
// this account out for the whole callback.
func (l *Ledger) WithAccount(ctx context.Context, id AccountID, fn func(tx *AccountTx) error) error {
	unlock, err := l.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&AccountTx{l: l, id: id})
}

func (tx *AccountTx) AccountID() AccountID { return tx.id }

func (tx *AccountTx) Account(ctx context.Context) (Account, error) {
	return tx.l.store.GetAccount(ctx, tx.id)
}

func (tx *AccountTx) Append(ctx context.Context, req AppendRequest) (LedgerEntry, Account, error) {
	req.AccountID = tx.id
	entry, err := buildEntry(req)
	if err != nil {
		return LedgerEntry{}, Account{}, err
	}
	return tx.l.appendLocked(ctx, entry)
}

// =============================================================================
// HISTORY
// =============================================================================

type HistoryFilter struct {
	From     *time.Time // inclusive
	To       *time.Time // exclusive
	Kinds    []Kind
	PageSize int
}

// History lazily yields the account's entries by (CreatedAt, ID). Pages
// are fetched as the caller ranges; ranging again starts from the top.
func (l *Ledger) History(ctx context.Context, id AccountID, f HistoryFilter) iter.Seq2[LedgerEntry, error] {
	size := f.PageSize
	if size <= 0 {
		size = l.historyPageSize
	}
	return func(yield func(LedgerEntry, error) bool) {
		var cursor *EntryCursor
		for {
			page, err := l.store.ListEntries(ctx, EntryQuery{
				AccountID: id,
				From:      f.From,
				To:        f.To,
				Kinds:     f.Kinds,
				After:     cursor,
				Limit:     size,
			})
			if err != nil {
				yield(LedgerEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			last := page[len(page)-1]
			cursor = &EntryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile recomputes every accrual field from history and compares it
// with the stored account. A mismatch returns false and a
// *ConsistencyViolationError, which is also reported. Nothing is corrected.
func (l *Ledger) Reconcile(ctx context.Context, id AccountID) (bool, error) {
	var violation *ConsistencyViolationError
	err := l.WithAccount(ctx, id, func(tx *AccountTx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		violation, err = l.reconcileLocked(ctx, acct)
		return err
	})
	if err != nil {
		return false, err
	}
	if violation != nil {
		l.inst.ConsistencyViolation(violation)
		l.log.Error("ledger consistency violation",
			"account_id", id, "field", violation.Field, "error", violation)
		return false, violation
	}
	return true, nil
}

func (l *Ledger) reconcileLocked(ctx context.Context, acct Account) (*ConsistencyViolationError, error) {
	window := make(map[Field]decimal.Decimal, len(AllFields))
	for e, err := range l.History(ctx, acct.ID, HistoryFilter{}) {
		if err != nil {
			return nil, err
		}
		running := window[e.Field]
		if e.Kind == KindReset {
			if !e.Amount.Equal(running.Neg()) {
				return &ConsistencyViolationError{
					AccountID: acct.ID,
					Field:     e.Field,
					Stored:    e.Amount,
					Expected:  running.Neg(),
					Detail: fmt.Sprintf("reset entry %d moved %s by %s but running value was %s",
						e.ID, e.Field, e.Amount, running),
				}, nil
			}
			window[e.Field] = decimal.Zero
			continue
		}
		window[e.Field] = running.Add(e.Amount)
	}

	for _, f := range AllFields {
		expected := window[f]
		if !acct.Get(f).Equal(expected) {
			return &ConsistencyViolationError{
				AccountID: acct.ID,
				Field:     f,
				Stored:    acct.Get(f),
				Expected:  expected,
			}, nil
		}
	}
	return nil, nil
}

// IsDuplicate reports whether err means the idempotency key was already
// applied, which callers treat as success.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}
