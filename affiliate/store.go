/*
store.go - Persistence interfaces for accounts, ledger, referrals and snapshots

PURPOSE:
  Defines the interface between the engine and the database. Stores hold
  state; all business rules live in the engine. Different implementations
  back the same contract: SQLite for production, memory for tests.

KEY INTERFACES:
  AccountStore:  Account rows and rank fields
  EntryStore:    Append-only ledger entries (+ the accrual update)
  ReferralStore: Referral nodes (arena keyed by account id)
  SnapshotStore: Monthly RankSnapshots
  LeaseStore:    Named run leases for single-flight jobs
  PeriodStore:   Months the reset has closed for every account

APPEND-ONLY CONTRACT:
  AppendEntry inserts the entry AND applies its amount to the matching
  accrual field in one storage transaction. Both writes happen or neither
  does. There is no Update or Delete for entries.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - affiliate/store/memory.go: In-memory for testing
*/
package affiliate

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountStore interface {
	// GetAccount returns ErrAccountNotFound when missing.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// ListAccountIDs returns every account id in ascending order.
	ListAccountIDs(ctx context.Context) ([]AccountID, error)

	// SaveRank writes the rank fields only.
	SaveRank(ctx context.Context, id AccountID, rank Rank, lastCheck time.Time, achievedAt *time.Time) error
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// EntryCursor is a keyset position in (CreatedAt, ID) order.
type EntryCursor struct {
	CreatedAt time.Time
	ID        EntryID
}

// EntryQuery selects entries for one account.
type EntryQuery struct {
	AccountID AccountID
	From      *time.Time // inclusive
	To        *time.Time // exclusive
	Kinds     []Kind
	After     *EntryCursor
	Limit     int
}

type EntryStore interface {
	// AppendEntry assigns the entry ID, inserts it and adds Amount to the
	// account's Field atomically. Returns the stored entry and the updated
	// account. ErrDuplicateIdempotencyKey if the key was used before.
	AppendEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, Account, error)

	// ListEntries returns entries ordered by (CreatedAt, ID) ascending.
	ListEntries(ctx context.Context, q EntryQuery) ([]LedgerEntry, error)
}

// =============================================================================
// REFERRAL NODES
// =============================================================================

type ReferralStore interface {
	// CreateNode inserts the account and its node together and increments
	// the parent's DirectReferralsCount. ErrAccountExists if either exists,
	// ErrDuplicateReferralCode on a code collision.
	CreateNode(ctx context.Context, acct Account, node ReferralNode) error

	GetNode(ctx context.Context, id AccountID) (ReferralNode, error)
	GetNodeByCode(ctx context.Context, code string) (ReferralNode, error)
	ListChildren(ctx context.Context, parent AccountID) ([]ReferralNode, error)
	CountChildren(ctx context.Context, parent AccountID) (int, error)

	// UpdateParent moves a node under a new parent and adjusts both
	// parents' DirectReferralsCount. The ancestry of the new parent is
	// checked in the same transaction as the write: ErrReferralCycle if id
	// is the new parent or one of its ancestors.
	UpdateParent(ctx context.Context, id AccountID, parent *AccountID) error
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type SnapshotStore interface {
	// SaveSnapshot returns ErrDuplicateSnapshot for an existing (account, year, month).
	SaveSnapshot(ctx context.Context, s RankSnapshot) error

	// GetSnapshot returns (nil, nil) when missing.
	GetSnapshot(ctx context.Context, id AccountID, year int, month time.Month) (*RankSnapshot, error)

	ListSnapshots(ctx context.Context, id AccountID) ([]RankSnapshot, error)
}

// =============================================================================
// LEASES
// =============================================================================

type LeaseStore interface {
	// AcquireLease takes the named lease for holder until now+ttl. It
	// succeeds when the lease is free or expired; forced reports that an
	// expired lease held by someone else was taken over.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (acquired, forced bool, err error)

	// ReleaseLease frees the lease if holder still owns it.
	ReleaseLease(ctx context.Context, name, holder string) error
}

// =============================================================================
// CLOSED PERIODS
// =============================================================================

type PeriodStore interface {
	// LastClosedPeriod returns the latest month recorded as closed, or
	// (nil, nil) when none was.
	LastClosedPeriod(ctx context.Context) (*Period, error)

	// MarkPeriodClosed records p. Recording a month twice is not an error.
	MarkPeriodClosed(ctx context.Context, p Period, closedAt time.Time) error
}

// Store is everything the engine needs.
type Store interface {
	AccountStore
	EntryStore
	ReferralStore
	SnapshotStore
	LeaseStore
	PeriodStore
}
