/*
Package sqlite provides a SQLite-backed implementation of affiliate.Store.

PURPOSE:
  Persists accounts, the append-only ledger, the referral forest, monthly
  snapshots and run leases. In production the same patterns apply to
  PostgreSQL with minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections via reversal entries only
  AppendEntry inserts the entry and updates the accrual column in one
  database transaction.

KEY TABLES:
  accounts:        One row per affiliate, accrual fields as exact decimal text
  ledger_entries:  Immutable ledger of all accrual changes
  referral_nodes:  Parent ids and unique referral codes
  rank_snapshots:  Frozen month-end accruals, one per (account, year, month)
  leases:          Named single-flight leases (monthly reset)
  closed_periods:  Months the monthly reset completed for every account

INDEXES:
  - idx_ledger_account_created: history paging by (account, created_at, id)
  - idx_ledger_idempotency:     unique idempotency keys
  - idx_referral_parent:        children lookups

TIMESTAMPS:
  Stored as INTEGER unix nanoseconds so ordering and range filters are
  numeric comparisons.

ERRORS:
  SQLITE_BUSY / SQLITE_LOCKED are returned as affiliate.TransientError so
  the Ledger retries them. Unique violations map to the Conflict sentinels.

USAGE:
  store, err := sqlite.New("./data/affiliate.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := affiliate.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - affiliate/store.go: Interface definitions
  - affiliate/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-engine/affiliate"
)

// Store implements affiliate.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise open its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY,
		class TEXT NOT NULL,
		rank TEXT NOT NULL,
		total_purchase TEXT NOT NULL DEFAULT '0',
		total_sales TEXT NOT NULL DEFAULT '0',
		bonus TEXT NOT NULL DEFAULT '0',
		commission TEXT NOT NULL DEFAULT '0',
		direct_sales TEXT NOT NULL DEFAULT '0',
		group_sales TEXT NOT NULL DEFAULT '0',
		direct_referrals_count INTEGER NOT NULL DEFAULT 0,
		last_rank_check INTEGER,
		rank_achieved_at INTEGER,
		created_at INTEGER NOT NULL
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		field TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT,
		idempotency_key TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account_created
		ON ledger_entries(account_id, created_at, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS referral_nodes (
		account_id INTEGER PRIMARY KEY REFERENCES accounts(id),
		parent_id INTEGER REFERENCES accounts(id),
		referral_code TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referral_parent
		ON referral_nodes(parent_id) WHERE parent_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS rank_snapshots (
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		rank TEXT NOT NULL,
		commission TEXT NOT NULL,
		bonus TEXT NOT NULL,
		total_sales TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS closed_periods (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		closed_at INTEGER NOT NULL,
		PRIMARY KEY (year, month)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, class, rank, total_purchase, total_sales, bonus, commission,
	direct_sales, group_sales, direct_referrals_count, last_rank_check, rank_achieved_at, created_at`

func (s *Store) GetAccount(ctx context.Context, id affiliate.AccountID) (affiliate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, db execer, id affiliate.AccountID) (affiliate.Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return affiliate.Account{}, affiliate.ErrAccountNotFound
	}
	if err != nil {
		return affiliate.Account{}, classify("get account", err)
	}
	return a, nil
}

func scanAccount(row scanner) (affiliate.Account, error) {
	var (
		a                                  affiliate.Account
		purchase, sales, bonus, commission string
		direct, group                      string
		lastCheck, achievedAt              sql.NullInt64
		createdAt                          int64
	)
	err := row.Scan(&a.ID, &a.Class, &a.Rank, &purchase, &sales, &bonus, &commission,
		&direct, &group, &a.DirectReferralsCount, &lastCheck, &achievedAt, &createdAt)
	if err != nil {
		return a, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.TotalPurchase, purchase}, {&a.TotalSales, sales}, {&a.Bonus, bonus},
		{&a.Commission, commission}, {&a.DirectSales, direct}, {&a.GroupSales, group},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return a, fmt.Errorf("account %d: corrupt decimal %q: %w", a.ID, f.src, err)
		}
	}
	a.LastRankCheck = fromNullNanos(lastCheck)
	a.RankAchievedAt = fromNullNanos(achievedAt)
	a.CreatedAt = fromNanos(createdAt)
	return a, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]affiliate.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var ids []affiliate.AccountID
	for rows.Next() {
		var id affiliate.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SaveRank(ctx context.Context, id affiliate.AccountID, rank affiliate.Rank, lastCheck time.Time, achievedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET rank = ?, last_rank_check = ?, rank_achieved_at = ? WHERE id = ?`,
		rank, toNanos(lastCheck), toNullNanos(achievedAt), id)
	if err != nil {
		return classify("save rank", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return affiliate.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// AppendEntry inserts the entry and updates the account's accrual column
// in one transaction.
func (s *Store) AppendEntry(ctx context.Context, e affiliate.LedgerEntry) (affiliate.LedgerEntry, affiliate.Account, error) {
	if !e.Field.Valid() {
		return affiliate.LedgerEntry{}, affiliate.Account{}, fmt.Errorf("append entry: unknown field %q", e.Field)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return affiliate.LedgerEntry{}, affiliate.Account{}, classify("begin append", err)
	}
	defer sqlTx.Rollback()

	acct, err := getAccount(ctx, sqlTx, e.AccountID)
	if err != nil {
		return affiliate.LedgerEntry{}, affiliate.Account{}, err
	}

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, kind, field, amount, description, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Kind, e.Field, e.Amount.String(), e.Description,
		nullString(e.IdempotencyKey), toNanos(e.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return affiliate.LedgerEntry{}, affiliate.Account{}, affiliate.ErrDuplicateIdempotencyKey
		}
		return affiliate.LedgerEntry{}, affiliate.Account{}, classify("insert entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return affiliate.LedgerEntry{}, affiliate.Account{}, err
	}
	e.ID = affiliate.EntryID(id)

	acct = acct.Add(e.Field, e.Amount)
	// e.Field was validated above; it is one of the fixed column names.
	_, err = sqlTx.ExecContext(ctx,
		`UPDATE accounts SET `+string(e.Field)+` = ? WHERE id = ?`,
		acct.Get(e.Field).String(), e.AccountID)
	if err != nil {
		return affiliate.LedgerEntry{}, affiliate.Account{}, classify("update accrual", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return affiliate.LedgerEntry{}, affiliate.Account{}, classify("commit append", err)
	}
	return e, acct, nil
}

func (s *Store) ListEntries(ctx context.Context, q affiliate.EntryQuery) ([]affiliate.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where = []string{"account_id = ?"}
		args  = []any{q.AccountID}
	)
	if q.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(*q.From))
	}
	if q.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, toNanos(*q.To))
	}
	if len(q.Kinds) > 0 {
		where = append(where, "kind IN (?"+strings.Repeat(", ?", len(q.Kinds)-1)+")")
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	if q.After != nil {
		at := toNanos(q.After.CreatedAt)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, q.After.ID)
	}

	query := `
		SELECT id, account_id, kind, field, amount, description, idempotency_key, created_at
		FROM ledger_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list entries", err)
	}
	defer rows.Close()

	var entries []affiliate.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row scanner) (affiliate.LedgerEntry, error) {
	var (
		e           affiliate.LedgerEntry
		amount      string
		description sql.NullString
		key         sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Field, &amount, &description, &key, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("entry %d: corrupt decimal %q: %w", e.ID, amount, err)
	}
	e.Amount = d
	e.Description = description.String
	e.IdempotencyKey = key.String
	e.CreatedAt = fromNanos(createdAt)
	return e, nil
}

// =============================================================================
// REFERRAL NODES
// =============================================================================

func (s *Store) CreateNode(ctx context.Context, acct affiliate.Account, node affiliate.ReferralNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin create node", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO accounts (id, class, rank, total_purchase, total_sales, bonus, commission,
			direct_sales, group_sales, direct_referrals_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		acct.ID, acct.Class, acct.Rank,
		acct.TotalPurchase.String(), acct.TotalSales.String(), acct.Bonus.String(),
		acct.Commission.String(), acct.DirectSales.String(), acct.GroupSales.String(),
		toNanos(acct.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return affiliate.ErrAccountExists
		}
		return classify("insert account", err)
	}

	var parent sql.NullInt64
	if node.ParentID != nil {
		parent = sql.NullInt64{Int64: int64(*node.ParentID), Valid: true}
	}
	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO referral_nodes (account_id, parent_id, referral_code, created_at) VALUES (?, ?, ?, ?)`,
		node.AccountID, parent, node.ReferralCode, toNanos(node.CreatedAt))
	switch {
	case err == nil:
	case isUniqueConstraintError(err) && strings.Contains(err.Error(), "referral_code"):
		return affiliate.ErrDuplicateReferralCode
	case isUniqueConstraintError(err):
		return affiliate.ErrAccountExists
	case isForeignKeyError(err):
		return affiliate.ErrAccountNotFound
	default:
		return classify("insert node", err)
	}

	if node.ParentID != nil {
		if err := adjustReferralCount(ctx, sqlTx, *node.ParentID, 1); err != nil {
			return err
		}
	}
	return classify("commit create node", sqlTx.Commit())
}

func adjustReferralCount(ctx context.Context, db execer, id affiliate.AccountID, delta int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE accounts SET direct_referrals_count = direct_referrals_count + ? WHERE id = ?`, delta, id)
	return classify("adjust referral count", err)
}

const nodeColumns = `account_id, parent_id, referral_code, created_at`

func scanNode(row scanner) (affiliate.ReferralNode, error) {
	var (
		n         affiliate.ReferralNode
		parent    sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&n.AccountID, &parent, &n.ReferralCode, &createdAt); err != nil {
		return n, err
	}
	if parent.Valid {
		p := affiliate.AccountID(parent.Int64)
		n.ParentID = &p
	}
	n.CreatedAt = fromNanos(createdAt)
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id affiliate.AccountID) (affiliate.ReferralNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM referral_nodes WHERE account_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return n, affiliate.ErrNodeNotFound
	}
	return n, classify("get node", err)
}

func (s *Store) GetNodeByCode(ctx context.Context, code string) (affiliate.ReferralNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM referral_nodes WHERE referral_code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return n, affiliate.ErrReferralCodeNotFound
	}
	return n, classify("get node by code", err)
}

func (s *Store) ListChildren(ctx context.Context, parent affiliate.AccountID) ([]affiliate.ReferralNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM referral_nodes WHERE parent_id = ? ORDER BY account_id`, parent)
	if err != nil {
		return nil, classify("list children", err)
	}
	defer rows.Close()

	var nodes []affiliate.ReferralNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) CountChildren(ctx context.Context, parent affiliate.AccountID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referral_nodes WHERE parent_id = ?`, parent).Scan(&count)
	return count, classify("count children", err)
}

// maxAncestorWalk bounds the ancestry query should the stored forest
// already contain a loop.
const maxAncestorWalk = 100000

func (s *Store) UpdateParent(ctx context.Context, id affiliate.AccountID, parent *affiliate.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin update parent", err)
	}
	defer sqlTx.Rollback()

	var old sql.NullInt64
	err = sqlTx.QueryRowContext(ctx, `SELECT parent_id FROM referral_nodes WHERE account_id = ?`, id).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return affiliate.ErrNodeNotFound
	}
	if err != nil {
		return classify("read parent", err)
	}

	var next sql.NullInt64
	if parent != nil {
		next = sql.NullInt64{Int64: int64(*parent), Valid: true}

		var loops bool
		err := sqlTx.QueryRowContext(ctx, `
			WITH RECURSIVE up(id, depth) AS (
				SELECT ?, 0
				UNION ALL
				SELECT n.parent_id, up.depth + 1
				FROM referral_nodes n JOIN up ON n.account_id = up.id
				WHERE n.parent_id IS NOT NULL AND up.depth < ?
			)
			SELECT EXISTS (SELECT 1 FROM up WHERE id = ?)`,
			*parent, maxAncestorWalk, id).Scan(&loops)
		if err != nil {
			return classify("check ancestry", err)
		}
		if loops {
			return affiliate.ErrReferralCycle
		}
	}
	if _, err := sqlTx.ExecContext(ctx, `UPDATE referral_nodes SET parent_id = ? WHERE account_id = ?`, next, id); err != nil {
		if isForeignKeyError(err) {
			return affiliate.ErrAccountNotFound
		}
		return classify("update parent", err)
	}
	if old.Valid {
		if err := adjustReferralCount(ctx, sqlTx, affiliate.AccountID(old.Int64), -1); err != nil {
			return err
		}
	}
	if parent != nil {
		if err := adjustReferralCount(ctx, sqlTx, *parent, 1); err != nil {
			return err
		}
	}
	return classify("commit update parent", sqlTx.Commit())
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *Store) SaveSnapshot(ctx context.Context, snap affiliate.RankSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rank_snapshots (account_id, year, month, rank, commission, bonus, total_sales, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.AccountID, snap.Year, int(snap.Month), snap.Rank,
		snap.Commission.String(), snap.Bonus.String(), snap.TotalSales.String(),
		toNanos(snap.CreatedAt))
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateSnapshot
	}
	return classify("save snapshot", err)
}

const snapshotColumns = `account_id, year, month, rank, commission, bonus, total_sales, created_at`

func scanSnapshot(row scanner) (affiliate.RankSnapshot, error) {
	var (
		snap                          affiliate.RankSnapshot
		month                         int
		commission, bonus, totalSales string
		createdAt                     int64
	)
	if err := row.Scan(&snap.AccountID, &snap.Year, &month, &snap.Rank,
		&commission, &bonus, &totalSales, &createdAt); err != nil {
		return snap, err
	}
	snap.Month = time.Month(month)
	snap.Commission = decimal.RequireFromString(commission)
	snap.Bonus = decimal.RequireFromString(bonus)
	snap.TotalSales = decimal.RequireFromString(totalSales)
	snap.CreatedAt = fromNanos(createdAt)
	return snap, nil
}

func (s *Store) GetSnapshot(ctx context.Context, id affiliate.AccountID, year int, month time.Month) (*affiliate.RankSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM rank_snapshots WHERE account_id = ? AND year = ? AND month = ?`,
		id, year, int(month)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get snapshot", err)
	}
	return &snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, id affiliate.AccountID) ([]affiliate.RankSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM rank_snapshots WHERE account_id = ? ORDER BY year, month`, id)
	if err != nil {
		return nil, classify("list snapshots", err)
	}
	defer rows.Close()

	var snaps []affiliate.RankSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// =============================================================================
// LEASES
// =============================================================================

func (s *Store) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, classify("begin lease", err)
	}
	defer sqlTx.Rollback()

	var (
		cur     string
		expires int64
		forced  bool
	)
	err = sqlTx.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE name = ?`, name).Scan(&cur, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, false, classify("read lease", err)
	case cur != holder && toNanos(now) < expires:
		return false, false, nil
	default:
		forced = cur != holder
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
		name, holder, toNanos(now.Add(ttl)))
	if err != nil {
		return false, false, classify("write lease", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return false, false, classify("commit lease", err)
	}
	return true, forced, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return classify("release lease", err)
}

// =============================================================================
// CLOSED PERIODS
// =============================================================================

func (s *Store) LastClosedPeriod(ctx context.Context) (*affiliate.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var year, month int
	err := s.db.QueryRowContext(ctx,
		`SELECT year, month FROM closed_periods ORDER BY year DESC, month DESC LIMIT 1`).Scan(&year, &month)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("last closed period", err)
	}
	return &affiliate.Period{Year: year, Month: time.Month(month)}, nil
}

func (s *Store) MarkPeriodClosed(ctx context.Context, p affiliate.Period, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_periods (year, month, closed_at) VALUES (?, ?, ?) ON CONFLICT(year, month) DO NOTHING`,
		p.Year, int(p.Month), toNanos(closedAt))
	return classify("mark period closed", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// classify wraps busy/locked errors as transient so callers retry them.
// nil stays nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return &affiliate.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

var _ affiliate.Store = (*Store)(nil)
