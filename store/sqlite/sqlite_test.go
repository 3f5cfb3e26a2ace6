package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/factory"
	"github.com/warp/affiliate-engine/store/sqlite"
)

var t0 = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "affiliate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createAccount(t *testing.T, s *sqlite.Store, id affiliate.AccountID, parent *affiliate.AccountID, code string) {
	t.Helper()
	err := s.CreateNode(context.Background(),
		affiliate.NewAccount(id, affiliate.ClassBasic, t0),
		affiliate.ReferralNode{AccountID: id, ParentID: parent, ReferralCode: code, CreatedAt: t0})
	require.NoError(t, err)
}

func ptr(id affiliate.AccountID) *affiliate.AccountID { return &id }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(id affiliate.AccountID, kind affiliate.Kind, field affiliate.Field, amount, key string, at time.Time) affiliate.LedgerEntry {
	return affiliate.LedgerEntry{
		AccountID:      id,
		Kind:           kind,
		Field:          field,
		Amount:         dec(amount),
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_AppendEntry_UpdatesAccrualAtomically(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")

	stored, acct, err := s.AppendEntry(ctx, entry(1, affiliate.KindSale, affiliate.FieldTotalSales, "100.50", "sale:1", t0))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)
	assert.True(t, dec("100.50").Equal(acct.TotalSales))

	_, acct, err = s.AppendEntry(ctx, entry(1, affiliate.KindSale, affiliate.FieldTotalSales, "-0.50", "", t0.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(acct.TotalSales))

	reloaded, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(reloaded.TotalSales))
	assert.Equal(t, t0, reloaded.CreatedAt)

	entries, err := s.ListEntries(ctx, affiliate.EntryQuery{AccountID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sale:1", entries[0].IdempotencyKey)
	assert.Equal(t, t0, entries[0].CreatedAt)
	assert.Empty(t, entries[1].IdempotencyKey)
}

func TestStore_AppendEntry_DuplicateKeyWritesNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")

	_, _, err := s.AppendEntry(ctx, entry(1, affiliate.KindBonus, affiliate.FieldBonus, "10", "k", t0))
	require.NoError(t, err)
	_, _, err = s.AppendEntry(ctx, entry(1, affiliate.KindBonus, affiliate.FieldBonus, "10", "k", t0))
	assert.ErrorIs(t, err, affiliate.ErrDuplicateIdempotencyKey)

	acct, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(acct.Bonus))

	_, _, err = s.AppendEntry(ctx, entry(1, affiliate.KindBonus, affiliate.FieldBonus, "5", "other", t0))
	require.NoError(t, err, "a different key still applies")
}

func TestStore_AppendEntry_UnknownAccount(t *testing.T) {
	s := newStore(t)
	_, _, err := s.AppendEntry(context.Background(), entry(9, affiliate.KindSale, affiliate.FieldTotalSales, "1", "", t0))
	assert.ErrorIs(t, err, affiliate.ErrAccountNotFound)
}

func TestStore_ListEntries_FiltersAndKeysetPaging(t *testing.T) {
	// GIVEN: Five entries, two sharing a timestamp
	// WHEN: Paging two at a time with the last (CreatedAt, ID) as cursor
	// THEN: Every entry comes back exactly once, in order

	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")

	times := []time.Time{t0, t0.Add(time.Minute), t0.Add(time.Minute), t0.Add(2 * time.Minute), t0.Add(3 * time.Minute)}
	for i, at := range times {
		kind, field := affiliate.KindSale, affiliate.FieldTotalSales
		if i%2 == 1 {
			kind, field = affiliate.KindCommission, affiliate.FieldCommission
		}
		_, _, err := s.AppendEntry(ctx, entry(1, kind, field, "1", "", at))
		require.NoError(t, err)
	}

	var (
		seen  []affiliate.EntryID
		after *affiliate.EntryCursor
	)
	for {
		page, err := s.ListEntries(ctx, affiliate.EntryQuery{AccountID: 1, After: after, Limit: 2})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		last := page[len(page)-1]
		after = &affiliate.EntryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	assert.Equal(t, []affiliate.EntryID{1, 2, 3, 4, 5}, seen)

	commissions, err := s.ListEntries(ctx, affiliate.EntryQuery{AccountID: 1, Kinds: []affiliate.Kind{affiliate.KindCommission}})
	require.NoError(t, err)
	assert.Len(t, commissions, 2)

	from, to := t0.Add(time.Minute), t0.Add(3*time.Minute)
	window, err := s.ListEntries(ctx, affiliate.EntryQuery{AccountID: 1, From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, window, 3, "from is inclusive, to is exclusive")
}

// =============================================================================
// REFERRAL NODES
// =============================================================================

func TestStore_CreateNode_Conflicts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")

	err := s.CreateNode(ctx, affiliate.NewAccount(1, affiliate.ClassBasic, t0),
		affiliate.ReferralNode{AccountID: 1, ReferralCode: "BBBB3333", CreatedAt: t0})
	assert.ErrorIs(t, err, affiliate.ErrAccountExists)

	err = s.CreateNode(ctx, affiliate.NewAccount(2, affiliate.ClassBasic, t0),
		affiliate.ReferralNode{AccountID: 2, ReferralCode: "AAAA2222", CreatedAt: t0})
	assert.ErrorIs(t, err, affiliate.ErrDuplicateReferralCode)

	_, err = s.GetAccount(ctx, 2)
	assert.ErrorIs(t, err, affiliate.ErrAccountNotFound, "the account insert is rolled back")
}

func TestStore_Nodes_ChildrenAndReparent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")
	createAccount(t, s, 2, ptr(1), "BBBB3333")
	createAccount(t, s, 3, ptr(1), "CCCC4444")
	createAccount(t, s, 4, nil, "DDDD5555")

	byCode, err := s.GetNodeByCode(ctx, "CCCC4444")
	require.NoError(t, err)
	assert.Equal(t, affiliate.AccountID(3), byCode.AccountID)

	_, err = s.GetNodeByCode(ctx, "ZZZZ9999")
	assert.ErrorIs(t, err, affiliate.ErrReferralCodeNotFound)

	children, err := s.ListChildren(ctx, 1)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, affiliate.AccountID(2), children[0].AccountID)

	acct, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, acct.DirectReferralsCount)

	require.NoError(t, s.UpdateParent(ctx, 3, ptr(4)))
	n, err := s.CountChildren(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acct, err = s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, acct.DirectReferralsCount)
	acct, err = s.GetAccount(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, acct.DirectReferralsCount)

	node, err := s.GetNode(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, node.ParentID)
	assert.Equal(t, affiliate.AccountID(4), *node.ParentID)

	require.NoError(t, s.UpdateParent(ctx, 3, nil))
	node, err = s.GetNode(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, node.ParentID)

	assert.ErrorIs(t, s.UpdateParent(ctx, 99, nil), affiliate.ErrNodeNotFound)
}

func TestStore_UpdateParent_RejectsCycleInsideTransaction(t *testing.T) {
	// GIVEN: 1 <- 2 <- 3
	// WHEN: Moving 1 under 3, or 2 under itself, straight at the store
	// THEN: ErrReferralCycle and no parent or count changes

	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")
	createAccount(t, s, 2, ptr(1), "BBBB3333")
	createAccount(t, s, 3, ptr(2), "CCCC4444")

	assert.ErrorIs(t, s.UpdateParent(ctx, 1, ptr(3)), affiliate.ErrReferralCycle)
	assert.ErrorIs(t, s.UpdateParent(ctx, 2, ptr(2)), affiliate.ErrReferralCycle)

	root, err := s.GetNode(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, root.ParentID)
	acct, err := s.GetAccount(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, acct.DirectReferralsCount)

	require.NoError(t, s.UpdateParent(ctx, 3, ptr(1)), "moving up the same chain is fine")
}

// =============================================================================
// SNAPSHOTS AND LEASES
// =============================================================================

func TestStore_Snapshots(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, 1, nil, "AAAA2222")

	snap := affiliate.RankSnapshot{
		AccountID:  1,
		Year:       2025,
		Month:      time.January,
		Rank:       affiliate.RankManager,
		Commission: dec("12.34"),
		Bonus:      dec("0"),
		TotalSales: dec("6000000"),
		CreatedAt:  t0,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	assert.ErrorIs(t, s.SaveSnapshot(ctx, snap), affiliate.ErrDuplicateSnapshot)

	got, err := s.GetSnapshot(ctx, 1, 2025, time.January)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, affiliate.RankManager, got.Rank)
	assert.True(t, dec("12.34").Equal(got.Commission))

	missing, err := s.GetSnapshot(ctx, 1, 2025, time.February)
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap.Month = time.February
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	all, err := s.ListSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, time.January, all[0].Month)
}

func TestStore_Leases(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ok, forced, err := s.AcquireLease(ctx, "reset", "a", t0, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, forced)

	ok, _, err = s.AcquireLease(ctx, "reset", "b", t0.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, forced, err = s.AcquireLease(ctx, "reset", "b", t0.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
	assert.True(t, forced)

	require.NoError(t, s.ReleaseLease(ctx, "reset", "a"), "releasing someone else's lease is a no-op")
	ok, _, err = s.AcquireLease(ctx, "reset", "c", t0.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "reset", "b"))
	ok, forced, err = s.AcquireLease(ctx, "reset", "c", t0.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, forced)
}

func TestStore_ClosedPeriods(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	last, err := s.LastClosedPeriod(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	dec2024 := affiliate.Period{Year: 2024, Month: time.December}
	jan2025 := affiliate.Period{Year: 2025, Month: time.January}
	require.NoError(t, s.MarkPeriodClosed(ctx, jan2025, t0))
	require.NoError(t, s.MarkPeriodClosed(ctx, dec2024, t0))
	require.NoError(t, s.MarkPeriodClosed(ctx, jan2025, t0.Add(time.Hour)), "marking twice is fine")

	last, err = s.LastClosedPeriod(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, jan2025, *last)
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestStore_EngineEndToEnd(t *testing.T) {
	// GIVEN: A BASIC referrer and a referred seller on SQLite
	// WHEN: The seller completes a 1,000,000 sale, twice (redelivery)
	// THEN: The referrer earns 200,000 once and both ledgers reconcile

	s := newStore(t)
	ctx := context.Background()
	now := func() time.Time { return t0 }

	ledger := affiliate.NewLedger(s, affiliate.WithClock(now))
	gen, err := affiliate.NewCodeGenerator()
	require.NoError(t, err)
	graph := affiliate.NewReferralGraph(s, gen, now, nil)

	tables := factory.DefaultTables()
	ranks, err := affiliate.NewRankEngine(tables.RankOrder, tables.RankThresholds)
	require.NoError(t, err)
	engine, err := affiliate.NewCommissionEngine(affiliate.EngineDeps{
		Ledger:   ledger,
		Graph:    graph,
		Ranks:    ranks,
		Accounts: s,
	}, tables)
	require.NoError(t, err)

	root, err := graph.Register(ctx, affiliate.RegisterInput{AccountID: 1, Class: affiliate.ClassBasic})
	require.NoError(t, err)
	_, err = graph.Register(ctx, affiliate.RegisterInput{AccountID: 2, Class: affiliate.ClassBasic, ReferrerCode: root.ReferralCode})
	require.NoError(t, err)

	ev := affiliate.SaleEvent{EventID: "order-1", AccountID: 2, Amount: "1000000"}
	_, err = engine.OnSaleCompleted(ctx, ev)
	require.NoError(t, err)
	_, err = engine.OnSaleCompleted(ctx, ev)
	require.NoError(t, err)

	referrer, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("200000").Equal(referrer.Commission), "got %s", referrer.Commission)
	assert.True(t, dec("1000000").Equal(referrer.DirectSales))

	for _, id := range []affiliate.AccountID{1, 2} {
		ok, err := ledger.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "account %d", id)
	}
}
