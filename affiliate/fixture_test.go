package affiliate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jan10 = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recorder is an Instrumentation that counts what it sees.
type recorder struct {
	mu          sync.Mutex
	appended    map[affiliate.Kind]int
	retried     int
	violations  []*affiliate.ConsistencyViolationError
	rankChanges []affiliate.RankChanged
	outcomes    []string
	resets      []affiliate.ResetReport
	forced      int
}

func newRecorder() *recorder {
	return &recorder{appended: make(map[affiliate.Kind]int)}
}

func (r *recorder) EntryAppended(k affiliate.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended[k]++
}

func (r *recorder) AppendRetried(affiliate.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried++
}

func (r *recorder) ConsistencyViolation(err *affiliate.ConsistencyViolationError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, err)
}

func (r *recorder) RankChanged(ev affiliate.RankChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rankChanges = append(r.rankChanges, ev)
}

func (r *recorder) SaleProcessed(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) ResetRun(rep affiliate.ResetReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, rep)
}

func (r *recorder) ResetLeaseForced() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced++
}

func (r *recorder) EventSkipped(string) {}

type testEnv struct {
	ctx    context.Context
	store  *store.Memory
	clock  *testClock
	inst   *recorder
	bus    *affiliate.Bus
	ledger *affiliate.Ledger
	graph  *affiliate.ReferralGraph
	ranks  *affiliate.RankEngine
	engine *affiliate.CommissionEngine
	reset  *affiliate.ResetScheduler
}

var fastRetry = affiliate.RetryConfig{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func newTestEnv(t *testing.T, tables affiliate.Tables) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemory(), tables)
}

func newTestEnvWithStore(t *testing.T, mem *store.Memory, tables affiliate.Tables) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:   context.Background(),
		store: mem,
		clock: &testClock{now: jan10},
		inst:  newRecorder(),
		bus:   affiliate.NewBus(),
	}
	env.ledger = affiliate.NewLedger(mem,
		affiliate.WithClock(env.clock.Now),
		affiliate.WithRetry(fastRetry),
		affiliate.WithInstrumentation(env.inst),
	)

	gen, err := affiliate.NewCodeGenerator()
	require.NoError(t, err)
	env.graph = affiliate.NewReferralGraph(mem, gen, env.clock.Now, nil)

	env.ranks, err = affiliate.NewRankEngine(tables.RankOrder, tables.RankThresholds)
	require.NoError(t, err)

	env.engine, err = affiliate.NewCommissionEngine(affiliate.EngineDeps{
		Ledger:          env.ledger,
		Graph:           env.graph,
		Ranks:           env.ranks,
		Accounts:        mem,
		Publisher:       env.bus,
		Instrumentation: env.inst,
	}, tables)
	require.NoError(t, err)

	env.reset = affiliate.NewResetScheduler(env.ledger, mem, affiliate.ResetConfig{
		Concurrency: 4,
		Retry:       fastRetry,
	}, nil, env.inst)
	return env
}

// register creates an account under the owner of referrerCode ("" for a root)
// and returns its referral code.
func (env *testEnv) register(t *testing.T, id affiliate.AccountID, class affiliate.AccountClass, referrerCode string) string {
	t.Helper()
	node, err := env.graph.Register(env.ctx, affiliate.RegisterInput{
		AccountID:    id,
		Class:        class,
		ReferrerCode: referrerCode,
	})
	require.NoError(t, err)
	return node.ReferralCode
}

func (env *testEnv) account(t *testing.T, id affiliate.AccountID) affiliate.Account {
	t.Helper()
	a, err := env.store.GetAccount(env.ctx, id)
	require.NoError(t, err)
	return a
}

func (env *testEnv) entries(t *testing.T, id affiliate.AccountID, kinds ...affiliate.Kind) []affiliate.LedgerEntry {
	t.Helper()
	var out []affiliate.LedgerEntry
	for e, err := range env.ledger.History(env.ctx, id, affiliate.HistoryFilter{Kinds: kinds}) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func (env *testEnv) requireConsistent(t *testing.T, ids ...affiliate.AccountID) {
	t.Helper()
	for _, id := range ids {
		ok, err := env.ledger.Reconcile(env.ctx, id)
		require.NoError(t, err, "account %d", id)
		require.True(t, ok, "account %d", id)
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// requireAmount compares decimals by value, so "180000" equals "180000.00".
func requireAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

// testTables: one bonus milestone, depth-1 BASIC commission of 20%, and
// a three-step rank ladder for BASIC.
func testTables() affiliate.Tables {
	return affiliate.Tables{
		MaxDepth:      1,
		GroupDepth:    1,
		CurrencyScale: 2,
		Bonus: []affiliate.Milestone{
			{Threshold: dec("5000000"), Rate: dec("0.03")},
		},
		Commission: map[affiliate.AccountClass]map[int]decimal.Decimal{
			affiliate.ClassBasic: {1: dec("0.2")},
		},
		RankOrder: affiliate.DefaultRankOrder,
		RankThresholds: map[affiliate.AccountClass][]affiliate.RankThreshold{
			affiliate.ClassBasic: {
				{Rank: affiliate.RankStaff, MinPurchase: dec("300000"), MinSales: dec("0")},
				{Rank: affiliate.RankManager, MinPurchase: dec("1000000"), MinSales: dec("5000000")},
				{Rank: affiliate.RankDirector, MinPurchase: dec("3000000"), MinSales: dec("20000000")},
			},
		},
	}
}

// deepTables pays three levels of commission and four levels of group volume.
func deepTables() affiliate.Tables {
	t := testTables()
	t.MaxDepth = 3
	t.GroupDepth = 4
	t.Commission = map[affiliate.AccountClass]map[int]decimal.Decimal{
		affiliate.ClassBasic:   {1: dec("0.2"), 2: dec("0.1"), 3: dec("0.05")},
		affiliate.ClassPremium: {1: dec("0.25"), 2: dec("0.12"), 3: dec("0.06")},
	}
	return t
}
