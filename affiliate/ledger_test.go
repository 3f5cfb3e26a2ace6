package affiliate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
)

// =============================================================================
// APPEND
// =============================================================================

func TestLedger_Append_MovesField(t *testing.T) {
	// GIVEN: A fresh account
	// WHEN: Appending a COMMISSION and a PURCHASE
	// THEN: Each moves only its own field and gets an id and timestamp

	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	e1, acct, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{
		AccountID: 1, Kind: affiliate.KindCommission, Amount: "12.50",
	})
	require.NoError(t, err)
	assert.NotZero(t, e1.ID)
	assert.Equal(t, affiliate.FieldCommission, e1.Field)
	assert.Equal(t, jan10, e1.CreatedAt)
	requireAmount(t, "12.50", acct.Commission)

	_, acct, err = env.ledger.Append(env.ctx, affiliate.AppendRequest{
		AccountID: 1, Kind: affiliate.KindPurchase, Amount: "300",
	})
	require.NoError(t, err)
	requireAmount(t, "12.50", acct.Commission)
	requireAmount(t, "300", acct.TotalPurchase)
	requireAmount(t, "0", acct.TotalSales)

	env.requireConsistent(t, 1)
	assert.Equal(t, 1, env.inst.appended[affiliate.KindCommission])
}

func TestLedger_Append_RejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	cases := []struct {
		name string
		req  affiliate.AppendRequest
	}{
		{"unknown kind", affiliate.AppendRequest{AccountID: 1, Kind: "REFUND", Amount: "1"}},
		{"empty amount", affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: ""}},
		{"non-numeric amount", affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "12,5"}},
		{"reset without field", affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindReset, Amount: "0"}},
		{"field not moved by kind", affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Field: affiliate.FieldBonus, Amount: "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.ledger.Append(env.ctx, tc.req)
			require.Error(t, err)
			assert.True(t, affiliate.IsClientError(err))
			var vErr *affiliate.ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}

	assert.Empty(t, env.entries(t, 1), "nothing is written for rejected requests")
}

func TestLedger_Append_UnknownAccount(t *testing.T) {
	env := newTestEnv(t, testTables())

	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{
		AccountID: 42, Kind: affiliate.KindSale, Amount: "1",
	})
	assert.ErrorIs(t, err, affiliate.ErrAccountNotFound)
	assert.True(t, affiliate.IsNotFound(err))
}

func TestLedger_Append_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: An entry appended with key "k-1"
	// WHEN: The same key is appended again
	// THEN: The second append is rejected as a duplicate and nothing moves

	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	req := affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "100", IdempotencyKey: "k-1"}
	_, _, err := env.ledger.Append(env.ctx, req)
	require.NoError(t, err)

	_, _, err = env.ledger.Append(env.ctx, req)
	assert.True(t, affiliate.IsDuplicate(err))
	assert.True(t, affiliate.IsConflict(err))

	requireAmount(t, "100", env.account(t, 1).TotalSales)
	assert.Len(t, env.entries(t, 1), 1)
}

func TestLedger_Append_NegativeAmountsAllowed(t *testing.T) {
	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "100"})
	require.NoError(t, err)
	_, acct, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "-30"})
	require.NoError(t, err)

	requireAmount(t, "70", acct.TotalSales)
	env.requireConsistent(t, 1)
}

// =============================================================================
// TRANSIENT RETRY
// =============================================================================

func TestLedger_Append_RetriesTransientFailures(t *testing.T) {
	// GIVEN: The store reports "database is locked" twice
	// WHEN: Appending
	// THEN: The append succeeds on the third attempt, exactly once

	mem := store.NewMemory()
	env := newTestEnvWithStore(t, mem, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	locked := &affiliate.TransientError{Op: "append entry", Err: errors.New("database is locked")}
	mem.FailAppends(locked, locked)

	_, acct, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "10"})
	require.NoError(t, err)

	requireAmount(t, "10", acct.TotalSales)
	assert.Len(t, env.entries(t, 1), 1)
	assert.Equal(t, 2, env.inst.retried)
}

func TestLedger_Append_TransientExhausted(t *testing.T) {
	// GIVEN: The store stays locked for longer than the retry budget (3 attempts)
	// WHEN: Appending
	// THEN: TransientExhaustedError, and the account is unchanged

	mem := store.NewMemory()
	env := newTestEnvWithStore(t, mem, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	locked := &affiliate.TransientError{Op: "append entry", Err: errors.New("database is locked")}
	mem.FailAppends(locked, locked, locked)

	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "10"})
	require.Error(t, err)
	assert.ErrorIs(t, err, affiliate.ErrTransientExhausted)
	assert.False(t, affiliate.IsRetryable(err))

	var exhausted *affiliate.TransientExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	requireAmount(t, "0", env.account(t, 1).TotalSales)
	assert.Empty(t, env.entries(t, 1))
}

func TestLedger_Append_PermanentErrorNotRetried(t *testing.T) {
	mem := store.NewMemory()
	env := newTestEnvWithStore(t, mem, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	mem.FailAppends(errors.New("disk full"))

	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "10"})
	require.EqualError(t, err, "disk full")
	assert.Zero(t, env.inst.retried)
}

func TestLedger_Append_CanceledContext(t *testing.T) {
	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	// Hold the account lock so the append has to wait for it.
	release := make(chan struct{})
	locked := make(chan struct{})
	go func() {
		_ = env.ledger.WithAccount(env.ctx, 1, func(*affiliate.AccountTx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer close(release)

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()
	_, _, err := env.ledger.Append(ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindSale, Amount: "10"})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestLedger_History_PagesInOrder(t *testing.T) {
	// GIVEN: Seven entries and a page size of 3
	// WHEN: Ranging over History
	// THEN: All seven come back in append order across three pages

	mem := store.NewMemory()
	clock := &testClock{now: jan10}
	ledger := affiliate.NewLedger(mem, affiliate.WithClock(clock.Now), affiliate.WithHistoryPageSize(3))
	gen, err := affiliate.NewCodeGenerator()
	require.NoError(t, err)
	graph := affiliate.NewReferralGraph(mem, gen, clock.Now, nil)
	_, err = graph.Register(context.Background(), affiliate.RegisterInput{AccountID: 1})
	require.NoError(t, err)

	var ids []affiliate.EntryID
	for i := 0; i < 7; i++ {
		e, _, err := ledger.Append(context.Background(), affiliate.AppendRequest{
			AccountID: 1, Kind: affiliate.KindSale, Amount: "1",
		})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	var got []affiliate.EntryID
	for e, err := range ledger.History(context.Background(), 1, affiliate.HistoryFilter{}) {
		require.NoError(t, err)
		got = append(got, e.ID)
	}
	assert.Equal(t, ids, got)
}

func TestLedger_History_FiltersAndStopsEarly(t *testing.T) {
	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	for _, k := range []affiliate.Kind{affiliate.KindSale, affiliate.KindPurchase, affiliate.KindSale, affiliate.KindCommission} {
		_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: k, Amount: "5"})
		require.NoError(t, err)
	}

	sales := env.entries(t, 1, affiliate.KindSale)
	require.Len(t, sales, 2)
	for _, e := range sales {
		assert.Equal(t, affiliate.KindSale, e.Kind)
	}

	seen := 0
	for _, err := range env.ledger.History(env.ctx, 1, affiliate.HistoryFilter{PageSize: 1}) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// skewedStore reports a commission that differs from what the ledger wrote.
type skewedStore struct {
	*store.Memory
	skew string
}

func (s skewedStore) GetAccount(ctx context.Context, id affiliate.AccountID) (affiliate.Account, error) {
	a, err := s.Memory.GetAccount(ctx, id)
	if err != nil {
		return a, err
	}
	a.Commission = a.Commission.Add(dec(s.skew))
	return a, nil
}

func TestLedger_Reconcile_DetectsMismatch(t *testing.T) {
	// GIVEN: An account whose stored commission is 0.01 above its ledger
	// WHEN: Reconciling
	// THEN: false with a ConsistencyViolationError on commission, reported
	//       to instrumentation, and nothing is corrected

	mem := store.NewMemory()
	env := newTestEnvWithStore(t, mem, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")
	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindCommission, Amount: "10"})
	require.NoError(t, err)

	inst := newRecorder()
	skewed := affiliate.NewLedger(skewedStore{Memory: mem, skew: "0.01"}, affiliate.WithInstrumentation(inst))

	ok, err := skewed.Reconcile(env.ctx, 1)
	assert.False(t, ok)
	require.ErrorIs(t, err, affiliate.ErrConsistencyViolation)

	var violation *affiliate.ConsistencyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, affiliate.FieldCommission, violation.Field)
	requireAmount(t, "10.01", violation.Stored)
	requireAmount(t, "10", violation.Expected)
	assert.Len(t, inst.violations, 1)

	requireAmount(t, "10", env.account(t, 1).Commission, "stored value is left alone")
}

func TestLedger_Reconcile_HoldsAcrossResets(t *testing.T) {
	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindCommission, Amount: "10"})
	require.NoError(t, err)
	_, _, err = env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindReset, Field: affiliate.FieldCommission, Amount: "-10"})
	require.NoError(t, err)
	_, _, err = env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindCommission, Amount: "4"})
	require.NoError(t, err)

	requireAmount(t, "4", env.account(t, 1).Commission)
	env.requireConsistent(t, 1)
}

func TestLedger_Reconcile_RejectsPartialReset(t *testing.T) {
	// GIVEN: A RESET that did not cancel the running value
	// THEN: Reconcile flags that entry

	env := newTestEnv(t, testTables())
	env.register(t, 1, affiliate.ClassBasic, "")

	_, _, err := env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindBonus, Amount: "10"})
	require.NoError(t, err)
	_, _, err = env.ledger.Append(env.ctx, affiliate.AppendRequest{AccountID: 1, Kind: affiliate.KindReset, Field: affiliate.FieldBonus, Amount: "-4"})
	require.NoError(t, err)

	ok, err := env.ledger.Reconcile(env.ctx, 1)
	assert.False(t, ok)
	var violation *affiliate.ConsistencyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, affiliate.FieldBonus, violation.Field)
}
