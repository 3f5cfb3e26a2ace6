// Package store provides in-memory affiliate.Store implementations.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	accounts    map[affiliate.AccountID]affiliate.Account
	entries     map[affiliate.AccountID][]affiliate.LedgerEntry
	idempotency map[string]bool
	nextEntryID affiliate.EntryID

	nodes    map[affiliate.AccountID]affiliate.ReferralNode
	codes    map[string]affiliate.AccountID
	children map[affiliate.AccountID][]affiliate.AccountID

	snapshots map[snapshotKey]affiliate.RankSnapshot
	leases    map[string]lease
	closed    []affiliate.Period

	// failures injected into AppendEntry, consumed one per call
	appendFailures []error
}

type snapshotKey struct {
	AccountID affiliate.AccountID
	Year      int
	Month     time.Month
}

type lease struct {
	holder  string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[affiliate.AccountID]affiliate.Account),
		entries:     make(map[affiliate.AccountID][]affiliate.LedgerEntry),
		idempotency: make(map[string]bool),
		nodes:       make(map[affiliate.AccountID]affiliate.ReferralNode),
		codes:       make(map[string]affiliate.AccountID),
		children:    make(map[affiliate.AccountID][]affiliate.AccountID),
		snapshots:   make(map[snapshotKey]affiliate.RankSnapshot),
		leases:      make(map[string]lease),
	}
}

// FailAppends makes the next len(errs) AppendEntry calls fail with errs in
// order, without writing anything. A nil lets that call through. Used to
// exercise retry and partial-failure paths.
func (m *Memory) FailAppends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendFailures = append(m.appendFailures, errs...)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id affiliate.AccountID) (affiliate.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return affiliate.Account{}, affiliate.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) ListAccountIDs(_ context.Context) ([]affiliate.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]affiliate.AccountID, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *Memory) SaveRank(_ context.Context, id affiliate.AccountID, rank affiliate.Rank, lastCheck time.Time, achievedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return affiliate.ErrAccountNotFound
	}
	a.Rank = rank
	a.LastRankCheck = &lastCheck
	a.RankAchievedAt = achievedAt
	m.accounts[id] = a
	return nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// AppendEntry inserts the entry and applies it to the account under one
// write lock, so both happen or neither does.
func (m *Memory) AppendEntry(_ context.Context, e affiliate.LedgerEntry) (affiliate.LedgerEntry, affiliate.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.appendFailures) > 0 {
		err := m.appendFailures[0]
		m.appendFailures = m.appendFailures[1:]
		if err != nil {
			return affiliate.LedgerEntry{}, affiliate.Account{}, err
		}
	}

	a, ok := m.accounts[e.AccountID]
	if !ok {
		return affiliate.LedgerEntry{}, affiliate.Account{}, affiliate.ErrAccountNotFound
	}
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return affiliate.LedgerEntry{}, affiliate.Account{}, affiliate.ErrDuplicateIdempotencyKey
	}

	m.nextEntryID++
	e.ID = m.nextEntryID

	entries := m.entries[e.AccountID]
	i := sort.Search(len(entries), func(i int) bool {
		return after(entries[i], e.CreatedAt, e.ID)
	})
	entries = slices.Insert(entries, i, e)
	m.entries[e.AccountID] = entries

	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	a = a.Add(e.Field, e.Amount)
	m.accounts[e.AccountID] = a
	return e, a, nil
}

// after reports whether x sorts after (at, id).
func after(x affiliate.LedgerEntry, at time.Time, id affiliate.EntryID) bool {
	if !x.CreatedAt.Equal(at) {
		return x.CreatedAt.After(at)
	}
	return x.ID > id
}

func (m *Memory) ListEntries(_ context.Context, q affiliate.EntryQuery) ([]affiliate.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []affiliate.LedgerEntry
	for _, e := range m.entries[q.AccountID] {
		if q.After != nil && !after(e, q.After.CreatedAt, q.After.ID) {
			continue
		}
		if q.From != nil && e.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !e.CreatedAt.Before(*q.To) {
			break
		}
		if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, e.Kind) {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// REFERRAL NODES
// =============================================================================

func (m *Memory) CreateNode(_ context.Context, acct affiliate.Account, node affiliate.ReferralNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return affiliate.ErrAccountExists
	}
	if _, ok := m.nodes[node.AccountID]; ok {
		return affiliate.ErrAccountExists
	}
	if _, ok := m.codes[node.ReferralCode]; ok {
		return affiliate.ErrDuplicateReferralCode
	}
	if node.ParentID != nil {
		parent, ok := m.accounts[*node.ParentID]
		if !ok {
			return affiliate.ErrAccountNotFound
		}
		parent.DirectReferralsCount++
		m.accounts[parent.ID] = parent
		m.children[parent.ID] = append(m.children[parent.ID], node.AccountID)
	}

	m.accounts[acct.ID] = acct
	m.nodes[node.AccountID] = node
	m.codes[node.ReferralCode] = node.AccountID
	return nil
}

func (m *Memory) GetNode(_ context.Context, id affiliate.AccountID) (affiliate.ReferralNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return affiliate.ReferralNode{}, affiliate.ErrNodeNotFound
	}
	return n, nil
}

func (m *Memory) GetNodeByCode(_ context.Context, code string) (affiliate.ReferralNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return affiliate.ReferralNode{}, affiliate.ErrReferralCodeNotFound
	}
	return m.nodes[id], nil
}

func (m *Memory) ListChildren(_ context.Context, parent affiliate.AccountID) ([]affiliate.ReferralNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Clone(m.children[parent])
	slices.Sort(ids)
	result := make([]affiliate.ReferralNode, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.nodes[id])
	}
	return result, nil
}

func (m *Memory) CountChildren(_ context.Context, parent affiliate.AccountID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.children[parent]), nil
}

func (m *Memory) UpdateParent(_ context.Context, id affiliate.AccountID, parent *affiliate.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok {
		return affiliate.ErrNodeNotFound
	}
	if parent != nil {
		if _, ok := m.accounts[*parent]; !ok {
			return affiliate.ErrAccountNotFound
		}
		// Walk up from the new parent; reaching id would close a loop.
		for cur, steps := parent, 0; cur != nil && steps <= len(m.nodes); cur, steps = m.nodes[*cur].ParentID, steps+1 {
			if *cur == id {
				return affiliate.ErrReferralCycle
			}
		}
	}
	if old := node.ParentID; old != nil {
		m.children[*old] = slices.DeleteFunc(m.children[*old], func(c affiliate.AccountID) bool { return c == id })
		a := m.accounts[*old]
		a.DirectReferralsCount--
		m.accounts[*old] = a
	}
	if parent != nil {
		m.children[*parent] = append(m.children[*parent], id)
		a := m.accounts[*parent]
		a.DirectReferralsCount++
		m.accounts[*parent] = a
		p := *parent
		node.ParentID = &p
	} else {
		node.ParentID = nil
	}
	m.nodes[id] = node
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, s affiliate.RankSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := snapshotKey{AccountID: s.AccountID, Year: s.Year, Month: s.Month}
	if _, ok := m.snapshots[k]; ok {
		return affiliate.ErrDuplicateSnapshot
	}
	m.snapshots[k] = s
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, id affiliate.AccountID, year int, month time.Month) (*affiliate.RankSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[snapshotKey{AccountID: id, Year: year, Month: month}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// ListSnapshots returns the account's snapshots, oldest month first.
func (m *Memory) ListSnapshots(_ context.Context, id affiliate.AccountID) ([]affiliate.RankSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []affiliate.RankSnapshot
	for k, s := range m.snapshots {
		if k.AccountID == id {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Year != result[j].Year {
			return result[i].Year < result[j].Year
		}
		return result[i].Month < result[j].Month
	})
	return result, nil
}

// =============================================================================
// LEASES
// =============================================================================

func (m *Memory) AcquireLease(_ context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, held := m.leases[name]
	if held && cur.holder != holder && now.Before(cur.expires) {
		return false, false, nil
	}
	forced := held && cur.holder != holder
	m.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, forced, nil
}

func (m *Memory) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.holder == holder {
		delete(m.leases, name)
	}
	return nil
}

// =============================================================================
// CLOSED PERIODS
// =============================================================================

func (m *Memory) LastClosedPeriod(_ context.Context) (*affiliate.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *affiliate.Period
	for i, p := range m.closed {
		if last == nil || last.Before(p) {
			last = &m.closed[i]
		}
	}
	if last == nil {
		return nil, nil
	}
	p := *last
	return &p, nil
}

func (m *Memory) MarkPeriodClosed(_ context.Context, p affiliate.Period, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.closed, p) {
		m.closed = append(m.closed, p)
	}
	return nil
}

var _ affiliate.Store = (*Memory)(nil)
