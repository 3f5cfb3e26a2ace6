/*
referral.go - Referral forest

PURPOSE:
  Maintains the affiliate tree: one optional parent per account, any number
  of children. The tree is an arena keyed by account id; nodes refer to
  parents by id, never by pointer, and walks are iterative lookups.

INVARIANTS:
  - The parent relation is a forest: no account is its own ancestor.
  - Referral codes are globally unique and never change.
  - Parents are set at registration; Reparent re-checks acyclicity.

REFERRAL CODES:
  Random (nanoid, unambiguous alphabet) rather than sequential so they
  cannot be guessed. On a collision a fresh code is generated, up to
  CodeAttempts times, before the Conflict is surfaced.
*/
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	// CodeAlphabet drops 0/O and 1/I/L to keep codes readable aloud.
	CodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	CodeLength   = 8
	CodeAttempts = 5
)

// CodeGenerator returns a new candidate referral code.
type CodeGenerator func() string

// NewCodeGenerator builds the default nanoid-backed generator.
func NewCodeGenerator() (CodeGenerator, error) {
	gen, err := nanoid.CustomASCII(CodeAlphabet, CodeLength)
	if err != nil {
		return nil, fmt.Errorf("referral code generator: %w", err)
	}
	return CodeGenerator(gen), nil
}

// Ancestor is one step of an ancestor chain. Depth 1 is the direct parent.
type Ancestor struct {
	AccountID AccountID
	Depth     int
}

// TreeNode is a node of a rendered referral subtree.
type TreeNode struct {
	AccountID    AccountID
	ReferralCode string
	Depth        int
	Children     []*TreeNode
}

type ReferralGraph struct {
	store   ReferralStore
	newCode CodeGenerator
	now     func() time.Time
	log     *slog.Logger
}

func NewReferralGraph(store ReferralStore, gen CodeGenerator, now func() time.Time, log *slog.Logger) *ReferralGraph {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = slog.Default()
	}
	return &ReferralGraph{store: store, newCode: gen, now: now, log: log}
}

// =============================================================================
// REGISTRATION
// =============================================================================

type RegisterInput struct {
	AccountID    AccountID
	Class        AccountClass
	ReferrerCode string // optional
}

// Register creates the account and its node. The parent is resolved from
// ReferrerCode when given (NotFound if it does not resolve).
func (g *ReferralGraph) Register(ctx context.Context, in RegisterInput) (ReferralNode, error) {
	if in.AccountID <= 0 {
		return ReferralNode{}, &ValidationError{Field: "account_id", Reason: "must be positive"}
	}

	var parent *AccountID
	if code := normalizeCode(in.ReferrerCode); code != "" {
		p, err := g.ResolveCode(ctx, code)
		if err != nil {
			return ReferralNode{}, err
		}
		parent = &p.AccountID
	}

	now := g.now()
	acct := NewAccount(in.AccountID, in.Class, now)

	var lastErr error
	for attempt := 1; attempt <= CodeAttempts; attempt++ {
		node := ReferralNode{
			AccountID:    in.AccountID,
			ParentID:     parent,
			ReferralCode: g.newCode(),
			CreatedAt:    now,
		}
		err := g.store.CreateNode(ctx, acct, node)
		if err == nil {
			g.log.Info("affiliate registered",
				"account_id", in.AccountID, "class", acct.Class, "has_parent", parent != nil, "referral_code", node.ReferralCode)
			return node, nil
		}
		if !errors.Is(err, ErrDuplicateReferralCode) {
			return ReferralNode{}, err
		}
		lastErr = err
		g.log.Warn("referral code collision, regenerating", "account_id", in.AccountID, "attempt", attempt)
	}
	return ReferralNode{}, fmt.Errorf("register account %d after %d attempts: %w", in.AccountID, CodeAttempts, lastErr)
}

// ResolveCode returns the node owning a referral code.
func (g *ReferralGraph) ResolveCode(ctx context.Context, code string) (ReferralNode, error) {
	return g.store.GetNodeByCode(ctx, normalizeCode(code))
}

func (g *ReferralGraph) Node(ctx context.Context, id AccountID) (ReferralNode, error) {
	return g.store.GetNode(ctx, id)
}

// Reparent moves an account under the owner of referrerCode, or makes it
// a root when the code is empty. Rejects moves that would form a cycle.
// The walk below gives the common case a precise message; the store
// re-checks ancestry inside the write, which is what holds when two
// reparents race.
func (g *ReferralGraph) Reparent(ctx context.Context, id AccountID, referrerCode string) error {
	if _, err := g.store.GetNode(ctx, id); err != nil {
		return err
	}
	code := normalizeCode(referrerCode)
	if code == "" {
		return g.store.UpdateParent(ctx, id, nil)
	}
	p, err := g.ResolveCode(ctx, code)
	if err != nil {
		return err
	}
	if p.AccountID == id {
		return fmt.Errorf("account %d cannot refer itself: %w", id, ErrReferralCycle)
	}
	// id must not already be an ancestor of the new parent.
	chain, err := g.walk(ctx, p.AccountID, -1)
	if err != nil {
		return err
	}
	for _, a := range chain {
		if a.AccountID == id {
			return fmt.Errorf("account %d is an ancestor of %d: %w", id, p.AccountID, ErrReferralCycle)
		}
	}
	if err := g.store.UpdateParent(ctx, id, &p.AccountID); err != nil {
		return err
	}
	g.log.Info("affiliate reparented", "account_id", id, "parent_id", p.AccountID)
	return nil
}

// =============================================================================
// WALKS
// =============================================================================

// Ancestors returns up to maxDepth ancestors, nearest first, stopping at
// the root. A cycle is reported as a ConsistencyViolationError.
func (g *ReferralGraph) Ancestors(ctx context.Context, id AccountID, maxDepth int) ([]Ancestor, error) {
	if maxDepth < 0 {
		return nil, &ValidationError{Field: "max_depth", Reason: "must not be negative"}
	}
	return g.walk(ctx, id, maxDepth)
}

// walk follows parent ids; maxDepth < 0 means up to the root.
func (g *ReferralGraph) walk(ctx context.Context, id AccountID, maxDepth int) ([]Ancestor, error) {
	node, err := g.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := map[AccountID]bool{id: true}
	var chain []Ancestor
	for depth := 1; node.ParentID != nil && (maxDepth < 0 || depth <= maxDepth); depth++ {
		pid := *node.ParentID
		if seen[pid] {
			return nil, &ConsistencyViolationError{
				AccountID: id,
				Detail:    fmt.Sprintf("referral cycle detected at account %d (depth %d)", pid, depth),
			}
		}
		seen[pid] = true
		chain = append(chain, Ancestor{AccountID: pid, Depth: depth})

		node, err = g.store.GetNode(ctx, pid)
		if err != nil {
			if IsNotFound(err) {
				return nil, &ConsistencyViolationError{
					AccountID: id,
					Detail:    fmt.Sprintf("ancestor %d has no referral node", pid),
				}
			}
			return nil, err
		}
	}
	return chain, nil
}

func (g *ReferralGraph) DirectChildrenCount(ctx context.Context, id AccountID) (int, error) {
	if _, err := g.store.GetNode(ctx, id); err != nil {
		return 0, err
	}
	return g.store.CountChildren(ctx, id)
}

// Tree renders the subtree below root, breadth first, down to maxDepth
// levels of referrals.
func (g *ReferralGraph) Tree(ctx context.Context, root AccountID, maxDepth int) (*TreeNode, error) {
	if maxDepth < 0 {
		return nil, &ValidationError{Field: "max_depth", Reason: "must not be negative"}
	}
	rn, err := g.store.GetNode(ctx, root)
	if err != nil {
		return nil, err
	}
	top := &TreeNode{AccountID: rn.AccountID, ReferralCode: rn.ReferralCode}
	seen := map[AccountID]bool{root: true}
	queue := []*TreeNode{top}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.Depth >= maxDepth {
			continue
		}
		children, err := g.store.ListChildren(ctx, cur.AccountID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.AccountID] {
				return nil, &ConsistencyViolationError{
					AccountID: root,
					Detail:    fmt.Sprintf("referral cycle detected at account %d", c.AccountID),
				}
			}
			seen[c.AccountID] = true
			child := &TreeNode{AccountID: c.AccountID, ReferralCode: c.ReferralCode, Depth: cur.Depth + 1}
			cur.Children = append(cur.Children, child)
			queue = append(queue, child)
		}
	}
	return top, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
