/*
rank.go - Rank state machine

PURPOSE:
  Maps an account's class and accumulated totals to a rank. Ranks are
  ordered by seniority; an account moves up when the class-specific
  threshold for a higher rank is met by both its total purchase and its
  total sales.

POLICY:
  Promotion-only. A lower computed rank (e.g. after a reversal or the
  monthly reset) never demotes the account.

PURITY:
  Evaluate is a pure function. Apply only changes the Account value it was
  given and returns the event; persisting and publishing are the caller's
  job.
*/
package affiliate

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Rank string

const (
	RankGuest    Rank = "GUEST"
	RankStaff    Rank = "STAFF"
	RankManager  Rank = "MANAGER"
	RankDirector Rank = "DIRECTOR"
)

// DefaultRankOrder lists ranks from least to most senior.
var DefaultRankOrder = []Rank{RankGuest, RankStaff, RankManager, RankDirector}

// RankThreshold is one row of a class's ascending threshold table.
type RankThreshold struct {
	Rank        Rank
	MinPurchase decimal.Decimal
	MinSales    decimal.Decimal
}

func (t RankThreshold) metBy(a Account) bool {
	return a.TotalPurchase.GreaterThanOrEqual(t.MinPurchase) &&
		a.TotalSales.GreaterThanOrEqual(t.MinSales)
}

// =============================================================================
// RANK ENGINE
// =============================================================================

type RankEngine struct {
	order      map[Rank]int
	thresholds map[AccountClass][]RankThreshold
}

// NewRankEngine validates the tables: every rank must appear in order and
// each class's thresholds must be ascending in seniority.
func NewRankEngine(order []Rank, thresholds map[AccountClass][]RankThreshold) (*RankEngine, error) {
	if len(order) == 0 {
		order = DefaultRankOrder
	}
	re := &RankEngine{
		order:      make(map[Rank]int, len(order)),
		thresholds: make(map[AccountClass][]RankThreshold, len(thresholds)),
	}
	for i, r := range order {
		if _, dup := re.order[r]; dup {
			return nil, &ValidationError{Field: "rank_order", Reason: fmt.Sprintf("rank %s listed twice", r)}
		}
		re.order[r] = i
	}
	for class, rows := range thresholds {
		sorted := append([]RankThreshold(nil), rows...)
		for _, row := range sorted {
			if _, ok := re.order[row.Rank]; !ok {
				return nil, &ValidationError{Field: "rank_thresholds", Reason: fmt.Sprintf("class %s uses unknown rank %s", class, row.Rank)}
			}
			if row.MinPurchase.IsNegative() || row.MinSales.IsNegative() {
				return nil, &ValidationError{Field: "rank_thresholds", Reason: fmt.Sprintf("class %s rank %s has a negative threshold", class, row.Rank)}
			}
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			return re.order[sorted[i].Rank] < re.order[sorted[j].Rank]
		})
		re.thresholds[class] = sorted
	}
	return re, nil
}

// Seniority returns the rank's position; unknown ranks sort lowest.
func (re *RankEngine) Seniority(r Rank) int {
	if i, ok := re.order[r]; ok {
		return i
	}
	return -1
}

// Evaluate returns the rank the account should hold and whether that
// differs from its current rank. Never lower than the current rank.
func (re *RankEngine) Evaluate(a Account) (Rank, bool) {
	best := a.Rank
	for _, t := range re.thresholds[a.Class] {
		if t.metBy(a) && re.Seniority(t.Rank) > re.Seniority(best) {
			best = t.Rank
		}
	}
	return best, best != a.Rank
}

// Apply evaluates the account, stamps LastRankCheck, and on a change sets
// the new rank and RankAchievedAt. The returned event is nil when the rank
// did not change.
func (re *RankEngine) Apply(a Account, now time.Time) (Account, *RankChanged) {
	newRank, changed := re.Evaluate(a)
	a.LastRankCheck = &now
	if !changed {
		return a, nil
	}
	ev := &RankChanged{AccountID: a.ID, OldRank: a.Rank, NewRank: newRank, At: now}
	a.Rank = newRank
	a.RankAchievedAt = &now
	return a, ev
}
