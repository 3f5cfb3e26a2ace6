package affiliate

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Milestone is one bonus tier: reaching Threshold total sales earns Rate
// of total sales as the period bonus.
type Milestone struct {
	Threshold decimal.Decimal
	Rate      decimal.Decimal
}

// Tables holds the rate tables and limits the engine runs on.
type Tables struct {
	// MaxDepth is how many ancestor levels earn commission.
	MaxDepth int
	// GroupDepth is how many ancestor levels receive GROUP_SALES volume.
	GroupDepth int
	// CurrencyScale is the decimal places of the smallest currency unit.
	CurrencyScale int32

	Bonus      []Milestone
	Commission map[AccountClass]map[int]decimal.Decimal

	RankOrder      []Rank
	RankThresholds map[AccountClass][]RankThreshold

	// EvaluateAncestorRanks re-runs the rank engine on credited ancestors.
	EvaluateAncestorRanks bool
}

// Validate rejects out-of-range depths, rates and thresholds.
func (t Tables) Validate() error {
	if t.MaxDepth < 0 {
		return &ValidationError{Field: "max_depth", Reason: "must not be negative"}
	}
	if t.GroupDepth < 0 {
		return &ValidationError{Field: "group_depth", Reason: "must not be negative"}
	}
	if t.CurrencyScale < 0 {
		return &ValidationError{Field: "currency_scale", Reason: "must not be negative"}
	}
	seen := make(map[string]bool, len(t.Bonus))
	for _, m := range t.Bonus {
		if m.Threshold.IsNegative() {
			return &ValidationError{Field: "bonus", Reason: "threshold must not be negative"}
		}
		if m.Rate.IsNegative() || m.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return &ValidationError{Field: "bonus", Reason: fmt.Sprintf("rate %s outside [0, 1]", m.Rate)}
		}
		key := m.Threshold.String()
		if seen[key] {
			return &ValidationError{Field: "bonus", Reason: "duplicate threshold " + key}
		}
		seen[key] = true
	}
	for class, byDepth := range t.Commission {
		for depth, rate := range byDepth {
			if depth < 1 || depth > t.MaxDepth {
				return &ValidationError{Field: "commission", Reason: fmt.Sprintf("class %s depth %d outside [1, %d]", class, depth, t.MaxDepth)}
			}
			if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
				return &ValidationError{Field: "commission", Reason: fmt.Sprintf("class %s depth %d rate %s outside [0, 1]", class, depth, rate)}
			}
		}
	}
	return nil
}

// normalized returns a copy with the bonus table sorted by descending
// threshold, the order in which milestones are tried.
func (t Tables) normalized() Tables {
	bonus := append([]Milestone(nil), t.Bonus...)
	sort.Slice(bonus, func(i, j int) bool {
		return bonus[i].Threshold.GreaterThan(bonus[j].Threshold)
	})
	t.Bonus = bonus
	return t
}

// BonusRate returns the rate of the highest milestone reached, or zero
// below the lowest one. Tiers do not stack. Assumes normalized order.
func (t Tables) BonusRate(totalSales decimal.Decimal) decimal.Decimal {
	for _, m := range t.Bonus {
		if totalSales.GreaterThanOrEqual(m.Threshold) {
			return m.Rate
		}
	}
	return decimal.Zero
}

// CommissionRate returns the rate for an ancestor of class at depth.
func (t Tables) CommissionRate(class AccountClass, depth int) decimal.Decimal {
	if depth < 1 || depth > t.MaxDepth {
		return decimal.Zero
	}
	if rate, ok := t.Commission[class][depth]; ok {
		return rate
	}
	return decimal.Zero
}
