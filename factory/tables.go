/*
Package factory provides JSON to Go conversion of the engine's rate tables.

PURPOSE:
  Converts a JSON table definition into affiliate.Tables and a RankEngine,
  so commission rates, bonus milestones and rank thresholds can change
  without code changes.

JSON SCHEMA:
  {
    "max_depth": 3,
    "group_depth": 3,
    "currency_scale": 2,
    "evaluate_ancestor_ranks": false,
    "bonus": [
      {"threshold": "5000000", "rate": "0.03"}
    ],
    "commission": {
      "BASIC": {"1": "0.2", "2": "0.1"}
    },
    "rank_order": ["GUEST", "STAFF", "MANAGER", "DIRECTOR"],
    "rank_thresholds": {
      "BASIC": [{"rank": "STAFF", "min_purchase": "300000", "min_sales": "0"}]
    }
  }

  Amounts and rates are JSON strings (or numbers) parsed as exact
  decimals. Omitted sections keep the built-in defaults.

USAGE:
  tables, err := factory.LoadTables(path) // "" -> defaults
  ranks, err := factory.RankEngine(tables)

SEE ALSO:
  - affiliate/tables.go: Tables and validation
  - affiliate/rank.go: RankEngine
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type TablesJSON struct {
	MaxDepth              *int                                               `json:"max_depth,omitempty"`
	GroupDepth            *int                                               `json:"group_depth,omitempty"`
	CurrencyScale         *int32                                             `json:"currency_scale,omitempty"`
	EvaluateAncestorRanks *bool                                              `json:"evaluate_ancestor_ranks,omitempty"`
	Bonus                 []MilestoneJSON                                    `json:"bonus,omitempty"`
	Commission            map[affiliate.AccountClass]map[int]decimal.Decimal `json:"commission,omitempty"`
	RankOrder             []affiliate.Rank                                   `json:"rank_order,omitempty"`
	RankThresholds        map[affiliate.AccountClass][]ThresholdJSON         `json:"rank_thresholds,omitempty"`
}

type MilestoneJSON struct {
	Threshold decimal.Decimal `json:"threshold"`
	Rate      decimal.Decimal `json:"rate"`
}

type ThresholdJSON struct {
	Rank        affiliate.Rank  `json:"rank"`
	MinPurchase decimal.Decimal `json:"min_purchase"`
	MinSales    decimal.Decimal `json:"min_sales"`
}

// DefaultTablesJSON is the built-in configuration.
const DefaultTablesJSON = `{
  "max_depth": 3,
  "group_depth": 3,
  "currency_scale": 2,
  "evaluate_ancestor_ranks": false,
  "bonus": [
    {"threshold": "5000000",  "rate": "0.03"},
    {"threshold": "20000000", "rate": "0.05"},
    {"threshold": "50000000", "rate": "0.07"}
  ],
  "commission": {
    "BASIC":   {"1": "0.2",  "2": "0.1",  "3": "0.05"},
    "PREMIUM": {"1": "0.25", "2": "0.12", "3": "0.06"}
  },
  "rank_order": ["GUEST", "STAFF", "MANAGER", "DIRECTOR"],
  "rank_thresholds": {
    "BASIC": [
      {"rank": "STAFF",    "min_purchase": "300000",  "min_sales": "0"},
      {"rank": "MANAGER",  "min_purchase": "1000000", "min_sales": "5000000"},
      {"rank": "DIRECTOR", "min_purchase": "3000000", "min_sales": "20000000"}
    ],
    "PREMIUM": [
      {"rank": "STAFF",    "min_purchase": "0",       "min_sales": "0"},
      {"rank": "MANAGER",  "min_purchase": "500000",  "min_sales": "3000000"},
      {"rank": "DIRECTOR", "min_purchase": "2000000", "min_sales": "15000000"}
    ]
  }
}`

// =============================================================================
// TABLES FACTORY
// =============================================================================

// DefaultTables returns the built-in tables.
func DefaultTables() affiliate.Tables {
	t, err := ParseTables([]byte(DefaultTablesJSON))
	if err != nil {
		panic(fmt.Sprintf("factory: built-in tables are invalid: %v", err))
	}
	return t
}

// LoadTables reads tables from a JSON file, or returns the defaults when
// path is empty.
func LoadTables(path string) (affiliate.Tables, error) {
	if path == "" {
		return DefaultTables(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return affiliate.Tables{}, fmt.Errorf("failed to read tables file: %w", err)
	}
	return ParseTables(data)
}

// ParseTables parses JSON into validated Tables. Sections missing from
// data are taken from the defaults.
func ParseTables(data []byte) (affiliate.Tables, error) {
	var tj TablesJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return affiliate.Tables{}, fmt.Errorf("failed to parse tables JSON: %w", err)
	}
	return FromJSON(tj)
}

// FromJSON converts TablesJSON, filling omitted sections from the
// defaults, and validates the result.
func FromJSON(tj TablesJSON) (affiliate.Tables, error) {
	var def TablesJSON
	if err := json.Unmarshal([]byte(DefaultTablesJSON), &def); err != nil {
		return affiliate.Tables{}, err
	}
	tj = merge(def, tj)

	t := affiliate.Tables{
		MaxDepth:              *tj.MaxDepth,
		GroupDepth:            *tj.GroupDepth,
		CurrencyScale:         *tj.CurrencyScale,
		EvaluateAncestorRanks: *tj.EvaluateAncestorRanks,
		Commission:            tj.Commission,
		RankOrder:             tj.RankOrder,
		RankThresholds:        make(map[affiliate.AccountClass][]affiliate.RankThreshold, len(tj.RankThresholds)),
	}
	for _, m := range tj.Bonus {
		t.Bonus = append(t.Bonus, affiliate.Milestone{Threshold: m.Threshold, Rate: m.Rate})
	}
	for class, rows := range tj.RankThresholds {
		for _, r := range rows {
			t.RankThresholds[class] = append(t.RankThresholds[class], affiliate.RankThreshold{
				Rank:        r.Rank,
				MinPurchase: r.MinPurchase,
				MinSales:    r.MinSales,
			})
		}
	}

	if err := t.Validate(); err != nil {
		return affiliate.Tables{}, err
	}
	if _, err := RankEngine(t); err != nil {
		return affiliate.Tables{}, err
	}
	return t, nil
}

// RankEngine builds the rank engine described by t.
func RankEngine(t affiliate.Tables) (*affiliate.RankEngine, error) {
	return affiliate.NewRankEngine(t.RankOrder, t.RankThresholds)
}

// ToJSON converts Tables back to their JSON form.
func ToJSON(t affiliate.Tables) TablesJSON {
	tj := TablesJSON{
		MaxDepth:              &t.MaxDepth,
		GroupDepth:            &t.GroupDepth,
		CurrencyScale:         &t.CurrencyScale,
		EvaluateAncestorRanks: &t.EvaluateAncestorRanks,
		Commission:            t.Commission,
		RankOrder:             t.RankOrder,
		RankThresholds:        make(map[affiliate.AccountClass][]ThresholdJSON, len(t.RankThresholds)),
	}
	for _, m := range t.Bonus {
		tj.Bonus = append(tj.Bonus, MilestoneJSON{Threshold: m.Threshold, Rate: m.Rate})
	}
	for class, rows := range t.RankThresholds {
		for _, r := range rows {
			tj.RankThresholds[class] = append(tj.RankThresholds[class], ThresholdJSON{
				Rank:        r.Rank,
				MinPurchase: r.MinPurchase,
				MinSales:    r.MinSales,
			})
		}
	}
	return tj
}

// =============================================================================
// MERGE HELPERS
// =============================================================================

// merge overlays the sections present in over onto def.
func merge(def, over TablesJSON) TablesJSON {
	if over.MaxDepth != nil {
		def.MaxDepth = over.MaxDepth
	}
	if over.GroupDepth != nil {
		def.GroupDepth = over.GroupDepth
	}
	if over.CurrencyScale != nil {
		def.CurrencyScale = over.CurrencyScale
	}
	if over.EvaluateAncestorRanks != nil {
		def.EvaluateAncestorRanks = over.EvaluateAncestorRanks
	}
	if over.Bonus != nil {
		def.Bonus = over.Bonus
	}
	if over.Commission != nil {
		def.Commission = over.Commission
	}
	if over.RankOrder != nil {
		def.RankOrder = over.RankOrder
	}
	if over.RankThresholds != nil {
		def.RankThresholds = over.RankThresholds
	}
	return def
}
