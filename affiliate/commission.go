/*
commission.go - Sale -> ledger movements

PURPOSE:
  Turns a completed (or reversed) sale into ledger entries:
    1. SALE on the seller (moves total_sales)
    2. BONUS on the seller: delta to the milestone-derived absolute bonus
    3. COMMISSION on each ancestor up to MaxDepth, rate by (class, depth)
       plus DIRECT_SALES / GROUP_SALES volume for the upline
    4. Rank re-evaluation for the seller (and ancestors when enabled)

LOCKING:
  The seller's SALE, BONUS and rank update happen under the seller's lock
  because the bonus is a read-modify-write of total_sales and bonus. Each
  ancestor credit is its own atomic append under that ancestor's lock; no
  two account locks are ever held at once, so there is no lock ordering
  to get wrong.

IDEMPOTENCY:
  With an EventID every derived append carries a key such as
  "sale:<id>:commission:<ancestor>". A redelivered event, or a retry after
  a failure half way through the fan-out, skips what was already applied
  and completes the rest. Without an EventID there is no de-duplication.

BONUS vs COMMISSION:
  The bonus field is recomputed to an absolute value on each sale (the
  entry records only the difference); commission accumulates.
*/
package affiliate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SaleEvent is the inbound SaleCompleted / SaleReversed payload.
type SaleEvent struct {
	EventID   string    `json:"event_id,omitempty"`
	AccountID AccountID `json:"account_id"`
	Amount    string    `json:"amount"`
}

// PurchaseEvent is the inbound PurchaseCompleted payload.
type PurchaseEvent struct {
	EventID   string    `json:"event_id,omitempty"`
	AccountID AccountID `json:"account_id"`
	Amount    string    `json:"amount"`
}

// SaleResult lists what processing an event wrote.
type SaleResult struct {
	Entries     []LedgerEntry
	Skipped     []string // idempotency keys already applied
	RankChanges []RankChanged
}

type CommissionEngine struct {
	ledger    *Ledger
	graph     *ReferralGraph
	ranks     *RankEngine
	accounts  AccountStore
	tables    Tables
	publisher Publisher
	log       *slog.Logger
	inst      Instrumentation
}

type EngineDeps struct {
	Ledger          *Ledger
	Graph           *ReferralGraph
	Ranks           *RankEngine
	Accounts        AccountStore
	Publisher       Publisher // optional
	Logger          *slog.Logger
	Instrumentation Instrumentation
}

func NewCommissionEngine(deps EngineDeps, tables Tables) (*CommissionEngine, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	e := &CommissionEngine{
		ledger:    deps.Ledger,
		graph:     deps.Graph,
		ranks:     deps.Ranks,
		accounts:  deps.Accounts,
		tables:    tables.normalized(),
		publisher: deps.Publisher,
		log:       deps.Logger,
		inst:      deps.Instrumentation,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.inst == nil {
		e.inst = NopInstrumentation{}
	}
	return e, nil
}

// Tables returns the normalized tables in use.
func (e *CommissionEngine) Tables() Tables { return e.tables }

// =============================================================================
// SALES
// =============================================================================

// OnSaleCompleted applies a completed sale.
func (e *CommissionEngine) OnSaleCompleted(ctx context.Context, ev SaleEvent) (*SaleResult, error) {
	return e.process(ctx, ev, false)
}

// OnSaleReversed undoes a cancelled or refunded sale with negated entries.
// The bonus is recomputed from the reduced total; rank is never lowered.
func (e *CommissionEngine) OnSaleReversed(ctx context.Context, ev SaleEvent) (*SaleResult, error) {
	return e.process(ctx, ev, true)
}

func (e *CommissionEngine) process(ctx context.Context, ev SaleEvent, reverse bool) (*SaleResult, error) {
	start := time.Now()
	label := "sale"
	if reverse {
		label = "reversal"
	}

	amount, err := ParsePositiveAmount("amount", ev.Amount, e.tables.CurrencyScale)
	if err != nil {
		e.inst.SaleProcessed(label+"_rejected", time.Since(start))
		return nil, err
	}
	signed := amount
	if reverse {
		signed = amount.Neg()
	}
	key := idempotencyKeys(label, ev.EventID)
	res := &SaleResult{}

	// Seller: SALE, BONUS and rank under one lock.
	err = e.ledger.WithAccount(ctx, ev.AccountID, func(tx *AccountTx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		acct, err = e.appendTo(ctx, tx, res, acct, AppendRequest{
			Kind:           KindSale,
			Amount:         signed.String(),
			Description:    describe(label, ev.EventID, "sale"),
			IdempotencyKey: key("sale"),
		})
		if err != nil {
			return err
		}

		target := ApplyRate(acct.TotalSales, e.tables.BonusRate(acct.TotalSales), e.tables.CurrencyScale)
		if delta := target.Sub(acct.Bonus); !delta.IsZero() {
			acct, err = e.appendTo(ctx, tx, res, acct, AppendRequest{
				Kind:           KindBonus,
				Amount:         delta.String(),
				Description:    describe(label, ev.EventID, "bonus refresh to "+target.String()),
				IdempotencyKey: key("bonus"),
			})
			if err != nil {
				return err
			}
		}
		return e.applyRankLocked(ctx, acct, res)
	})
	if err != nil {
		e.inst.SaleProcessed(label+"_failed", time.Since(start))
		return nil, err
	}

	// Upline: one independent append per movement.
	if err := e.creditUpline(ctx, ev, label, amount, reverse, key, res); err != nil {
		if ev.EventID == "" {
			e.log.Error("upline fan-out failed without an event id; replay is not idempotent",
				"account_id", ev.AccountID, "kind", label, "error", err)
		}
		e.publish(ctx, res.RankChanges)
		e.inst.SaleProcessed(label+"_partial", time.Since(start))
		return res, err
	}

	e.publish(ctx, res.RankChanges)
	e.inst.SaleProcessed(label+"_ok", time.Since(start))
	e.log.Info("sale processed",
		"kind", label, "event_id", ev.EventID, "account_id", ev.AccountID,
		"amount", amount.String(), "entries", len(res.Entries), "skipped", len(res.Skipped))
	return res, nil
}

func (e *CommissionEngine) creditUpline(ctx context.Context, ev SaleEvent, label string, amount decimal.Decimal, reverse bool, key func(string) string, res *SaleResult) error {
	depth := max(e.tables.MaxDepth, e.tables.GroupDepth)
	if depth == 0 {
		return nil
	}
	chain, err := e.graph.Ancestors(ctx, ev.AccountID, depth)
	if err != nil {
		return err
	}

	sign := func(d decimal.Decimal) string {
		if reverse {
			return d.Neg().String()
		}
		return d.String()
	}

	for _, anc := range chain {
		ancAcct, err := e.accounts.GetAccount(ctx, anc.AccountID)
		if err != nil {
			return fmt.Errorf("ancestor %d at depth %d: %w", anc.AccountID, anc.Depth, err)
		}
		id := strconv.FormatInt(int64(anc.AccountID), 10)

		var reqs []AppendRequest
		if anc.Depth <= e.tables.MaxDepth {
			rate := e.tables.CommissionRate(ancAcct.Class, anc.Depth)
			if c := ApplyRate(amount, rate, e.tables.CurrencyScale); !c.IsZero() {
				reqs = append(reqs, AppendRequest{
					AccountID:      anc.AccountID,
					Kind:           KindCommission,
					Amount:         sign(c),
					Description:    describe(label, ev.EventID, fmt.Sprintf("depth %d commission from account %d", anc.Depth, ev.AccountID)),
					IdempotencyKey: key("commission:" + id),
				})
			}
		}
		if anc.Depth == 1 {
			reqs = append(reqs, AppendRequest{
				AccountID:      anc.AccountID,
				Kind:           KindDirectSales,
				Amount:         sign(amount),
				Description:    describe(label, ev.EventID, fmt.Sprintf("direct sales from account %d", ev.AccountID)),
				IdempotencyKey: key("direct:" + id),
			})
		}
		if anc.Depth <= e.tables.GroupDepth {
			reqs = append(reqs, AppendRequest{
				AccountID:      anc.AccountID,
				Kind:           KindGroupSales,
				Amount:         sign(amount),
				Description:    describe(label, ev.EventID, fmt.Sprintf("group sales from account %d", ev.AccountID)),
				IdempotencyKey: key("group:" + id),
			})
		}

		for _, req := range reqs {
			entry, _, err := e.ledger.Append(ctx, req)
			switch {
			case IsDuplicate(err):
				res.Skipped = append(res.Skipped, req.IdempotencyKey)
			case err != nil:
				return fmt.Errorf("credit ancestor %d (%s): %w", anc.AccountID, req.Kind, err)
			default:
				res.Entries = append(res.Entries, entry)
			}
		}

		if e.tables.EvaluateAncestorRanks {
			err := e.ledger.WithAccount(ctx, anc.AccountID, func(tx *AccountTx) error {
				acct, err := tx.Account(ctx)
				if err != nil {
					return err
				}
				return e.applyRankLocked(ctx, acct, res)
			})
			if err != nil {
				return fmt.Errorf("rank ancestor %d: %w", anc.AccountID, err)
			}
		}
	}
	return nil
}

// =============================================================================
// PURCHASES
// =============================================================================

// OnPurchaseCompleted records a purchase and re-evaluates rank.
func (e *CommissionEngine) OnPurchaseCompleted(ctx context.Context, ev PurchaseEvent) (*SaleResult, error) {
	amount, err := ParsePositiveAmount("amount", ev.Amount, e.tables.CurrencyScale)
	if err != nil {
		return nil, err
	}
	key := idempotencyKeys("purchase", ev.EventID)
	res := &SaleResult{}
	err = e.ledger.WithAccount(ctx, ev.AccountID, func(tx *AccountTx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		acct, err = e.appendTo(ctx, tx, res, acct, AppendRequest{
			Kind:           KindPurchase,
			Amount:         amount.String(),
			Description:    describe("purchase", ev.EventID, "purchase"),
			IdempotencyKey: key("purchase"),
		})
		if err != nil {
			return err
		}
		return e.applyRankLocked(ctx, acct, res)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, res.RankChanges)
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// appendTo appends through tx, treating a replayed key as already applied.
// It returns the account as it stands afterwards.
func (e *CommissionEngine) appendTo(ctx context.Context, tx *AccountTx, res *SaleResult, acct Account, req AppendRequest) (Account, error) {
	entry, updated, err := tx.Append(ctx, req)
	switch {
	case IsDuplicate(err):
		res.Skipped = append(res.Skipped, req.IdempotencyKey)
		return acct, nil
	case err != nil:
		return acct, err
	}
	res.Entries = append(res.Entries, entry)
	return updated, nil
}

// applyRankLocked must run under the account's lock.
func (e *CommissionEngine) applyRankLocked(ctx context.Context, acct Account, res *SaleResult) error {
	updated, ev := e.ranks.Apply(acct, e.ledger.Now())
	if err := e.accounts.SaveRank(ctx, acct.ID, updated.Rank, *updated.LastRankCheck, updated.RankAchievedAt); err != nil {
		return fmt.Errorf("save rank for account %d: %w", acct.ID, err)
	}
	if ev != nil {
		res.RankChanges = append(res.RankChanges, *ev)
	}
	return nil
}

func (e *CommissionEngine) publish(ctx context.Context, changes []RankChanged) {
	for _, ev := range changes {
		e.inst.RankChanged(ev)
		e.log.Info("rank changed", "account_id", ev.AccountID, "old_rank", ev.OldRank, "new_rank", ev.NewRank)
		if e.publisher == nil {
			continue
		}
		if err := e.publisher.PublishRankChanged(ctx, ev); err != nil {
			e.log.Warn("publish rank change failed", "account_id", ev.AccountID, "error", err)
		}
	}
}

// idempotencyKeys returns a key builder; keys are empty without an event id.
func idempotencyKeys(label, eventID string) func(part string) string {
	return func(part string) string {
		if eventID == "" {
			return ""
		}
		return label + ":" + eventID + ":" + part
	}
}

func describe(label, eventID, what string) string {
	if eventID == "" {
		return label + ": " + what
	}
	return label + " " + eventID + ": " + what
}
