/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount crosses the API as an exact decimal string, never a JSON
  number, so no client ever parses money into a float.

VALIDATION:
  Validation is done in handlers (and the engine), not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID                   int64   `json:"id"`
	Class                string  `json:"class"`
	Rank                 string  `json:"rank"`
	ReferralCode         string  `json:"referral_code,omitempty"`
	ParentID             *int64  `json:"parent_id,omitempty"`
	TotalPurchase        string  `json:"total_purchase"`
	TotalSales           string  `json:"total_sales"`
	Bonus                string  `json:"bonus"`
	Commission           string  `json:"commission"`
	DirectSales          string  `json:"direct_sales"`
	GroupSales           string  `json:"group_sales"`
	DirectReferralsCount int     `json:"direct_referrals_count"`
	LastRankCheck        *string `json:"last_rank_check,omitempty"`
	RankAchievedAt       *string `json:"rank_achieved_at,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

// CreateAccountRequest registers an affiliate, optionally under a referrer.
type CreateAccountRequest struct {
	AccountID    int64  `json:"account_id"`
	Class        string `json:"class,omitempty"`
	ReferrerCode string `json:"referrer_code,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID             int64  `json:"id"`
	AccountID      int64  `json:"account_id"`
	Kind           string `json:"kind"`
	Field          string `json:"field"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type LedgerPageDTO struct {
	AccountID int64            `json:"account_id"`
	Entries   []LedgerEntryDTO `json:"entries"`
	// NextCursor is set when more entries exist; pass it back as ?after=.
	NextCursor string `json:"next_cursor,omitempty"`
}

type ReconcileDTO struct {
	AccountID int64  `json:"account_id"`
	OK        bool   `json:"ok"`
	Violation string `json:"violation,omitempty"`
}

// =============================================================================
// REFERRALS AND SNAPSHOTS
// =============================================================================

type TreeNodeDTO struct {
	AccountID    int64          `json:"account_id"`
	ReferralCode string         `json:"referral_code"`
	Depth        int            `json:"depth"`
	Children     []*TreeNodeDTO `json:"children,omitempty"`
}

type ReferralCodeDTO struct {
	ReferralCode string `json:"referral_code"`
	AccountID    int64  `json:"account_id"`
	ParentID     *int64 `json:"parent_id,omitempty"`
}

type SnapshotDTO struct {
	AccountID  int64  `json:"account_id"`
	Period     string `json:"period"`
	Rank       string `json:"rank"`
	Commission string `json:"commission"`
	Bonus      string `json:"bonus"`
	TotalSales string `json:"total_sales"`
	CreatedAt  string `json:"created_at"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventRequest is the body of sale, reversal and purchase events.
type EventRequest struct {
	EventID   string `json:"event_id,omitempty"`
	AccountID int64  `json:"account_id"`
	Amount    string `json:"amount"`
}

type EventResultDTO struct {
	EventID     string           `json:"event_id"`
	Entries     []LedgerEntryDTO `json:"entries"`
	Skipped     []string         `json:"skipped,omitempty"`
	RankChanges []RankChangeDTO  `json:"rank_changes,omitempty"`
}

type RankChangeDTO struct {
	AccountID int64  `json:"account_id"`
	OldRank   string `json:"old_rank"`
	NewRank   string `json:"new_rank"`
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetRequest triggers a monthly reset. Now defaults to the server clock;
// the month before Now is closed. Period names the month directly.
type ResetRequest struct {
	Now    string `json:"now,omitempty"`    // RFC3339
	Period string `json:"period,omitempty"` // YYYY-MM
}

type ResetReportDTO struct {
	Period        string                   `json:"period"`
	Skipped       bool                     `json:"skipped"`
	AlreadyClosed bool                     `json:"already_closed"`
	Forced        bool                     `json:"forced"`
	Accounts      int                      `json:"accounts"`
	Reset         int                      `json:"reset"`
	NotYetOpen    int                      `json:"not_yet_open"`
	Failed        []affiliate.ResetFailure `json:"failed,omitempty"`
	StartedAt     string                   `json:"started_at"`
	FinishedAt    string                   `json:"finished_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toAccountDTO(a affiliate.Account, node *affiliate.ReferralNode) AccountDTO {
	dto := AccountDTO{
		ID:                   int64(a.ID),
		Class:                string(a.Class),
		Rank:                 string(a.Rank),
		TotalPurchase:        a.TotalPurchase.String(),
		TotalSales:           a.TotalSales.String(),
		Bonus:                a.Bonus.String(),
		Commission:           a.Commission.String(),
		DirectSales:          a.DirectSales.String(),
		GroupSales:           a.GroupSales.String(),
		DirectReferralsCount: a.DirectReferralsCount,
		LastRankCheck:        formatTimePtr(a.LastRankCheck),
		RankAchievedAt:       formatTimePtr(a.RankAchievedAt),
		CreatedAt:            formatTime(a.CreatedAt),
	}
	if node != nil {
		dto.ReferralCode = node.ReferralCode
		if node.ParentID != nil {
			p := int64(*node.ParentID)
			dto.ParentID = &p
		}
	}
	return dto
}

func toEntryDTO(e affiliate.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             int64(e.ID),
		AccountID:      int64(e.AccountID),
		Kind:           string(e.Kind),
		Field:          string(e.Field),
		Amount:         e.Amount.String(),
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

func toTreeDTO(n *affiliate.TreeNode) *TreeNodeDTO {
	dto := &TreeNodeDTO{AccountID: int64(n.AccountID), ReferralCode: n.ReferralCode, Depth: n.Depth}
	for _, c := range n.Children {
		dto.Children = append(dto.Children, toTreeDTO(c))
	}
	return dto
}

func toSnapshotDTO(s affiliate.RankSnapshot) SnapshotDTO {
	return SnapshotDTO{
		AccountID:  int64(s.AccountID),
		Period:     affiliate.Period{Year: s.Year, Month: s.Month}.String(),
		Rank:       string(s.Rank),
		Commission: s.Commission.String(),
		Bonus:      s.Bonus.String(),
		TotalSales: s.TotalSales.String(),
		CreatedAt:  formatTime(s.CreatedAt),
	}
}

func toEventResultDTO(eventID string, res *affiliate.SaleResult) EventResultDTO {
	dto := EventResultDTO{EventID: eventID, Entries: []LedgerEntryDTO{}, Skipped: res.Skipped}
	for _, e := range res.Entries {
		dto.Entries = append(dto.Entries, toEntryDTO(e))
	}
	for _, rc := range res.RankChanges {
		dto.RankChanges = append(dto.RankChanges, RankChangeDTO{
			AccountID: int64(rc.AccountID),
			OldRank:   string(rc.OldRank),
			NewRank:   string(rc.NewRank),
		})
	}
	return dto
}

func toReferralCodeDTO(n affiliate.ReferralNode) ReferralCodeDTO {
	dto := ReferralCodeDTO{ReferralCode: n.ReferralCode, AccountID: int64(n.AccountID)}
	if n.ParentID != nil {
		p := int64(*n.ParentID)
		dto.ParentID = &p
	}
	return dto
}

func toResetReportDTO(r affiliate.ResetReport) ResetReportDTO {
	return ResetReportDTO{
		Period:        r.Period.String(),
		Skipped:       r.Skipped,
		AlreadyClosed: r.AlreadyClosed,
		Forced:        r.Forced,
		Accounts:      r.Accounts,
		Reset:         r.Reset,
		NotYetOpen:    r.NotYetOpen,
		Failed:        r.Failed,
		StartedAt:     formatTime(r.StartedAt),
		FinishedAt:    formatTime(r.FinishedAt),
	}
}
