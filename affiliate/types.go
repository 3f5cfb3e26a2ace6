/*
Package affiliate provides the affiliate ledger and commission engine.

PURPOSE:
  Tracks multi-level referral relationships and converts completed sales
  into monetary accruals (commission, bonus, sales totals) for each
  affiliate account. Every accrual change goes through an append-only
  ledger so that account totals can always be explained and reconciled.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: current-period accrual fields plus rank state
  - Kind / Field: what a ledger entry is, and which accrual it moves
  - LedgerEntry: an immutable signed monetary record
  - ReferralNode: an account's place in the referral forest
  - RankSnapshot: frozen accruals captured at a monthly reset

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified; reversals are new entries
  2. Precision: decimal.Decimal everywhere, persisted as exact strings
  3. Reconcilable: account fields equal the signed sum of their entries
  4. Arena, not pointers: the referral tree is a table of parent ids

SEE ALSO:
  - ledger.go: Append path and reconciliation
  - referral.go: Referral graph
  - rank.go: Rank state machine
  - commission.go: Sale -> ledger movements
  - reset.go: Monthly snapshot and reset
*/
package affiliate

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID int64
type EntryID int64

type AccountClass string

const (
	ClassBasic   AccountClass = "BASIC"
	ClassPremium AccountClass = "PREMIUM"
)

// =============================================================================
// LEDGER KINDS AND ACCRUAL FIELDS
// =============================================================================

type Kind string

const (
	KindCommission  Kind = "COMMISSION"
	KindBonus       Kind = "BONUS"
	KindPurchase    Kind = "PURCHASE"
	KindSale        Kind = "SALE"
	KindReset       Kind = "RESET"
	KindDirectSales Kind = "DIRECT_SALES" // Volume from a direct referral's sale
	KindGroupSales  Kind = "GROUP_SALES"  // Volume from any downline sale within GroupDepth
)

// Field names an accrual field on Account.
type Field string

const (
	FieldCommission    Field = "commission"
	FieldBonus         Field = "bonus"
	FieldTotalSales    Field = "total_sales"
	FieldTotalPurchase Field = "total_purchase"
	FieldDirectSales   Field = "direct_sales"
	FieldGroupSales    Field = "group_sales"
)

// AllFields lists every accrual field in a stable order.
var AllFields = []Field{
	FieldCommission, FieldBonus, FieldTotalSales,
	FieldTotalPurchase, FieldDirectSales, FieldGroupSales,
}

// ResetFields are zeroed by the monthly reset.
var ResetFields = []Field{FieldCommission, FieldBonus, FieldTotalSales}

var kindFields = map[Kind]Field{
	KindCommission:  FieldCommission,
	KindBonus:       FieldBonus,
	KindPurchase:    FieldTotalPurchase,
	KindSale:        FieldTotalSales,
	KindDirectSales: FieldDirectSales,
	KindGroupSales:  FieldGroupSales,
}

// FieldFor returns the accrual field a non-RESET kind moves.
func FieldFor(k Kind) (Field, bool) {
	f, ok := kindFields[k]
	return f, ok
}

func (k Kind) Valid() bool {
	_, ok := kindFields[k]
	return ok || k == KindReset
}

func (f Field) Valid() bool {
	for _, x := range AllFields {
		if x == f {
			return true
		}
	}
	return false
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds the current-period accruals for one affiliate.
// Accrual fields are written only by the Ledger; rank fields only by SaveRank.
type Account struct {
	ID    AccountID
	Class AccountClass
	Rank  Rank

	TotalPurchase decimal.Decimal
	TotalSales    decimal.Decimal
	Bonus         decimal.Decimal
	Commission    decimal.Decimal
	DirectSales   decimal.Decimal
	GroupSales    decimal.Decimal

	DirectReferralsCount int

	LastRankCheck  *time.Time
	RankAchievedAt *time.Time
	CreatedAt      time.Time
}

// Get returns the value of an accrual field.
func (a Account) Get(f Field) decimal.Decimal {
	switch f {
	case FieldCommission:
		return a.Commission
	case FieldBonus:
		return a.Bonus
	case FieldTotalSales:
		return a.TotalSales
	case FieldTotalPurchase:
		return a.TotalPurchase
	case FieldDirectSales:
		return a.DirectSales
	case FieldGroupSales:
		return a.GroupSales
	}
	return decimal.Zero
}

// Add returns a copy of the account with delta applied to field f.
func (a Account) Add(f Field, delta decimal.Decimal) Account {
	switch f {
	case FieldCommission:
		a.Commission = a.Commission.Add(delta)
	case FieldBonus:
		a.Bonus = a.Bonus.Add(delta)
	case FieldTotalSales:
		a.TotalSales = a.TotalSales.Add(delta)
	case FieldTotalPurchase:
		a.TotalPurchase = a.TotalPurchase.Add(delta)
	case FieldDirectSales:
		a.DirectSales = a.DirectSales.Add(delta)
	case FieldGroupSales:
		a.GroupSales = a.GroupSales.Add(delta)
	}
	return a
}

// NewAccount returns a zeroed account at the lowest rank.
func NewAccount(id AccountID, class AccountClass, now time.Time) Account {
	if class == "" {
		class = ClassBasic
	}
	return Account{
		ID:            id,
		Class:         class,
		Rank:          RankGuest,
		TotalPurchase: decimal.Zero,
		TotalSales:    decimal.Zero,
		Bonus:         decimal.Zero,
		Commission:    decimal.Zero,
		DirectSales:   decimal.Zero,
		GroupSales:    decimal.Zero,
		CreatedAt:     now,
	}
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is an immutable signed monetary record.
type LedgerEntry struct {
	ID             EntryID
	AccountID      AccountID
	Kind           Kind
	Field          Field
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// REFERRAL NODE
// =============================================================================

// ReferralNode places an account in the referral forest.
// ParentID is nil for roots. ReferralCode is immutable once assigned.
type ReferralNode struct {
	AccountID    AccountID
	ParentID     *AccountID
	ReferralCode string
	CreatedAt    time.Time
}

// =============================================================================
// RANK SNAPSHOT
// =============================================================================

// RankSnapshot freezes an account's accruals for one closed month.
type RankSnapshot struct {
	AccountID  AccountID
	Year       int
	Month      time.Month
	Rank       Rank
	Commission decimal.Decimal
	Bonus      decimal.Decimal
	TotalSales decimal.Decimal
	CreatedAt  time.Time
}
