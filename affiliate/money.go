package affiliate

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrencyScale is the number of decimal places of the smallest
// currency unit. Entries are rounded to it once, at creation.
const DefaultCurrencyScale int32 = 2

// ParseAmount parses an exact decimal string. Empty and non-numeric
// strings fail with a ValidationError.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &ValidationError{Field: field, Reason: "amount is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: "amount is not a decimal number: " + s}
	}
	return d, nil
}

// ParsePositiveAmount is ParseAmount that also rejects zero, negatives
// and anything finer than scale decimal places.
func ParsePositiveAmount(field, s string, scale int32) (decimal.Decimal, error) {
	d, err := ParseAmount(field, s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, &ValidationError{Field: field, Reason: "amount must be positive"}
	}
	if !d.Equal(d.Truncate(scale)) {
		return decimal.Zero, &ValidationError{Field: field, Reason: fmt.Sprintf("amount has more than %d decimal places: %s", scale, s)}
	}
	return d, nil
}

// RoundMoney applies the rounding rule: half away from zero at scale.
// For positive amounts this is round-half-up.
func RoundMoney(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// ApplyRate multiplies amount by a rational rate and rounds once.
func ApplyRate(amount, rate decimal.Decimal, scale int32) decimal.Decimal {
	return RoundMoney(amount.Mul(rate), scale)
}
