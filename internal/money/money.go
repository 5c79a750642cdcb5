// internal/money/money.go
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places money is stored with.
const Scale = 2

// Zero is a zero amount.
var Zero = decimal.Zero

// Round rounds half-up to two decimals. Amounts in the core are never negative,
// so decimal's half-away-from-zero rounding is half-up here.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a decimal string and rejects more than two decimal places.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !HasValidScale(d) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", s, Scale)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// HasValidScale reports whether d fits into two decimal places.
func HasValidScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}

// IsPositive reports whether d is a strictly positive amount with a valid scale.
func IsPositive(d decimal.Decimal) bool {
	return d.IsPositive() && HasValidScale(d)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Format renders d with exactly two decimals.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
