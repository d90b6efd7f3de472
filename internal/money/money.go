// Package money fixes the single decimal unit used on the ledger and the
// wire: two fractional digits, rounded half-up after every operation.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every amount.
const Scale int32 = 2

var ErrInvalidAmount = errors.New("money: invalid amount")

// Zero is the rounded zero amount.
var Zero = decimal.Zero

// Round applies half-up rounding at Scale. Decimal.Round rounds half away
// from zero, which is half-up for the non-negative amounts the ledger keeps.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a canonical decimal string and rounds it.
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return Round(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return Round(d).StringFixed(Scale)
}

// Positive rounds d and reports whether the result is strictly positive.
func Positive(d decimal.Decimal) (decimal.Decimal, bool) {
	r := Round(d)
	return r, r.IsPositive()
}
