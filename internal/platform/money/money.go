// Package money holds the rounding policy shared by pricing and composition.
// Amounts are whole smallest currency units; percents are 0..100.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Round rounds to a whole unit, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// Percent returns amount × pct / 100 rounded to a whole unit.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// Complement returns 100 - pct.
func Complement(pct decimal.Decimal) decimal.Decimal {
	return hundred.Sub(pct)
}

// IsWhole reports whether d has no fractional part.
func IsWhole(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ValidPercent reports whether pct lies in [0, 100].
func ValidPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred)
}
