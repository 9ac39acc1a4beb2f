// Package fixedpoint holds the decimal arithmetic helpers used by the
// pricing pipeline. All money and rate values are shopspring decimals;
// float64 never enters the pipeline. Rounding happens only at the
// display/storage boundary, with half-to-even semantics.
package fixedpoint

import "github.com/shopspring/decimal"

const (
	// RatePlaces is the precision for borrow rates, adjustments and
	// time factors.
	RatePlaces int32 = 4
	// MoneyPlaces is the precision for dollar amounts.
	MoneyPlaces int32 = 2
)

var daysPerYear = decimal.NewFromInt(365)

// QuantizeRate rounds a rate to 4 decimal places, half to even.
func QuantizeRate(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(RatePlaces)
}

// QuantizeMoney rounds a dollar amount to 2 decimal places, half to even.
func QuantizeMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MoneyPlaces)
}

// AnnualizeToPeriod prorates an annualized rate over loanDays. The result
// retains full precision; callers quantize at the boundary.
func AnnualizeToPeriod(annual decimal.Decimal, loanDays int) decimal.Decimal {
	return annual.Mul(decimal.NewFromInt(int64(loanDays))).Div(daysPerYear)
}

// TimeFactor returns loanDays/365 at full precision.
func TimeFactor(loanDays int) decimal.Decimal {
	return decimal.NewFromInt(int64(loanDays)).Div(daysPerYear)
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}
