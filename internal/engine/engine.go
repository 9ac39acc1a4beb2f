// Package engine computes the locate fee from validated inputs and a
// resolved rate context. It is a pure function: no I/O, no clocks, no
// floats.
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/fixedpoint"
)

var (
	// volatilityMultiplier converts a volatility index into percentage
	// points of rate adjustment.
	volatilityMultiplier = decimal.RequireFromString("0.01")
	// volatilityAdjustmentCap bounds the volatility adjustment at 10pp.
	volatilityAdjustmentCap = decimal.RequireFromString("0.10")
	// eventRiskStep is 0.5pp of rate per event risk point.
	eventRiskStep = decimal.RequireFromString("0.005")

	hundred = decimal.NewFromInt(100)
)

// Input bundles everything the engine needs for one calculation.
type Input struct {
	Request domain.CalculationRequest
	Ticker  domain.Ticker
	Broker  domain.BrokerConfig
	Rates   domain.RateContext
}

// EffectiveRate applies the volatility and event risk adjustments and
// the ticker's min-rate floor, quantized to rate precision. Used when
// the caller wants the rate picture without pricing a position.
func EffectiveRate(ticker domain.Ticker, rates domain.RateContext) decimal.Decimal {
	adjusted := rates.BaseRate
	if rates.VolatilityIndex != nil {
		adjusted = adjusted.Add(fixedpoint.Clamp(
			rates.VolatilityIndex.Mul(volatilityMultiplier),
			decimal.Zero, volatilityAdjustmentCap,
		))
	}
	if rates.EventRiskFactor != nil {
		adjusted = adjusted.Add(decimal.NewFromInt(int64(*rates.EventRiskFactor)).Mul(eventRiskStep))
	}
	if adjusted.LessThan(ticker.MinBorrowRate) {
		adjusted = ticker.MinBorrowRate
	}
	return fixedpoint.QuantizeRate(adjusted)
}

// Calculate runs the pricing pipeline: rate adjustment with the min-rate
// floor, time proration, borrow cost, markup, transaction fee, total.
// Intermediates stay at full precision; money values are quantized at the
// boundary, so the breakdown sums to the total exactly.
func Calculate(in Input) (domain.CalculationResult, error) {
	var result domain.CalculationResult

	result.BaseBorrowRate = in.Rates.BaseRate

	adjusted := in.Rates.BaseRate
	if in.Rates.VolatilityIndex != nil {
		adj := fixedpoint.Clamp(
			in.Rates.VolatilityIndex.Mul(volatilityMultiplier),
			decimal.Zero, volatilityAdjustmentCap,
		)
		adjusted = adjusted.Add(adj)
		q := fixedpoint.QuantizeRate(adj)
		result.VolatilityAdjustment = &q
	}
	if in.Rates.EventRiskFactor != nil {
		adj := decimal.NewFromInt(int64(*in.Rates.EventRiskFactor)).Mul(eventRiskStep)
		adjusted = adjusted.Add(adj)
		q := fixedpoint.QuantizeRate(adj)
		result.EventRiskAdjustment = &q
	}

	finalRate := adjusted
	if finalRate.LessThan(in.Ticker.MinBorrowRate) {
		finalRate = in.Ticker.MinBorrowRate
	}

	timeFactor := fixedpoint.TimeFactor(in.Request.LoanDays)
	periodRate := fixedpoint.AnnualizeToPeriod(finalRate, in.Request.LoanDays)

	borrowCost := fixedpoint.QuantizeMoney(in.Request.PositionValue.Mul(periodRate))
	markup := fixedpoint.QuantizeMoney(borrowCost.Mul(in.Broker.MarkupPercentage.Div(hundred)))

	var txnFees decimal.Decimal
	switch in.Broker.TransactionFeeType {
	case domain.FeeFlat:
		txnFees = fixedpoint.QuantizeMoney(in.Broker.TransactionAmount)
	case domain.FeePercentage:
		txnFees = fixedpoint.QuantizeMoney(in.Request.PositionValue.Mul(in.Broker.TransactionAmount.Div(hundred)))
	default:
		return result, domain.Ef(domain.CodeCalculation, "unknown transaction fee type %q", in.Broker.TransactionFeeType)
	}

	total := borrowCost.Add(markup).Add(txnFees)

	result.Breakdown = domain.FeeBreakdown{
		BorrowCost:      borrowCost,
		Markup:          markup,
		TransactionFees: txnFees,
	}
	result.TotalFee = total
	result.BorrowRateUsed = fixedpoint.QuantizeRate(finalRate)
	result.AnnualizedRate = fixedpoint.QuantizeRate(adjusted)
	result.TimeFactor = timeFactor

	// Sum identity holds by construction; a mismatch means a bug, not
	// bad input.
	if !result.Breakdown.BorrowCost.Add(result.Breakdown.Markup).Add(result.Breakdown.TransactionFees).Equal(result.TotalFee) {
		return result, domain.E(domain.CodeCalculation, "fee breakdown does not sum to total")
	}

	return result, nil
}
