package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/engine"
	"github.com/borrowdesk/locatefee/internal/fixedpoint"
)

// TickerRates is the current rate picture for one ticker, without any
// broker-specific pricing applied.
type TickerRates struct {
	Ticker          string               `json:"ticker"`
	BaseRate        decimal.Decimal      `json:"base_rate"`
	VolatilityIndex *decimal.Decimal     `json:"volatility_index,omitempty"`
	EventRiskFactor *int                 `json:"event_risk_factor,omitempty"`
	EffectiveRate   decimal.Decimal      `json:"effective_rate"`
	MinBorrowRate   decimal.Decimal      `json:"min_borrow_rate"`
	DataSources     []domain.FieldSource `json:"data_sources"`
	Timestamp       time.Time            `json:"timestamp"`
}

// Rates resolves the current borrow rate picture for a ticker: base
// rate plus adjustments with the min-rate floor, through the same
// cache-first resolution and fallback policy as a full calculation.
func (s *Service) Rates(ctx context.Context, symbol string) (TickerRates, error) {
	if !domain.ValidTicker(symbol) {
		return TickerRates{}, domain.Validation("ticker", "must be 1-5 uppercase letters")
	}

	ticker, err := s.tickers.GetBySymbol(ctx, symbol)
	if err != nil {
		return TickerRates{}, err
	}

	rates, err := s.resolveRates(ctx, ticker)
	if err != nil {
		return TickerRates{}, err
	}

	return TickerRates{
		Ticker:          ticker.Symbol,
		BaseRate:        fixedpoint.QuantizeRate(rates.BaseRate),
		VolatilityIndex: rates.VolatilityIndex,
		EventRiskFactor: rates.EventRiskFactor,
		EffectiveRate:   engine.EffectiveRate(ticker, rates),
		MinBorrowRate:   ticker.MinBorrowRate,
		DataSources:     rates.Sources(),
		Timestamp:       time.Now().UTC(),
	}, nil
}
