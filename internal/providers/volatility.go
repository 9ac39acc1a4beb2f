package providers

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/net/circuit"
)

// VolatilityClient talks to the market volatility API.
type VolatilityClient struct {
	c *client
}

// NewVolatilityClient builds the client over the given breaker.
func NewVolatilityClient(cfg Config, breaker *circuit.Breaker) *VolatilityClient {
	if cfg.Name == "" {
		cfg.Name = "volatility_api"
	}
	return &VolatilityClient{c: newClient(cfg, breaker)}
}

type volatilityResponse struct {
	Ticker          string          `json:"ticker"`
	VolatilityIndex decimal.Decimal `json:"volatility_index"`
	EventRiskFactor int             `json:"event_risk_factor"`
	Timestamp       string          `json:"timestamp"`
}

// FetchVolatility returns the current volatility index for ticker with
// api provenance.
func (vc *VolatilityClient) FetchVolatility(ctx context.Context, ticker string) (decimal.Decimal, domain.DataSource, error) {
	var resp volatilityResponse
	info, err := vc.c.getJSON(ctx, "/api/market/volatility/"+ticker, &resp)
	if err != nil {
		return decimal.Zero, domain.DataSource{}, err
	}
	return resp.VolatilityIndex, vc.c.source(info), nil
}
