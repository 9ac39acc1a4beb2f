package providers

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/net/circuit"
)

// BorrowRateClient talks to the lender borrow-rate API.
type BorrowRateClient struct {
	c *client
}

// NewBorrowRateClient builds the client over the given breaker.
func NewBorrowRateClient(cfg Config, breaker *circuit.Breaker) *BorrowRateClient {
	if cfg.Name == "" {
		cfg.Name = "borrow_rate_api"
	}
	return &BorrowRateClient{c: newClient(cfg, breaker)}
}

type borrowRateResponse struct {
	Ticker    string          `json:"ticker"`
	Rate      decimal.Decimal `json:"rate"`
	Status    string          `json:"status"` // EASY, MEDIUM, HARD
	Timestamp string          `json:"timestamp"`
}

// FetchBorrowRate returns the current annualized borrow rate for ticker
// with api provenance.
func (bc *BorrowRateClient) FetchBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, domain.DataSource, error) {
	var resp borrowRateResponse
	info, err := bc.c.getJSON(ctx, "/api/borrows/"+ticker, &resp)
	if err != nil {
		return decimal.Zero, domain.DataSource{}, err
	}
	if resp.Rate.IsNegative() {
		return decimal.Zero, domain.DataSource{}, &APIError{
			Provider: bc.c.cfg.Name, Kind: FailureMalformed, StatusCode: info.StatusCode,
		}
	}
	return resp.Rate, bc.c.source(info), nil
}
