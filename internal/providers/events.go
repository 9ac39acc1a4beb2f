package providers

import (
	"context"
	"time"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/net/circuit"
)

// MaxEventRiskFactor caps the event risk contribution.
const MaxEventRiskFactor = 10

// EventCalendarClient talks to the corporate event calendar API.
type EventCalendarClient struct {
	c   *client
	now func() time.Time
}

// NewEventCalendarClient builds the client over the given breaker.
func NewEventCalendarClient(cfg Config, breaker *circuit.Breaker) *EventCalendarClient {
	if cfg.Name == "" {
		cfg.Name = "event_calendar_api"
	}
	return &EventCalendarClient{c: newClient(cfg, breaker), now: time.Now}
}

type eventEntry struct {
	Type       string    `json:"type"`
	Date       time.Time `json:"date"`
	RiskFactor int       `json:"risk_factor"`
}

type eventsResponse struct {
	Ticker    string       `json:"ticker"`
	Events    []eventEntry `json:"events"`
	Timestamp string       `json:"timestamp"`
}

// FetchEventRisk returns the event risk factor for ticker: the maximum
// risk_factor over future events, capped at 10. A ticker with no future
// events has factor 0.
func (ec *EventCalendarClient) FetchEventRisk(ctx context.Context, ticker string) (int, domain.DataSource, error) {
	var resp eventsResponse
	info, err := ec.c.getJSON(ctx, "/api/events/"+ticker, &resp)
	if err != nil {
		return 0, domain.DataSource{}, err
	}

	now := ec.now()
	factor := 0
	for _, ev := range resp.Events {
		if ev.Date.Before(now) {
			continue
		}
		if ev.RiskFactor > factor {
			factor = ev.RiskFactor
		}
	}
	if factor > MaxEventRiskFactor {
		factor = MaxEventRiskFactor
	}
	return factor, ec.c.source(info), nil
}
