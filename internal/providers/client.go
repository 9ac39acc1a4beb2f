// Package providers holds the HTTP clients for the three upstream data
// providers: borrow rates, market volatility and the event calendar.
// Each client shares a retrying core with bounded exponential backoff and
// a per-provider circuit breaker; every returned value carries an api
// provenance tag.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/net/circuit"
)

// Observer receives the outcome and latency of every upstream attempt.
// Implemented by the metrics registry; nil disables reporting.
type Observer interface {
	ObserveProviderCall(provider, outcome string, elapsed time.Duration)
}

// Config configures one provider client.
type Config struct {
	Name           string
	BaseURL        string
	Timeout        time.Duration // per-call deadline, default 5s
	MaxAttempts    int           // total attempts, default 3
	BackoffBase    time.Duration // default 100ms
	BackoffFactor  float64       // default 2
	JitterFraction float64       // default 0.25
	Observer       Observer
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.25
	}
}

// client is the shared retrying HTTP core.
type client struct {
	cfg     Config
	http    *http.Client
	breaker *circuit.Breaker
}

func newClient(cfg Config, breaker *circuit.Breaker) *client {
	cfg.applyDefaults()
	return &client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// callInfo describes the successful attempt for provenance metadata.
type callInfo struct {
	Endpoint   string
	StatusCode int
	Elapsed    time.Duration
}

// getJSON fetches path and decodes the body into out. Retries run inside
// a single breaker call, so one exhausted fetch counts as one breaker
// failure regardless of attempt count.
func (c *client) getJSON(ctx context.Context, path string, out any) (callInfo, error) {
	var info callInfo
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		info, callErr = c.getJSONWithRetry(ctx, path, out)
		return callErr
	})
	if errors.Is(err, circuit.ErrOpen) {
		return info, domain.Wrap(domain.CodeCircuitOpen,
			fmt.Sprintf("%s circuit is open", c.cfg.Name), err)
	}
	return info, err
}

func (c *client) getJSONWithRetry(ctx context.Context, path string, out any) (callInfo, error) {
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		info, err := c.attempt(ctx, url, out)
		if err == nil {
			if attempt > 1 {
				log.Debug().
					Str("provider", c.cfg.Name).
					Int("attempt", attempt).
					Msg("upstream call recovered after retry")
			}
			return info, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		log.Warn().
			Str("provider", c.cfg.Name).
			Str("endpoint", url).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("upstream call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return callInfo{}, &APIError{Provider: c.cfg.Name, Kind: FailureTimeout, cause: ctx.Err()}
		}
	}
	return callInfo{}, lastErr
}

// backoff computes the delay before the given attempt's retry:
// base * factor^(attempt-1), with +/-JitterFraction of jitter.
func (c *client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= c.cfg.BackoffFactor
	}
	jitter := 1 + c.cfg.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(d * jitter)
}

// attempt makes one upstream call and reports its outcome and latency
// to the observer. Every attempt counts, retries included.
func (c *client) attempt(ctx context.Context, url string, out any) (callInfo, error) {
	start := time.Now()
	info, err := c.do(ctx, url, out)
	c.observe(err, time.Since(start))
	return info, err
}

func (c *client) observe(err error, elapsed time.Duration) {
	if c.cfg.Observer == nil {
		return
	}
	outcome := "success"
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		outcome = apiErr.Kind.String()
	} else if err != nil {
		outcome = "error"
	}
	c.cfg.Observer.ObserveProviderCall(c.cfg.Name, outcome, elapsed)
}

func (c *client) do(ctx context.Context, url string, out any) (callInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return callInfo{}, &APIError{Provider: c.cfg.Name, Kind: FailureConnection, cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if cid := domain.CorrelationID(ctx); cid != "" {
		req.Header.Set(domain.CorrelationHeader, cid)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return callInfo{}, &APIError{Provider: c.cfg.Name, Kind: classifyTransport(err), cause: err}
	}
	defer resp.Body.Close()

	info := callInfo{Endpoint: url, StatusCode: resp.StatusCode, Elapsed: elapsed}

	switch {
	case resp.StatusCode >= 500:
		return info, &APIError{Provider: c.cfg.Name, Kind: FailureHTTPServer, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return info, &APIError{Provider: c.cfg.Name, Kind: FailureHTTPClient, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return info, &APIError{Provider: c.cfg.Name, Kind: FailureMalformed, StatusCode: resp.StatusCode, cause: err}
	}
	return info, nil
}

func classifyTransport(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureConnection
}

// source builds the api provenance tag for a successful call.
func (c *client) source(info callInfo) domain.DataSource {
	return domain.DataSource{
		SourceName: c.cfg.Name,
		SourceType: domain.SourceAPI,
		IsFallback: false,
		Timestamp:  time.Now().UTC(),
		Metadata: domain.SourceMetadata{
			Endpoint:       info.Endpoint,
			StatusCode:     info.StatusCode,
			ResponseTimeMS: info.Elapsed.Milliseconds(),
		},
	}
}
