package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borrowdesk/locatefee/internal/audit"
	"github.com/borrowdesk/locatefee/internal/cache"
	"github.com/borrowdesk/locatefee/internal/domain"
)

type fakeTickers struct {
	tickers map[string]domain.Ticker
	calls   int32
}

func (f *fakeTickers) GetBySymbol(_ context.Context, symbol string) (domain.Ticker, error) {
	atomic.AddInt32(&f.calls, 1)
	t, ok := f.tickers[symbol]
	if !ok {
		return domain.Ticker{}, domain.Ef(domain.CodeTickerNotFound, "ticker %s is not registered", symbol)
	}
	return t, nil
}

type fakeBrokers struct {
	brokers map[string]domain.BrokerConfig
	calls   int32
}

func (f *fakeBrokers) GetByClientID(_ context.Context, clientID string) (domain.BrokerConfig, error) {
	atomic.AddInt32(&f.calls, 1)
	b, ok := f.brokers[clientID]
	if !ok {
		return domain.BrokerConfig{}, domain.Ef(domain.CodeClientNotFound, "client %s is not registered", clientID)
	}
	return b, nil
}

type fakeBorrow struct {
	rate  decimal.Decimal
	err   error
	calls int32
	block chan struct{} // if set, FetchBorrowRate waits on it
}

func (f *fakeBorrow) FetchBorrowRate(context.Context, string) (decimal.Decimal, domain.DataSource, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return decimal.Zero, domain.DataSource{}, f.err
	}
	return f.rate, domain.DataSource{
		SourceName: "borrow_rate_api",
		SourceType: domain.SourceAPI,
		Timestamp:  time.Now().UTC(),
	}, nil
}

type fakeVol struct {
	index decimal.Decimal
	err   error
	calls int32
}

func (f *fakeVol) FetchVolatility(context.Context, string) (decimal.Decimal, domain.DataSource, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return decimal.Zero, domain.DataSource{}, f.err
	}
	return f.index, domain.DataSource{
		SourceName: "volatility_api",
		SourceType: domain.SourceAPI,
		Timestamp:  time.Now().UTC(),
	}, nil
}

type fakeEvents struct {
	factor int
	err    error
	calls  int32
}

func (f *fakeEvents) FetchEventRisk(context.Context, string) (int, domain.DataSource, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return 0, domain.DataSource{}, f.err
	}
	return f.factor, domain.DataSource{
		SourceName: "event_calendar_api",
		SourceType: domain.SourceAPI,
		Timestamp:  time.Now().UTC(),
	}, nil
}

type fakeSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeSink) Record(_ context.Context, e audit.Entry) (domain.AuditRecord, audit.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return domain.AuditRecord{
		AuditID:     "audit-1",
		Timestamp:   time.Now().UTC(),
		DataSources: e.Rates.Sources(),
	}, audit.StatePersisted, nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type harness struct {
	tickers *fakeTickers
	brokers *fakeBrokers
	borrow  *fakeBorrow
	vol     *fakeVol
	events  *fakeEvents
	sink    *fakeSink
	cache   *cache.Memory
	svc     *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		tickers: &fakeTickers{tickers: map[string]domain.Ticker{
			"AAPL": {Symbol: "AAPL", MinBorrowRate: decimal.RequireFromString("0.02")},
			"GME":  {Symbol: "GME", MinBorrowRate: decimal.RequireFromString("0.50")},
		}},
		brokers: &fakeBrokers{brokers: map[string]domain.BrokerConfig{
			"client123": {
				ClientID:           "client123",
				MarkupPercentage:   decimal.RequireFromString("5"),
				TransactionFeeType: domain.FeeFlat,
				TransactionAmount:  decimal.RequireFromString("25.00"),
				Active:             true,
			},
			"inactive1": {ClientID: "inactive1", Active: false},
		}},
		borrow: &fakeBorrow{rate: decimal.RequireFromString("0.05")},
		vol:    &fakeVol{index: decimal.RequireFromString("1.5")},
		events: &fakeEvents{factor: 2},
		sink:   &fakeSink{},
		cache:  cache.NewMemory(time.Minute),
	}
	t.Cleanup(h.cache.Close)

	h.svc = NewService(cfg, Deps{
		Tickers: h.tickers,
		Brokers: h.brokers,
		Borrow:  h.borrow,
		Vol:     h.vol,
		Events:  h.events,
		Cache:   h.cache,
		Sink:    h.sink,
	})
	return h
}

func validRequest() domain.CalculationRequest {
	return domain.CalculationRequest{
		Ticker:        "AAPL",
		PositionValue: decimal.RequireFromString("100000"),
		LoanDays:      30,
		ClientID:      "client123",
	}
}

func TestCalculate_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})

	resp, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{CorrelationID: "corr-1"})
	require.NoError(t, err)

	// base 0.05 + vol 1.5*0.01 + event 2*0.005 = 0.075 annualized
	assert.True(t, resp.TotalFee.Equal(decimal.RequireFromString("672.26")), "total %s", resp.TotalFee)
	assert.True(t, resp.Breakdown.BorrowCost.Equal(decimal.RequireFromString("616.44")))
	assert.True(t, resp.Breakdown.Markup.Equal(decimal.RequireFromString("30.82")))
	assert.True(t, resp.Breakdown.TransactionFees.Equal(decimal.RequireFromString("25.00")))
	assert.True(t, resp.BorrowRateUsed.Equal(decimal.RequireFromString("0.075")))

	assert.Equal(t, "audit-1", resp.AuditID)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, 1, h.sink.count())
	require.Len(t, resp.DataSources, 3)
	for _, ds := range resp.DataSources {
		assert.False(t, ds.IsFallback)
		assert.Equal(t, domain.SourceAPI, ds.SourceType)
	}
}

func TestCalculate_ValidationStopsBeforeAnyLookup(t *testing.T) {
	h := newHarness(t, Config{})

	req := validRequest()
	req.LoanDays = 0

	_, err := h.svc.Calculate(context.Background(), req, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	assert.Zero(t, atomic.LoadInt32(&h.tickers.calls))
	assert.Zero(t, atomic.LoadInt32(&h.brokers.calls))
	assert.Zero(t, atomic.LoadInt32(&h.borrow.calls))
	assert.Zero(t, h.sink.count())
}

func TestCalculate_InactiveClientNoAuditRecord(t *testing.T) {
	h := newHarness(t, Config{})

	req := validRequest()
	req.ClientID = "inactive1"

	_, err := h.svc.Calculate(context.Background(), req, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeClientInactive, domain.CodeOf(err))

	assert.Zero(t, atomic.LoadInt32(&h.borrow.calls), "no provider call for a rejected client")
	assert.Zero(t, h.sink.count(), "rejected requests leave no audit record")
}

func TestCalculate_UnknownTicker(t *testing.T) {
	h := newHarness(t, Config{})

	req := validRequest()
	req.Ticker = "ZZZZ"

	_, err := h.svc.Calculate(context.Background(), req, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeTickerNotFound, domain.CodeOf(err))
	assert.Zero(t, h.sink.count())
}

func TestCalculate_MinRateFallbackWhenProviderDown(t *testing.T) {
	h := newHarness(t, Config{})
	h.borrow.err = errors.New("connection refused")

	req := validRequest()
	req.Ticker = "GME" // min borrow rate 0.50

	resp, err := h.svc.Calculate(context.Background(), req, RequestMeta{})
	require.NoError(t, err, "provider outage recovers through the fallback policy")

	require.Len(t, resp.DataSources, 3)
	borrowSrc := resp.DataSources[0]
	assert.Equal(t, "borrow_rate", borrowSrc.Field)
	assert.True(t, borrowSrc.IsFallback)
	assert.Equal(t, "min_borrow_rate", borrowSrc.SourceName)
	assert.NotEmpty(t, borrowSrc.Metadata.Reason)

	// floor 0.50 + vol 0.015 + event 0.01
	assert.True(t, resp.BorrowRateUsed.Equal(decimal.RequireFromString("0.525")), "rate %s", resp.BorrowRateUsed)
	assert.Equal(t, 1, h.sink.count(), "fallback calculations are audited")
}

func TestCalculate_StaleCacheBeatsMinRate(t *testing.T) {
	h := newHarness(t, Config{})
	h.borrow.err = errors.New("timeout")

	// An expired borrow rate inside the retention window.
	raw, _ := json.Marshal(decimal.RequireFromString("0.07"))
	stale := cache.Entry{
		Value:     raw,
		Timestamp: time.Now().UTC().Add(-7 * time.Minute), // TTL 5m, retained 10m
		Source:    "borrow_rate_api",
	}
	require.NoError(t, h.cache.Set(context.Background(), cache.BorrowRateKey("AAPL"), stale, 0))

	resp, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	borrowSrc := resp.DataSources[0]
	assert.Equal(t, "stale_cache", borrowSrc.SourceName)
	assert.True(t, borrowSrc.IsFallback)
	assert.Equal(t, domain.SourceCache, borrowSrc.SourceType)
	// base 0.07 + 0.015 + 0.01 = 0.095
	assert.True(t, resp.BorrowRateUsed.Equal(decimal.RequireFromString("0.095")), "rate %s", resp.BorrowRateUsed)
}

func TestCalculate_GlobalMinimumIsLastRung(t *testing.T) {
	h := newHarness(t, Config{GlobalMinBorrowRate: decimal.RequireFromString("0.01")})
	h.borrow.err = errors.New("connection refused")
	h.tickers.tickers["NMIN"] = domain.Ticker{Symbol: "NMIN"} // zero min rate

	req := validRequest()
	req.Ticker = "NMIN"

	resp, err := h.svc.Calculate(context.Background(), req, RequestMeta{})
	require.NoError(t, err)

	borrowSrc := resp.DataSources[0]
	assert.Equal(t, "global_min_borrow_rate", borrowSrc.SourceName)
	assert.True(t, borrowSrc.IsFallback)
}

func TestCalculate_BorrowRateExhaustionFailsRequest(t *testing.T) {
	h := newHarness(t, Config{}) // no global minimum configured
	h.borrow.err = errors.New("connection refused")
	h.tickers.tickers["NMIN"] = domain.Ticker{Symbol: "NMIN"}

	req := validRequest()
	req.Ticker = "NMIN"

	_, err := h.svc.Calculate(context.Background(), req, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeExternalAPI, domain.CodeOf(err))
	assert.Zero(t, h.sink.count())
}

func TestCalculate_VolatilityAndEventRiskDegradeToAbsence(t *testing.T) {
	h := newHarness(t, Config{})
	h.vol.err = errors.New("503")
	h.events.err = errors.New("503")

	resp, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	assert.Nil(t, resp.VolatilityAdjustment)
	assert.Nil(t, resp.EventRiskAdjustment)
	// base rate only
	assert.True(t, resp.BorrowRateUsed.Equal(decimal.RequireFromString("0.05")))

	require.Len(t, resp.DataSources, 3)
	assert.Equal(t, "absent", resp.DataSources[1].SourceName)
	assert.True(t, resp.DataSources[1].IsFallback)
	assert.Equal(t, "absent", resp.DataSources[2].SourceName)
	assert.True(t, resp.DataSources[2].IsFallback)
}

func TestCalculate_CachedSignalsSkipProviders(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	resp, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.borrow.calls), "second request served from cache")
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.vol.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.events.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.brokers.calls))

	borrowSrc := resp.DataSources[0]
	assert.Equal(t, domain.SourceCache, borrowSrc.SourceType)
	assert.True(t, borrowSrc.Metadata.CacheHit)
	assert.False(t, borrowSrc.IsFallback, "a fresh cache hit is not a fallback")

	assert.Equal(t, 2, h.sink.count(), "every calculation is audited, cached or not")
}

func TestCalculate_ResultCacheStillAudits(t *testing.T) {
	h := newHarness(t, Config{CacheResults: true})

	first, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	second, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	assert.True(t, first.TotalFee.Equal(second.TotalFee))
	assert.Equal(t, 2, h.sink.count())
	require.Len(t, second.DataSources, 3, "cached results keep their original provenance")
}

func TestCalculate_ConcurrencyLimiterReturnsBusy(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1})
	h.borrow.block = make(chan struct{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
		done <- err
	}()
	<-started
	// Wait for the in-flight request to reach the blocked fetch.
	for atomic.LoadInt32(&h.borrow.calls) == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := h.svc.Calculate(context.Background(), validRequest(), RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeBusy, domain.CodeOf(err))

	close(h.borrow.block)
	require.NoError(t, <-done)
}

func TestRates(t *testing.T) {
	h := newHarness(t, Config{})

	rates, err := h.svc.Rates(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", rates.Ticker)
	assert.True(t, rates.BaseRate.Equal(decimal.RequireFromString("0.05")))
	require.NotNil(t, rates.VolatilityIndex)
	require.NotNil(t, rates.EventRiskFactor)
	assert.Equal(t, 2, *rates.EventRiskFactor)
	assert.True(t, rates.EffectiveRate.Equal(decimal.RequireFromString("0.075")), "rate %s", rates.EffectiveRate)
	assert.Len(t, rates.DataSources, 3)
	assert.Zero(t, h.sink.count(), "rate lookups are not audited")
}

func TestRates_InvalidTicker(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.svc.Rates(context.Background(), "bad ticker")
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
	assert.Zero(t, atomic.LoadInt32(&h.tickers.calls))
}
