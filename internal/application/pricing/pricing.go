// Package pricing is the request coordinator: it validates input,
// resolves broker and ticker reference data, fans out the external rate
// fetches with per-signal fallback, runs the calculation engine and
// hands the finished result to the audit sink. Everything request-scoped
// happens here; the surrounding HTTP layer is a thin adapter.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/audit"
	"github.com/borrowdesk/locatefee/internal/cache"
	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/engine"
	"github.com/borrowdesk/locatefee/internal/persistence"
)

// BorrowRateFetcher fetches the annualized borrow rate for a ticker.
type BorrowRateFetcher interface {
	FetchBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, domain.DataSource, error)
}

// VolatilityFetcher fetches the volatility index for a ticker.
type VolatilityFetcher interface {
	FetchVolatility(ctx context.Context, ticker string) (decimal.Decimal, domain.DataSource, error)
}

// EventRiskFetcher fetches the event risk factor for a ticker.
type EventRiskFetcher interface {
	FetchEventRisk(ctx context.Context, ticker string) (int, domain.DataSource, error)
}

// Auditor records finished calculations. Implemented by audit.Sink.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (domain.AuditRecord, audit.State, error)
}

// Observer receives coordinator-level signals. Implemented by the
// metrics layer; a nil observer disables it.
type Observer interface {
	FallbackApplied(field, source string)
	CalculationServed(cacheHit bool)
}

// Config tunes the coordinator.
type Config struct {
	// GlobalMinBorrowRate is the last-resort borrow rate when both the
	// providers and the ticker's own minimum cannot supply one.
	GlobalMinBorrowRate decimal.Decimal
	// MaxConcurrent bounds in-flight calculations. Zero disables the
	// limiter.
	MaxConcurrent int
	// CacheResults enables the short-lived calculation result cache.
	CacheResults bool
}

// Service is the pricing coordinator.
type Service struct {
	cfg     Config
	tickers persistence.TickerRepo
	brokers persistence.BrokerRepo
	borrow  BorrowRateFetcher
	vol     VolatilityFetcher
	events  EventRiskFetcher
	cache   cache.Strategy
	sink    Auditor
	obs     Observer

	sem chan struct{}
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Tickers  persistence.TickerRepo
	Brokers  persistence.BrokerRepo
	Borrow   BorrowRateFetcher
	Vol      VolatilityFetcher
	Events   EventRiskFetcher
	Cache    cache.Strategy
	Sink     Auditor
	Observer Observer
}

// NewService builds the coordinator. Deps.Cache may be cache.Null{};
// Deps.Observer may be nil.
func NewService(cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:     cfg,
		tickers: deps.Tickers,
		brokers: deps.Brokers,
		borrow:  deps.Borrow,
		vol:     deps.Vol,
		events:  deps.Events,
		cache:   deps.Cache,
		sink:    deps.Sink,
		obs:     deps.Observer,
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return s
}

// RequestMeta carries transport-level context into the audit record.
type RequestMeta struct {
	CorrelationID string
	RequestID     string
	UserAgent     string
	IPAddress     string
}

// Response is one finished calculation with its provenance and audit
// identity.
type Response struct {
	domain.CalculationResult

	Ticker        string               `json:"ticker"`
	PositionValue decimal.Decimal      `json:"position_value"`
	LoanDays      int                  `json:"loan_days"`
	ClientID      string               `json:"client_id"`
	DataSources   []domain.FieldSource `json:"data_sources"`
	AuditID       string               `json:"audit_id"`
	CorrelationID string               `json:"correlation_id"`
	Timestamp     time.Time            `json:"timestamp"`
}

// cachedCalculation is the wire shape of a cached calculation result.
// The stored provenance is reused verbatim so an audit record written
// from a cache hit still describes where the numbers actually came from.
type cachedCalculation struct {
	Result domain.CalculationResult `json:"result"`
	Rates  rateSnapshot             `json:"rates"`
}

// rateSnapshot is domain.RateContext in a json-stable form.
type rateSnapshot struct {
	BaseRate         decimal.Decimal    `json:"base_rate"`
	VolatilityIndex  *decimal.Decimal   `json:"volatility_index,omitempty"`
	EventRiskFactor  *int               `json:"event_risk_factor,omitempty"`
	BaseRateSource   domain.DataSource  `json:"base_rate_source"`
	VolatilitySource *domain.DataSource `json:"volatility_source,omitempty"`
	EventRiskSource  *domain.DataSource `json:"event_risk_source,omitempty"`
}

func snapshotOf(rc domain.RateContext) rateSnapshot {
	return rateSnapshot{
		BaseRate:         rc.BaseRate,
		VolatilityIndex:  rc.VolatilityIndex,
		EventRiskFactor:  rc.EventRiskFactor,
		BaseRateSource:   rc.BaseRateSource,
		VolatilitySource: rc.VolatilitySource,
		EventRiskSource:  rc.EventRiskSource,
	}
}

func (s rateSnapshot) context() domain.RateContext {
	return domain.RateContext{
		BaseRate:         s.BaseRate,
		VolatilityIndex:  s.VolatilityIndex,
		EventRiskFactor:  s.EventRiskFactor,
		BaseRateSource:   s.BaseRateSource,
		VolatilitySource: s.VolatilitySource,
		EventRiskSource:  s.EventRiskSource,
	}
}

// Calculate prices one locate fee request end to end. Validation and
// reference-data failures return before any provider call; external
// failures recover through the fallback policy; an audit failure never
// fails the response.
func (s *Service) Calculate(ctx context.Context, req domain.CalculationRequest, meta RequestMeta) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			return Response{}, domain.E(domain.CodeBusy, "server is at capacity, retry shortly")
		}
	}

	broker, ticker, err := s.resolveReferenceData(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if !broker.Active {
		return Response{}, domain.Ef(domain.CodeClientInactive, "client %s is inactive", req.ClientID)
	}

	if s.cfg.CacheResults {
		if resp, ok := s.fromResultCache(ctx, req, meta); ok {
			return resp, nil
		}
	}

	rates, err := s.resolveRates(ctx, ticker)
	if err != nil {
		return Response{}, err
	}

	result, err := engine.Calculate(engine.Input{
		Request: req,
		Ticker:  ticker,
		Broker:  broker,
		Rates:   rates,
	})
	if err != nil {
		return Response{}, err
	}

	if s.cfg.CacheResults {
		s.storeResultCache(ctx, req, result, rates)
	}
	if s.obs != nil {
		s.obs.CalculationServed(false)
	}
	return s.finish(ctx, req, meta, result, rates), nil
}

// resolveReferenceData loads the broker config (cache then database) and
// the ticker record concurrently.
func (s *Service) resolveReferenceData(ctx context.Context, req domain.CalculationRequest) (domain.BrokerConfig, domain.Ticker, error) {
	var (
		wg        sync.WaitGroup
		broker    domain.BrokerConfig
		brokerErr error
		ticker    domain.Ticker
		tickerErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		broker, brokerErr = s.resolveBroker(ctx, req.ClientID)
	}()
	go func() {
		defer wg.Done()
		ticker, tickerErr = s.tickers.GetBySymbol(ctx, req.Ticker)
	}()
	wg.Wait()

	if tickerErr != nil {
		return domain.BrokerConfig{}, domain.Ticker{}, tickerErr
	}
	if brokerErr != nil {
		return domain.BrokerConfig{}, domain.Ticker{}, brokerErr
	}
	return broker, ticker, nil
}

func (s *Service) resolveBroker(ctx context.Context, clientID string) (domain.BrokerConfig, error) {
	key := cache.BrokerConfigKey(clientID)

	if entry, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var broker domain.BrokerConfig
		if derr := entry.Decode(&broker); derr == nil {
			return broker, nil
		}
	}

	broker, err := s.brokers.GetByClientID(ctx, clientID)
	if err != nil {
		return domain.BrokerConfig{}, err
	}

	if entry, merr := cache.NewEntry(broker, "broker_db"); merr == nil {
		if serr := s.cache.Set(ctx, key, entry, 0); serr != nil {
			log.Warn().Err(serr).Str("client_id", clientID).Msg("broker config cache write failed")
		}
	}
	return broker, nil
}

// finish writes the audit record and shapes the response. The audit
// outcome is logged, never surfaced.
func (s *Service) finish(ctx context.Context, req domain.CalculationRequest, meta RequestMeta, result domain.CalculationResult, rates domain.RateContext) Response {
	rec, state, err := s.sink.Record(ctx, audit.Entry{
		Request:       req,
		Result:        result,
		Rates:         rates,
		CorrelationID: meta.CorrelationID,
		RequestID:     meta.RequestID,
		UserAgent:     meta.UserAgent,
		IPAddress:     meta.IPAddress,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("correlation_id", meta.CorrelationID).
			Str("audit_state", string(state)).
			Msg("audit persistence degraded")
	}

	return Response{
		CalculationResult: result,
		Ticker:            req.Ticker,
		PositionValue:     req.PositionValue,
		LoanDays:          req.LoanDays,
		ClientID:          req.ClientID,
		DataSources:       rec.DataSources,
		AuditID:           rec.AuditID,
		CorrelationID:     meta.CorrelationID,
		Timestamp:         rec.Timestamp,
	}
}

func (s *Service) fromResultCache(ctx context.Context, req domain.CalculationRequest, meta RequestMeta) (Response, bool) {
	key := cache.CalculationKey(req.Ticker, req.ClientID, req.PositionValue.String(), req.LoanDays)
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return Response{}, false
	}
	var cached cachedCalculation
	if err := entry.Decode(&cached); err != nil {
		return Response{}, false
	}
	if s.obs != nil {
		s.obs.CalculationServed(true)
	}
	return s.finish(ctx, req, meta, cached.Result, cached.Rates.context()), true
}

func (s *Service) storeResultCache(ctx context.Context, req domain.CalculationRequest, result domain.CalculationResult, rates domain.RateContext) {
	key := cache.CalculationKey(req.Ticker, req.ClientID, req.PositionValue.String(), req.LoanDays)
	entry, err := cache.NewEntry(cachedCalculation{Result: result, Rates: snapshotOf(rates)}, "engine")
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, entry, 0); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("calculation cache write failed")
	}
}
