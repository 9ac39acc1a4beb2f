package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/cache"
	"github.com/borrowdesk/locatefee/internal/domain"
)

// Fallback source names, stable for audit analysis.
const (
	sourceStaleCache    = "stale_cache"
	sourceTickerMinRate = "min_borrow_rate"
	sourceGlobalMinRate = "global_min_borrow_rate"
	sourceAbsent        = "absent"
)

// resolveRates fans out the three signal resolutions and joins before
// returning. Volatility and event risk degrade to absence; only the
// borrow rate can fail the request, and only when every fallback rung
// is exhausted.
func (s *Service) resolveRates(ctx context.Context, ticker domain.Ticker) (domain.RateContext, error) {
	var (
		wg sync.WaitGroup
		rc domain.RateContext

		baseErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		rc.BaseRate, rc.BaseRateSource, baseErr = s.resolveBorrowRate(ctx, ticker)
	}()
	go func() {
		defer wg.Done()
		rc.VolatilityIndex, rc.VolatilitySource = s.resolveVolatility(ctx, ticker.Symbol)
	}()
	go func() {
		defer wg.Done()
		rc.EventRiskFactor, rc.EventRiskSource = s.resolveEventRisk(ctx, ticker.Symbol)
	}()
	wg.Wait()

	if baseErr != nil {
		return domain.RateContext{}, baseErr
	}
	return rc, nil
}

// resolveBorrowRate walks cache -> provider -> stale cache -> ticker
// minimum -> global minimum.
func (s *Service) resolveBorrowRate(ctx context.Context, ticker domain.Ticker) (decimal.Decimal, domain.DataSource, error) {
	key := cache.BorrowRateKey(ticker.Symbol)

	if rate, src, ok := s.cachedDecimal(ctx, key); ok {
		return rate, src, nil
	}

	rate, src, err := s.borrow.FetchBorrowRate(ctx, ticker.Symbol)
	if err == nil {
		s.writeCache(ctx, key, rate, src.SourceName)
		return rate, src, nil
	}
	log.Warn().
		Err(err).
		Str("ticker", ticker.Symbol).
		Msg("borrow rate fetch failed, applying fallback policy")

	if rate, src, ok := s.staleDecimal(ctx, key, "borrow rate provider unavailable"); ok {
		s.fallback("borrow_rate", src.SourceName)
		return rate, src, nil
	}

	if ticker.MinBorrowRate.IsPositive() {
		s.fallback("borrow_rate", sourceTickerMinRate)
		return ticker.MinBorrowRate, fallbackSource(sourceTickerMinRate,
			"borrow rate provider unavailable, using ticker minimum"), nil
	}

	if s.cfg.GlobalMinBorrowRate.IsPositive() {
		s.fallback("borrow_rate", sourceGlobalMinRate)
		return s.cfg.GlobalMinBorrowRate, fallbackSource(sourceGlobalMinRate,
			"borrow rate provider unavailable, using configured global minimum"), nil
	}

	return decimal.Zero, domain.DataSource{}, domain.Wrap(domain.CodeExternalAPI,
		"borrow rate unavailable and no fallback rate is configured", err)
}

// resolveVolatility walks cache -> provider -> stale cache -> absent.
// Absence never fails the request; the calculation simply carries no
// volatility adjustment.
func (s *Service) resolveVolatility(ctx context.Context, symbol string) (*decimal.Decimal, *domain.DataSource) {
	key := cache.VolatilityKey(symbol)

	if v, src, ok := s.cachedDecimal(ctx, key); ok {
		return &v, &src
	}

	v, src, err := s.vol.FetchVolatility(ctx, symbol)
	if err == nil {
		s.writeCache(ctx, key, v, src.SourceName)
		return &v, &src
	}
	log.Warn().Err(err).Str("ticker", symbol).Msg("volatility fetch failed, applying fallback policy")

	if v, src, ok := s.staleDecimal(ctx, key, "volatility provider unavailable"); ok {
		s.fallback("volatility", src.SourceName)
		return &v, &src
	}

	s.fallback("volatility", sourceAbsent)
	src = fallbackSource(sourceAbsent, "volatility unavailable, no adjustment applied")
	return nil, &src
}

// resolveEventRisk walks cache -> provider -> stale cache -> absent.
func (s *Service) resolveEventRisk(ctx context.Context, symbol string) (*int, *domain.DataSource) {
	key := cache.EventRiskKey(symbol)

	if entry, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var factor int
		if derr := entry.Decode(&factor); derr == nil {
			src := cacheSource(entry, key)
			return &factor, &src
		}
	}

	factor, src, err := s.events.FetchEventRisk(ctx, symbol)
	if err == nil {
		s.writeCache(ctx, key, factor, src.SourceName)
		return &factor, &src
	}
	log.Warn().Err(err).Str("ticker", symbol).Msg("event risk fetch failed, applying fallback policy")

	if entry, ok, serr := s.cache.GetStale(ctx, key, staleWindow(key)); serr == nil && ok {
		var stale int
		if derr := entry.Decode(&stale); derr == nil {
			s.fallback("event_risk", sourceStaleCache)
			ssrc := staleSource(entry, "event risk provider unavailable")
			return &stale, &ssrc
		}
	}

	s.fallback("event_risk", sourceAbsent)
	asrc := fallbackSource(sourceAbsent, "event risk unavailable, no adjustment applied")
	return nil, &asrc
}

// cachedDecimal reads a fresh decimal value from the cache with cache
// provenance.
func (s *Service) cachedDecimal(ctx context.Context, key string) (decimal.Decimal, domain.DataSource, bool) {
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return decimal.Zero, domain.DataSource{}, false
	}
	var v decimal.Decimal
	if err := entry.Decode(&v); err != nil {
		return decimal.Zero, domain.DataSource{}, false
	}
	return v, cacheSource(entry, key), true
}

// staleDecimal reads an expired-but-retained decimal value for the
// fallback policy.
func (s *Service) staleDecimal(ctx context.Context, key, reason string) (decimal.Decimal, domain.DataSource, bool) {
	entry, ok, err := s.cache.GetStale(ctx, key, staleWindow(key))
	if err != nil || !ok {
		return decimal.Zero, domain.DataSource{}, false
	}
	var v decimal.Decimal
	if err := entry.Decode(&v); err != nil {
		return decimal.Zero, domain.DataSource{}, false
	}
	return v, staleSource(entry, reason), true
}

func (s *Service) writeCache(ctx context.Context, key string, v any, source string) {
	entry, err := cache.NewEntry(v, source)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, entry, 0); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (s *Service) fallback(field, source string) {
	if s.obs != nil {
		s.obs.FallbackApplied(field, source)
	}
}

// staleWindow is how far back a stale read may reach: the retention
// window for the key's default TTL.
func staleWindow(key string) time.Duration {
	return cache.StalenessFactor * cache.DefaultTTL(key)
}

func cacheSource(entry cache.Entry, key string) domain.DataSource {
	return domain.DataSource{
		SourceName: entry.Source,
		SourceType: domain.SourceCache,
		Timestamp:  entry.Timestamp,
		Metadata: domain.SourceMetadata{
			CacheHit:   true,
			TTLSeconds: int64(entry.EffectiveTTL(key).Seconds()),
		},
	}
}

func staleSource(entry cache.Entry, reason string) domain.DataSource {
	return domain.DataSource{
		SourceName: sourceStaleCache,
		SourceType: domain.SourceCache,
		IsFallback: true,
		Timestamp:  entry.Timestamp,
		Metadata: domain.SourceMetadata{
			CacheHit: true,
			Reason:   reason,
		},
	}
}

func fallbackSource(name, reason string) domain.DataSource {
	return domain.DataSource{
		SourceName: name,
		SourceType: domain.SourceFallback,
		IsFallback: true,
		Timestamp:  time.Now().UTC(),
		Metadata:   domain.SourceMetadata{Reason: reason},
	}
}
