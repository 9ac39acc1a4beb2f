// Package cache implements the two-tier key/value cache: a process-local
// tier in front of a shared Redis tier, with per-key-type TTLs and
// write-through semantics. Values are wrapped with their write timestamp
// and source so staleness can be checked regardless of backend-native
// expiration.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategy is the cache contract. Single-backend strategies (memory,
// redis) implement it directly; Tiered composes two of them; Null is the
// disabled no-op.
type Strategy interface {
	// Get returns the entry for key if present and within its TTL.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// GetStale returns the entry if it was written within maxAge, even
	// when its TTL has lapsed. Used by the fallback policy.
	GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry, bool, error)
	// Set stores the entry. ttl == 0 applies the key prefix default.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
}

// Entry wraps a stored value with its provenance and write time.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	// CustomTTLSeconds is set when the writer overrode the prefix
	// default. Fractional seconds are preserved.
	CustomTTLSeconds float64 `json:"custom_ttl,omitempty"`
}

// NewEntry wraps v for storage.
func NewEntry(v any, source string) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("cache entry marshal: %w", err)
	}
	return Entry{Value: raw, Timestamp: time.Now().UTC(), Source: source}, nil
}

// Decode unmarshals the wrapped value into out.
func (e Entry) Decode(out any) error {
	return json.Unmarshal(e.Value, out)
}

// EffectiveTTL resolves the entry's TTL: the writer's override if set,
// else the key prefix default.
func (e Entry) EffectiveTTL(key string) time.Duration {
	if e.CustomTTLSeconds > 0 {
		return time.Duration(e.CustomTTLSeconds * float64(time.Second))
	}
	return DefaultTTL(key)
}

// Expired reports whether the entry's TTL has lapsed at now.
func (e Entry) Expired(key string, now time.Time) bool {
	return now.Sub(e.Timestamp) > e.EffectiveTTL(key)
}

// Remaining returns the TTL left at now, which may be negative.
func (e Entry) Remaining(key string, now time.Time) time.Duration {
	return e.EffectiveTTL(key) - now.Sub(e.Timestamp)
}

// Key prefixes drive the default TTL and the cache layout. Keys are
// colon-separated and prefixed by data type.
const (
	PrefixBorrowRate   = "borrow_rate"
	PrefixVolatility   = "volatility"
	PrefixEventRisk    = "event_risk"
	PrefixBrokerConfig = "broker_config"
	PrefixCalculation  = "calculation"
)

var defaultTTLs = map[string]time.Duration{
	PrefixBorrowRate:   5 * time.Minute,
	PrefixVolatility:   15 * time.Minute,
	PrefixEventRisk:    time.Hour,
	PrefixBrokerConfig: 30 * time.Minute,
	PrefixCalculation:  time.Minute,
}

// fallbackTTL applies to keys with no registered prefix.
const fallbackTTL = time.Minute

// StalenessFactor widens the retention window beyond the TTL so the
// fallback policy can read stale values. Backends retain entries for
// StalenessFactor x TTL.
const StalenessFactor = 2

// DefaultTTL returns the TTL for a key based on its prefix.
func DefaultTTL(key string) time.Duration {
	prefix, _, _ := strings.Cut(key, ":")
	if ttl, ok := defaultTTLs[prefix]; ok {
		return ttl
	}
	return fallbackTTL
}

// RetentionWindow is how long a backend keeps an entry past its write
// time: the staleness window for fallback reads.
func RetentionWindow(key string, e Entry) time.Duration {
	return StalenessFactor * e.EffectiveTTL(key)
}

// BorrowRateKey builds the cache key for a ticker's borrow rate.
func BorrowRateKey(ticker string) string { return PrefixBorrowRate + ":" + ticker }

// VolatilityKey builds the cache key for a ticker's volatility index.
func VolatilityKey(ticker string) string { return PrefixVolatility + ":" + ticker }

// EventRiskKey builds the cache key for a ticker's event risk factor.
func EventRiskKey(ticker string) string { return PrefixEventRisk + ":" + ticker }

// BrokerConfigKey builds the cache key for a client's broker config.
func BrokerConfigKey(clientID string) string { return PrefixBrokerConfig + ":" + clientID }

// CalculationKey builds the cache key for a full calculation result.
func CalculationKey(ticker, clientID, position string, loanDays int) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", PrefixCalculation, ticker, clientID, position, loanDays)
}
