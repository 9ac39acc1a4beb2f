package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borrowdesk/locatefee/internal/net/circuit"
	"github.com/borrowdesk/locatefee/internal/providers"
)

func counterValue(t *testing.T, r *Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestRegistry_ProviderAndFallbackCounters(t *testing.T) {
	r := NewRegistry()

	r.ObserveProviderCall("borrow_rate_api", "success", 120*time.Millisecond)
	r.ObserveProviderCall("borrow_rate_api", "error", 5*time.Second)
	r.FallbackApplied("borrow_rate", "min_borrow_rate")
	r.FallbackApplied("borrow_rate", "min_borrow_rate")

	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_provider_calls_total",
		map[string]string{"provider": "borrow_rate_api", "outcome": "success"}))
	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_provider_calls_total",
		map[string]string{"provider": "borrow_rate_api", "outcome": "error"}))
	assert.Equal(t, 2.0, counterValue(t, r, "locatefee_fallback_substitutions_total",
		map[string]string{"field": "borrow_rate", "source": "min_borrow_rate"}))
}

func histogramCount(t *testing.T, r *Registry, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

// A provider client wired with the registry as its observer must move
// the call counter and latency histogram on its own.
func TestRegistry_InstrumentsProviderClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ticker":"AAPL","rate":0.05,"status":"EASY","timestamp":"2026-08-24T10:00:00Z"}`)
	}))
	defer srv.Close()

	r := NewRegistry()
	client := providers.NewBorrowRateClient(providers.Config{
		Name:     "borrow_rate_api",
		BaseURL:  srv.URL,
		Observer: r,
	}, circuit.NewBreaker(circuit.DefaultConfig()))

	_, _, err := client.FetchBorrowRate(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_provider_calls_total",
		map[string]string{"provider": "borrow_rate_api", "outcome": "success"}))
	assert.Equal(t, uint64(1), histogramCount(t, r, "locatefee_provider_latency_seconds",
		map[string]string{"provider": "borrow_rate_api"}))
}

func TestRegistry_CacheAndBreaker(t *testing.T) {
	r := NewRegistry()

	r.ObserveCache("local", true)
	r.ObserveCache("local", false)
	r.ObserveCache("redis", true)
	r.SetBreakerState("volatility_api", 2)

	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_cache_hits_total", map[string]string{"tier": "local"}))
	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_cache_misses_total", map[string]string{"tier": "local"}))
	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_cache_hits_total", map[string]string{"tier": "redis"}))
	assert.Equal(t, 2.0, counterValue(t, r, "locatefee_circuit_state", map[string]string{"provider": "volatility_api"}))
}

func TestRegistry_AuditAlarm(t *testing.T) {
	r := NewRegistry()

	r.AuditPersistFailed()
	r.AuditPersistFailed()
	r.AuditBuffered()
	r.CalculationServed(false)
	r.CalculationServed(true)

	assert.Equal(t, 2.0, counterValue(t, r, "locatefee_audit_persist_failures_total", nil))
	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_audit_buffered_total", nil))
	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_calculations_total", map[string]string{"path": "engine"}))
	assert.Equal(t, 1.0, counterValue(t, r, "locatefee_calculations_total", map[string]string{"path": "cache"}))
}
