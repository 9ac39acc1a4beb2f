// Package metrics holds the prometheus instrumentation: provider call
// outcomes and latency, cache tier hits/misses, circuit breaker states,
// fallback substitutions and audit persistence health. The registry
// doubles as the audit alarm and the coordinator observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all locatefee metrics on a dedicated prometheus
// registry.
type Registry struct {
	reg *prometheus.Registry

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	Fallbacks *prometheus.CounterVec

	Calculations *prometheus.CounterVec

	auditFailures prometheus.Counter
	auditBuffered prometheus.Counter

	RequestDuration *prometheus.HistogramVec
}

// NewRegistry creates the registry with every metric registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatefee_provider_calls_total",
				Help: "Upstream provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locatefee_provider_latency_seconds",
				Help:    "Upstream provider call latency in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatefee_cache_hits_total",
				Help: "Cache hits by tier",
			},
			[]string{"tier"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatefee_cache_misses_total",
				Help: "Cache misses by tier",
			},
			[]string{"tier"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "locatefee_circuit_state",
				Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),

		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatefee_fallback_substitutions_total",
				Help: "Fallback substitutions by field and substitute source",
			},
			[]string{"field", "source"},
		),

		Calculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatefee_calculations_total",
				Help: "Completed calculations by serving path",
			},
			[]string{"path"},
		),

		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "locatefee_audit_persist_failures_total",
				Help: "Audit records that failed the database append",
			},
		),

		auditBuffered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "locatefee_audit_buffered_total",
				Help: "Audit records diverted to the disk spool",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locatefee_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "status"},
		),
	}

	r.reg.MustRegister(
		r.ProviderCalls, r.ProviderLatency,
		r.CacheHits, r.CacheMisses,
		r.BreakerState,
		r.Fallbacks, r.Calculations,
		r.auditFailures, r.auditBuffered,
		r.RequestDuration,
	)
	return r
}

// Handler serves the registry for GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveProviderCall records one upstream call.
func (r *Registry) ObserveProviderCall(provider, outcome string, elapsed time.Duration) {
	r.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	r.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveCache records one cache lookup on a tier.
func (r *Registry) ObserveCache(tier string, hit bool) {
	if hit {
		r.CacheHits.WithLabelValues(tier).Inc()
	} else {
		r.CacheMisses.WithLabelValues(tier).Inc()
	}
}

// SetBreakerState publishes a breaker's state: 0 closed, 1 open,
// 2 half-open.
func (r *Registry) SetBreakerState(provider string, state int) {
	r.BreakerState.WithLabelValues(provider).Set(float64(state))
}

// FallbackApplied implements the coordinator observer.
func (r *Registry) FallbackApplied(field, source string) {
	r.Fallbacks.WithLabelValues(field, source).Inc()
}

// CalculationServed implements the coordinator observer.
func (r *Registry) CalculationServed(cacheHit bool) {
	path := "engine"
	if cacheHit {
		path = "cache"
	}
	r.Calculations.WithLabelValues(path).Inc()
}

// ObserveRequest records one HTTP request's duration.
func (r *Registry) ObserveRequest(route, status string, elapsed time.Duration) {
	r.RequestDuration.WithLabelValues(route, status).Observe(elapsed.Seconds())
}

// AuditPersistFailed implements the audit alarm.
func (r *Registry) AuditPersistFailed() { r.auditFailures.Inc() }

// AuditBuffered implements the audit alarm.
func (r *Registry) AuditBuffered() { r.auditBuffered.Inc() }
