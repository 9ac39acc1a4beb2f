// Package http is the thin HTTP adapter over the pricing coordinator
// and the audit store: gorilla/mux routing, API-key auth, per-key rate
// limiting and correlation-ID propagation. The core shapes live in the
// inner packages; nothing here computes.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/borrowdesk/locatefee/internal/application/pricing"
	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/persistence"
)

// Calculator is the coordinator surface the handlers need.
type Calculator interface {
	Calculate(ctx context.Context, req domain.CalculationRequest, meta pricing.RequestMeta) (pricing.Response, error)
	Rates(ctx context.Context, ticker string) (pricing.TickerRates, error)
}

// Config holds the server settings.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownGrace  time.Duration
	APIKeys        []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP surface.
type Server struct {
	router *mux.Router
	server *http.Server
	cfg    Config

	calc    Calculator
	audits  persistence.AuditRepo
	metrics http.Handler
	observe DurationObserver

	limiters *keyLimiters
}

// DurationObserver receives per-request route/status/latency samples.
// Implemented by the metrics registry; nil disables it.
type DurationObserver interface {
	ObserveRequest(route, status string, elapsed time.Duration)
}

// NewServer wires the routes and middleware. metricsHandler serves
// GET /metrics and may be nil; observer may be nil.
func NewServer(cfg Config, calc Calculator, audits persistence.AuditRepo, metricsHandler http.Handler, observer DurationObserver) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		cfg:     cfg,
		calc:    calc,
		audits:  audits,
		metrics: metricsHandler,
		observe: observer,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiters = newKeyLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.routes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.correlationMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Unauthenticated operational endpoints.
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/calculate-locate", s.handleCalculate).Methods(http.MethodPost)
	api.HandleFunc("/rates/{ticker}", s.handleRates).Methods(http.MethodGet)
	api.HandleFunc("/audit-records", s.handleAuditList).Methods(http.MethodGet)
	api.HandleFunc("/audit-records/{id}", s.handleAuditGet).Methods(http.MethodGet)

	s.router.NotFoundHandler = s.withCorrelation(http.HandlerFunc(s.handleNotFound))
	s.router.MethodNotAllowedHandler = s.withCorrelation(http.HandlerFunc(s.handleNotFound))
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests within the configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.server.Shutdown(ctx)
}
