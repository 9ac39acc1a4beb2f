package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/borrowdesk/locatefee/internal/application/pricing"
	"github.com/borrowdesk/locatefee/internal/audit"
	"github.com/borrowdesk/locatefee/internal/cache"
	"github.com/borrowdesk/locatefee/internal/config"
	httpserver "github.com/borrowdesk/locatefee/internal/interfaces/http"
	"github.com/borrowdesk/locatefee/internal/net/circuit"
	"github.com/borrowdesk/locatefee/internal/persistence/postgres"
	"github.com/borrowdesk/locatefee/internal/providers"
	"github.com/borrowdesk/locatefee/internal/telemetry/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the locate fee HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	reg := metrics.NewRegistry()

	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	strategy, closeCache, err := buildCache(ctx, cfg.Cache, reg)
	if err != nil {
		return err
	}
	defer closeCache()

	breakers := circuit.NewRegistry()
	borrowClient := providers.NewBorrowRateClient(
		providerConfig("borrow_rate_api", cfg.Providers.BorrowRate, reg),
		breakers.Add("borrow_rate_api", circuitConfig(cfg.Providers.BorrowRate.Circuit)))
	volClient := providers.NewVolatilityClient(
		providerConfig("volatility_api", cfg.Providers.Volatility, reg),
		breakers.Add("volatility_api", circuitConfig(cfg.Providers.Volatility.Circuit)))
	eventClient := providers.NewEventCalendarClient(
		providerConfig("event_calendar_api", cfg.Providers.EventCalendar, reg),
		breakers.Add("event_calendar_api", circuitConfig(cfg.Providers.EventCalendar.Circuit)))

	auditRepo := postgres.NewAuditRepo(db, cfg.Database.QueryTimeout())
	sink := audit.NewSink(auditRepo, audit.NewSpool(cfg.Audit.SpoolPath), reg)

	minRate, err := cfg.Pricing.MinRate()
	if err != nil {
		return err
	}
	svc := pricing.NewService(
		pricing.Config{
			GlobalMinBorrowRate: minRate,
			MaxConcurrent:       cfg.Server.MaxConcurrent,
			CacheResults:        cfg.Cache.CacheCalculations,
		},
		pricing.Deps{
			Tickers:  postgres.NewTickerRepo(db, cfg.Database.QueryTimeout()),
			Brokers:  postgres.NewBrokerRepo(db, cfg.Database.QueryTimeout()),
			Borrow:   borrowClient,
			Vol:      volClient,
			Events:   eventClient,
			Cache:    strategy,
			Sink:     sink,
			Observer: reg,
		})

	srv := httpserver.NewServer(
		httpserver.Config{
			Addr:           cfg.Server.Addr,
			ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
			ShutdownGrace:  time.Duration(cfg.Server.ShutdownGraceMS) * time.Millisecond,
			APIKeys:        cfg.Server.APIKeys,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
		},
		svc, auditRepo, reg.Handler(), reg)

	// Publish breaker states to the gauge on a short cadence.
	stopStates := publishBreakerStates(breakers, reg)
	defer stopStates()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}
	return srv.Shutdown(context.Background())
}

func openDB(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required (or set LOCATEFEE_PG_DSN)")
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	return db, nil
}

// buildCache assembles the configured cache strategy and returns its
// cleanup func. Each tier is wrapped with hit/miss accounting.
func buildCache(ctx context.Context, cfg config.CacheConfig, obs cache.Observer) (cache.Strategy, func(), error) {
	janitor := time.Duration(cfg.JanitorSecs) * time.Second

	switch cfg.Mode {
	case "none":
		return cache.Null{}, func() {}, nil
	case "local":
		mem := cache.NewMemory(janitor)
		return cache.Instrument(mem, "local", obs), mem.Close, nil
	case "redis":
		r, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return cache.Instrument(r, "redis", obs), func() { _ = r.Close() }, nil
	case "tiered":
		mem := cache.NewMemory(janitor)
		r, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			// A missing redis degrades to the local tier; the service
			// still prices.
			log.Warn().Err(err).Msg("redis unavailable, running on local cache only")
			return cache.Instrument(mem, "local", obs), mem.Close, nil
		}
		tiered := cache.NewTiered(
			cache.Instrument(mem, "local", obs),
			cache.Instrument(r, "redis", obs))
		return tiered, func() {
			mem.Close()
			_ = r.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("cache.mode %q is not supported", cfg.Mode)
	}
}

func providerConfig(name string, p config.ProviderConfig, obs providers.Observer) providers.Config {
	return providers.Config{
		Name:           name,
		BaseURL:        p.BaseURL,
		Timeout:        p.Timeout(),
		MaxAttempts:    p.MaxAttempts,
		BackoffBase:    p.BackoffBase(),
		BackoffFactor:  p.BackoffFactor,
		JitterFraction: p.JitterFraction,
		Observer:       obs,
	}
}

func circuitConfig(c config.CircuitConfig) circuit.Config {
	return circuit.Config{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown(),
	}
}

func publishBreakerStates(breakers *circuit.Registry, reg *metrics.Registry) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for name, stats := range breakers.Stats() {
					reg.SetBreakerState(name, int(stats.State))
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
