// Package config loads the service configuration: a yaml file with
// documented defaults, plus environment-variable overrides for the
// values that differ per deployment (addresses, credentials). Loaded
// once at startup; the resulting Config is never mutated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Cache     CacheConfig     `yaml:"cache"`
	Database  DatabaseConfig  `yaml:"database"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeoutMS   int      `yaml:"read_timeout_ms"`
	WriteTimeoutMS  int      `yaml:"write_timeout_ms"`
	ShutdownGraceMS int      `yaml:"shutdown_grace_ms"`
	MaxConcurrent   int      `yaml:"max_concurrent"` // in-flight calculations
	APIKeys         []string `yaml:"api_keys"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`   // per API key
	RateLimitBurst  int      `yaml:"rate_limit_burst"` // per API key
}

// ProvidersConfig names the three upstream data providers.
type ProvidersConfig struct {
	BorrowRate    ProviderConfig `yaml:"borrow_rate"`
	Volatility    ProviderConfig `yaml:"volatility"`
	EventCalendar ProviderConfig `yaml:"event_calendar"`
}

// ProviderConfig tunes one upstream client.
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TimeoutMS      int           `yaml:"timeout_ms"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBaseMS  int           `yaml:"backoff_base_ms"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	Circuit        CircuitConfig `yaml:"circuit"`
}

// Timeout returns the per-call deadline.
func (p ProviderConfig) Timeout() time.Duration { return time.Duration(p.TimeoutMS) * time.Millisecond }

// BackoffBase returns the first retry delay.
func (p ProviderConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMS) * time.Millisecond
}

// CircuitConfig tunes one provider's circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs"`
}

// Cooldown returns the OPEN-state cool-down.
func (c CircuitConfig) Cooldown() time.Duration { return time.Duration(c.CooldownSecs) * time.Second }

// CacheConfig selects and tunes the cache strategy.
type CacheConfig struct {
	// Mode is one of tiered, local, redis, none.
	Mode          string `yaml:"mode"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// JanitorSecs is the local tier's eviction sweep interval.
	JanitorSecs int `yaml:"janitor_secs"`
	// CacheCalculations enables the short-lived full-result cache.
	CacheCalculations bool `yaml:"cache_calculations"`
}

// DatabaseConfig covers the Postgres connection.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// QueryTimeout returns the per-query deadline.
func (d DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutMS) * time.Millisecond
}

// PricingConfig tunes the coordinator.
type PricingConfig struct {
	// GlobalMinBorrowRate is the last-resort fallback borrow rate,
	// annualized, as a decimal string ("0.0025"). Empty disables it.
	GlobalMinBorrowRate string `yaml:"global_min_borrow_rate"`
}

// MinRate parses GlobalMinBorrowRate; zero when unset.
func (p PricingConfig) MinRate() (decimal.Decimal, error) {
	if p.GlobalMinBorrowRate == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(p.GlobalMinBorrowRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing.global_min_borrow_rate: %w", err)
	}
	return d, nil
}

// AuditConfig covers the audit subsystem.
type AuditConfig struct {
	SpoolPath string `yaml:"spool_path"`
}

// LoggingConfig covers zerolog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeoutMS:   10000,
			WriteTimeoutMS:  15000,
			ShutdownGraceMS: 10000,
			MaxConcurrent:   100,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Providers: ProvidersConfig{
			BorrowRate:    defaultProvider(),
			Volatility:    defaultProvider(),
			EventCalendar: defaultProvider(),
		},
		Cache: CacheConfig{
			Mode:        "tiered",
			RedisAddr:   "localhost:6379",
			JanitorSecs: 60,
		},
		Database: DatabaseConfig{
			MaxOpenConns:   25,
			MaxIdleConns:   5,
			QueryTimeoutMS: 3000,
		},
		Audit: AuditConfig{
			SpoolPath: "audit.spool",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultProvider() ProviderConfig {
	return ProviderConfig{
		TimeoutMS:      5000,
		MaxAttempts:    3,
		BackoffBaseMS:  100,
		BackoffFactor:  2,
		JitterFraction: 0.25,
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			CooldownSecs:     30,
		},
	}
}

// Load reads the yaml file at path over the defaults, then applies
// environment overrides. path may be empty for defaults-plus-env only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides the per-deployment values. Only values that vary
// between environments get an env knob; tuning stays in the yaml file.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOCATEFEE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOCATEFEE_PG_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("LOCATEFEE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("LOCATEFEE_REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("LOCATEFEE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Cache.RedisDB = db
		}
	}
	if v := os.Getenv("LOCATEFEE_BORROW_RATE_URL"); v != "" {
		c.Providers.BorrowRate.BaseURL = v
	}
	if v := os.Getenv("LOCATEFEE_VOLATILITY_URL"); v != "" {
		c.Providers.Volatility.BaseURL = v
	}
	if v := os.Getenv("LOCATEFEE_EVENT_CALENDAR_URL"); v != "" {
		c.Providers.EventCalendar.BaseURL = v
	}
	if v := os.Getenv("LOCATEFEE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations that cannot serve.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Cache.Mode {
	case "tiered", "local", "redis", "none":
	default:
		return fmt.Errorf("cache.mode %q is not one of tiered, local, redis, none", c.Cache.Mode)
	}
	if c.Server.MaxConcurrent < 0 {
		return fmt.Errorf("server.max_concurrent must not be negative")
	}
	if _, err := c.Pricing.MinRate(); err != nil {
		return err
	}
	for name, p := range map[string]ProviderConfig{
		"borrow_rate":    c.Providers.BorrowRate,
		"volatility":     c.Providers.Volatility,
		"event_calendar": c.Providers.EventCalendar,
	} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("providers.%s.max_attempts must be at least 1", name)
		}
		if p.Circuit.FailureThreshold < 1 {
			return fmt.Errorf("providers.%s.circuit.failure_threshold must be at least 1", name)
		}
	}
	return nil
}
