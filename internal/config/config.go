// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/company-crawler/internal/breaker"
	"github.com/JakeFAU/company-crawler/internal/retry"
	"github.com/JakeFAU/company-crawler/internal/scheduler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	DB        DBConfig        `mapstructure:"db"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int     `mapstructure:"port"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	FetchRPS              float64 `mapstructure:"fetch_rps"`
	FetchBurst            int     `mapstructure:"fetch_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig governs request admission and pacing.
type SchedulerConfig struct {
	MinDelayMs          int            `mapstructure:"min_delay_ms"`
	MaxDelayMs          int            `mapstructure:"max_delay_ms"`
	MaxConcurrent       int            `mapstructure:"max_concurrent"`
	MaxPerDomain        int            `mapstructure:"max_per_domain"`
	MaxPerMinute        int            `mapstructure:"max_per_minute"`
	MaxRateLimitRetries int            `mapstructure:"max_rate_limit_retries"`
	Domains             []DomainConfig `mapstructure:"domains"`
}

// DomainConfig overrides pacing for one domain. Zero fields inherit. Domains are
// a list rather than a map because Viper splits map keys on dots.
type DomainConfig struct {
	Domain       string `mapstructure:"domain"`
	MinDelayMs   int    `mapstructure:"min_delay_ms"`
	MaxDelayMs   int    `mapstructure:"max_delay_ms"`
	MaxPerDomain int    `mapstructure:"max_per_domain"`
	MaxPerMinute int    `mapstructure:"max_per_minute"`
}

// BreakerConfig configures the per-domain circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold"`
	ResetTimeoutSeconds int `mapstructure:"reset_timeout_seconds"`
}

// RetryConfig configures retry behavior around each fetch.
type RetryConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// FetcherConfig configures the plain HTTP fetcher.
type FetcherConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	IgnoreRobots   bool   `mapstructure:"ignore_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// AutoPromote refetches pages that look like client-rendered shells.
	AutoPromote        bool `mapstructure:"auto_promote"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("server.fetch_rps", 2)
	v.SetDefault("server.fetch_burst", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scheduler.min_delay_ms", 2000)
	v.SetDefault("scheduler.max_delay_ms", 5000)
	v.SetDefault("scheduler.max_concurrent", 3)
	v.SetDefault("scheduler.max_per_domain", 1)
	v.SetDefault("scheduler.max_per_minute", 20)
	v.SetDefault("scheduler.max_rate_limit_retries", 5)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_seconds", 30)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_initial_ms", 1000)
	v.SetDefault("retry.backoff_max_ms", 10000)
	v.SetDefault("fetcher.user_agent", "company-crawler/0.1")
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.ignore_robots", false)
	v.SetDefault("fetcher.max_body_bytes", 5<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.auto_promote", true)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("db.max_open_conns", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MinDelayMs <= 0 || c.Scheduler.MaxDelayMs <= 0 {
		return fmt.Errorf("scheduler.min_delay_ms and scheduler.max_delay_ms must be > 0")
	}
	if c.Scheduler.MinDelayMs > c.Scheduler.MaxDelayMs {
		return fmt.Errorf("scheduler.min_delay_ms must be <= scheduler.max_delay_ms")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be > 0")
	}
	if c.Scheduler.MaxPerDomain <= 0 {
		return fmt.Errorf("scheduler.max_per_domain must be > 0")
	}
	if c.Scheduler.MaxPerMinute <= 0 {
		return fmt.Errorf("scheduler.max_per_minute must be > 0")
	}
	for i, d := range c.Scheduler.Domains {
		if d.Domain == "" {
			return fmt.Errorf("scheduler.domains[%d].domain must be set", i)
		}
		if d.MinDelayMs < 0 || d.MaxDelayMs < 0 || d.MaxPerDomain < 0 || d.MaxPerMinute < 0 {
			return fmt.Errorf("scheduler.domains[%d] values must be >= 0", i)
		}
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.ResetTimeoutSeconds <= 0 {
		return fmt.Errorf("breaker.reset_timeout_seconds must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Headless.PromotionThreshold < 0 {
		return fmt.Errorf("headless.promotion_threshold must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SchedulerSettings converts the scheduler section into scheduler.Config.
func (c Config) SchedulerSettings() scheduler.Config {
	s := c.Scheduler
	domains := make(map[string]scheduler.DomainConfig, len(s.Domains))
	for _, d := range s.Domains {
		domains[strings.ToLower(d.Domain)] = scheduler.DomainConfig{
			MinDelay:     millis(d.MinDelayMs),
			MaxDelay:     millis(d.MaxDelayMs),
			MaxPerDomain: d.MaxPerDomain,
			MaxPerMinute: d.MaxPerMinute,
		}
	}
	return scheduler.Config{
		MinDelay:            millis(s.MinDelayMs),
		MaxDelay:            millis(s.MaxDelayMs),
		MaxConcurrent:       s.MaxConcurrent,
		MaxPerDomain:        s.MaxPerDomain,
		MaxPerMinute:        s.MaxPerMinute,
		MaxRateLimitRetries: s.MaxRateLimitRetries,
		Domains:             domains,
	}
}

// BreakerSettings converts the breaker section into breaker.Config.
func (c Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(c.Breaker.ResetTimeoutSeconds) * time.Second,
	}
}

// RetryOptions converts the retry section into retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries:   c.Retry.MaxRetries,
		InitialDelay: millis(c.Retry.BackoffInitialMs),
		MaxDelay:     millis(c.Retry.BackoffMaxMs),
	}
}

// FetchTimeout is the per-request budget for the HTTP fetcher.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
