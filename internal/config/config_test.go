package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  fetch_rps: 5
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
scheduler:
  min_delay_ms: 500
  max_delay_ms: 1500
  max_concurrent: 6
  max_per_domain: 2
  max_per_minute: 40
  domains:
    - domain: Careful.Example.com
      min_delay_ms: 4000
      max_delay_ms: 9000
      max_per_minute: 3
breaker:
  failure_threshold: 2
  reset_timeout_seconds: 10
retry:
  max_retries: 1
  backoff_initial_ms: 100
  backoff_max_ms: 500
fetcher:
  user_agent: real-agent
  timeout_seconds: 45
  ignore_robots: true
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.InDelta(t, 5.0, cfg.Server.FetchRPS, 0.001)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Fetcher.IgnoreRobots)
	require.Equal(t, 45*time.Second, cfg.FetchTimeout())

	sched := cfg.SchedulerSettings()
	require.Equal(t, 500*time.Millisecond, sched.MinDelay)
	require.Equal(t, 1500*time.Millisecond, sched.MaxDelay)
	require.Equal(t, 6, sched.MaxConcurrent)
	require.Equal(t, 40, sched.MaxPerMinute)
	require.Equal(t, 5, sched.MaxRateLimitRetries)
	careful, ok := sched.Domains["careful.example.com"]
	require.True(t, ok, "domain overrides keyed by lowercased host: %+v", sched.Domains)
	require.Equal(t, 4*time.Second, careful.MinDelay)
	require.Equal(t, 9*time.Second, careful.MaxDelay)
	require.Equal(t, 3, careful.MaxPerMinute)

	brk := cfg.BreakerSettings()
	require.Equal(t, 2, brk.FailureThreshold)
	require.Equal(t, 10*time.Second, brk.ResetTimeout)

	opts := cfg.RetryOptions()
	require.Equal(t, 1, opts.MaxRetries)
	require.Equal(t, 100*time.Millisecond, opts.InitialDelay)
	require.Equal(t, 500*time.Millisecond, opts.MaxDelay)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	sched := cfg.SchedulerSettings()
	require.Equal(t, 2*time.Second, sched.MinDelay)
	require.Equal(t, 5*time.Second, sched.MaxDelay)
	require.Equal(t, 3, sched.MaxConcurrent)
	require.Equal(t, 1, sched.MaxPerDomain)
	require.Equal(t, 20, sched.MaxPerMinute)
	require.Empty(t, sched.Domains)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.False(t, cfg.Headless.Enabled)
	require.True(t, cfg.Headless.AutoPromote)
	require.Equal(t, 2048, cfg.Headless.PromotionThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{
			MinDelayMs:    1,
			MaxDelayMs:    2,
			MaxConcurrent: 1,
			MaxPerDomain:  1,
			MaxPerMinute:  1,
		},
		Breaker: BreakerConfig{FailureThreshold: 1, ResetTimeoutSeconds: 1},
		Fetcher: FetcherConfig{TimeoutSeconds: 10},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero min delay", func(c *Config) { c.Scheduler.MinDelayMs = 0 }, "scheduler.min_delay_ms"},
		{"inverted delays", func(c *Config) { c.Scheduler.MinDelayMs = 10 }, "scheduler.min_delay_ms"},
		{"invalid concurrency", func(c *Config) { c.Scheduler.MaxConcurrent = 0 }, "scheduler.max_concurrent"},
		{"invalid per minute", func(c *Config) { c.Scheduler.MaxPerMinute = 0 }, "scheduler.max_per_minute"},
		{"unnamed domain", func(c *Config) {
			c.Scheduler.Domains = []DomainConfig{{MinDelayMs: 5}}
		}, "scheduler.domains[0].domain"},
		{"invalid threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"invalid timeout", func(c *Config) { c.Fetcher.TimeoutSeconds = 0 }, "fetcher.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"negative promotion threshold", func(c *Config) { c.Headless.PromotionThreshold = -1 }, "headless.promotion_threshold"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Scheduler.Domains = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}
