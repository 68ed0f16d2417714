package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/company-crawler/internal/crawler"
)

// Global defaults applied to zero-valued Config fields.
const (
	DefaultMinDelay            = 2 * time.Second
	DefaultMaxDelay            = 5 * time.Second
	DefaultMaxConcurrent       = 3
	DefaultMaxPerDomain        = 1
	DefaultMaxPerMinute        = 20
	DefaultMaxRateLimitRetries = 5

	// Adaptive backoff never pushes a domain's delays past these.
	BackoffMinDelayCap = 30 * time.Second
	BackoffMaxDelayCap = 60 * time.Second

	rateWindow = time.Minute
)

// DomainConfig paces requests to a single domain. Zero fields mean "inherit".
type DomainConfig struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	MaxPerDomain int
	MaxPerMinute int
}

// merge returns c with every non-zero field of patch applied.
func (c DomainConfig) merge(patch DomainConfig) DomainConfig {
	if patch.MinDelay != 0 {
		c.MinDelay = patch.MinDelay
	}
	if patch.MaxDelay != 0 {
		c.MaxDelay = patch.MaxDelay
	}
	if patch.MaxPerDomain != 0 {
		c.MaxPerDomain = patch.MaxPerDomain
	}
	if patch.MaxPerMinute != 0 {
		c.MaxPerMinute = patch.MaxPerMinute
	}
	return c
}

// Validate checks the invariants of a fully resolved config.
func (c DomainConfig) Validate() error {
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if c.MinDelay > c.MaxDelay {
		return fmt.Errorf("min delay %s exceeds max delay %s", c.MinDelay, c.MaxDelay)
	}
	if c.MaxPerDomain < 0 || c.MaxPerMinute < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// Config is the scheduler's global configuration. Zero fields select the
// package defaults, so a zero delay cannot be configured.
type Config struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	MaxConcurrent int
	MaxPerDomain  int
	// MaxPerMinute is the global dispatch budget over a sliding minute. Domains
	// without their own value report a quarter of it; the per-domain value is
	// informational and does not gate dispatch.
	MaxPerMinute int
	// MaxRateLimitRetries bounds how often one request is re-queued after a
	// rate-limit response. Zero picks the default; negative removes the bound.
	MaxRateLimitRetries int
	Domains             map[string]DomainConfig

	Clock crawler.Clock
	IDs   crawler.IDGenerator
}

func (c Config) normalized() (Config, error) {
	if c.MinDelay == 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = max(DefaultMaxDelay, c.MinDelay)
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxPerDomain == 0 {
		c.MaxPerDomain = DefaultMaxPerDomain
	}
	if c.MaxPerMinute == 0 {
		c.MaxPerMinute = DefaultMaxPerMinute
	}
	if c.MaxRateLimitRetries == 0 {
		c.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if c.MaxConcurrent < 0 || c.MaxPerDomain < 0 || c.MaxPerMinute < 0 {
		return Config{}, errors.New("scheduler limits must not be negative")
	}
	global := DomainConfig{MinDelay: c.MinDelay, MaxDelay: c.MaxDelay}
	if err := global.Validate(); err != nil {
		return Config{}, fmt.Errorf("global config: %w", err)
	}
	return c, nil
}

// domainDefaults is the effective config of a domain with no overrides.
func (c Config) domainDefaults() DomainConfig {
	return DomainConfig{
		MinDelay:     c.MinDelay,
		MaxDelay:     c.MaxDelay,
		MaxPerDomain: c.MaxPerDomain,
		MaxPerMinute: max(1, c.MaxPerMinute/4),
	}
}
