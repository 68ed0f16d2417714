package scheduler

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type domainState struct {
	override    DomainConfig
	lastRequest time.Time
	active      int
}

// DomainOf returns the lowercased hostname of rawURL, or rawURL itself when no
// hostname can be parsed.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

func (s *Scheduler) domainLocked(domain string) *domainState {
	ds, ok := s.domains[domain]
	if !ok {
		ds = &domainState{}
		s.domains[domain] = ds
	}
	return ds
}

func (s *Scheduler) effectiveLocked(domain string) DomainConfig {
	eff := s.cfg.domainDefaults()
	if ds, ok := s.domains[domain]; ok {
		eff = eff.merge(ds.override)
	}
	return eff
}

// SetDomainConfig merges the non-zero fields of patch into the domain's
// overrides. Pacing history and counters are left alone. The merge is rejected
// if the resulting config would be invalid.
func (s *Scheduler) SetDomainConfig(domain string, patch DomainConfig) error {
	s.mu.Lock()
	candidate := s.effectiveLocked(domain).merge(patch)
	if err := candidate.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("domain %s: %w", domain, err)
	}
	ds := s.domainLocked(domain)
	ds.override = ds.override.merge(patch)
	s.mu.Unlock()

	s.logger.Info("domain config updated",
		zap.String("domain", domain),
		zap.Duration("min_delay", candidate.MinDelay),
		zap.Duration("max_delay", candidate.MaxDelay),
		zap.Int("max_per_domain", candidate.MaxPerDomain),
		zap.Int("max_per_minute", candidate.MaxPerMinute),
	)
	s.notify()
	return nil
}

// DomainConfig returns the effective config for domain: overrides merged over
// the global defaults.
func (s *Scheduler) DomainConfig(domain string) DomainConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveLocked(domain)
}

// backoffLocked doubles the domain's delays, capped, and returns the new config.
func (s *Scheduler) backoffLocked(domain string) DomainConfig {
	eff := s.effectiveLocked(domain)
	ds := s.domainLocked(domain)
	ds.override.MinDelay = min(eff.MinDelay*2, BackoffMinDelayCap)
	ds.override.MaxDelay = min(eff.MaxDelay*2, BackoffMaxDelayCap)
	return s.effectiveLocked(domain)
}

// pruneWindow drops timestamps older than the rate window. history is in
// ascending order.
func pruneWindow(history []time.Time, now time.Time) []time.Time {
	cut := 0
	for cut < len(history) && now.Sub(history[cut]) >= rateWindow {
		cut++
	}
	if cut == 0 {
		return history
	}
	return append(history[:0], history[cut:]...)
}
