package scheduler

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	TotalRequests      int64 `json:"total_requests"`
	ThrottledRequests  int64 `json:"throttled_requests"`
	RateExceededCount  int64 `json:"rate_exceeded_count"`
	RateLimitExhausted int64 `json:"rate_limit_exhausted"`
	ActiveRequests     int   `json:"active_requests"`
	QueueLength        int   `json:"queue_length"`
	RequestsLastMinute int   `json:"requests_last_minute"`
	DomainsTracked     int   `json:"domains_tracked"`
}

// Stats returns current counters and gauges.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = pruneWindow(s.history, s.cfg.Clock.Now())
	return Stats{
		TotalRequests:      s.stats.totalRequests,
		ThrottledRequests:  s.stats.throttledRequests,
		RateExceededCount:  s.stats.rateExceededCount,
		RateLimitExhausted: s.stats.rateLimitExhausted,
		ActiveRequests:     s.active,
		QueueLength:        len(s.queue),
		RequestsLastMinute: len(s.history),
		DomainsTracked:     len(s.domains),
	}
}
