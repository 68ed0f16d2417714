// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schedulerQueueLength        prometheus.Gauge
	schedulerActiveRequests     prometheus.Gauge
	schedulerDispatchesTotal    *prometheus.CounterVec
	schedulerThrottledTotal     *prometheus.CounterVec
	schedulerRateExceededTotal  prometheus.Counter
	schedulerRateLimitExhausted *prometheus.CounterVec
	schedulerHumanDelaySeconds  *prometheus.HistogramVec
	schedulerQueueWaitSeconds   prometheus.Histogram
	breakerState                *prometheus.GaugeVec
	breakerTransitionsTotal     *prometheus.CounterVec
	retryAttemptsTotal          *prometheus.CounterVec
	fetchResultsTotal           *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	robotsFallbackTotal         prometheus.Counter
	headlessPromotionsTotal     *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Breaker state values reported by the crawler_breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		schedulerQueueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_scheduler_queue_length",
				Help: "Number of requests waiting for admission.",
			},
		)

		schedulerActiveRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_scheduler_active_requests",
				Help: "Number of dispatched requests that have not completed.",
			},
		)

		schedulerDispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_scheduler_dispatches_total",
				Help: "Total number of requests admitted, labeled by domain.",
			},
			[]string{"domain"},
		)

		schedulerThrottledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_scheduler_throttled_total",
				Help: "Total number of rate-limit responses that triggered backoff, labeled by domain.",
			},
			[]string{"domain"},
		)

		schedulerRateExceededTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_scheduler_rate_exceeded_total",
				Help: "Total number of admission passes blocked by the global per-minute budget.",
			},
		)

		schedulerRateLimitExhausted = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_scheduler_rate_limit_exhausted_total",
				Help: "Total number of requests abandoned after repeated rate-limit responses.",
			},
			[]string{"domain"},
		)

		schedulerHumanDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_scheduler_human_delay_seconds",
				Help:    "Histogram of randomized pre-request delays, labeled by domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"domain"},
		)

		schedulerQueueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_scheduler_queue_wait_seconds",
				Help:    "Histogram of time spent queued before admission.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open), labeled by breaker.",
			},
			[]string{"breaker"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_breaker_transitions_total",
				Help: "Total number of circuit breaker transitions, labeled by breaker and target state.",
			},
			[]string{"breaker", "state"},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retry_attempts_total",
				Help: "Total number of retries scheduled, labeled by error kind.",
			},
			[]string{"kind"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_results_total",
				Help: "Total number of pipeline fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "Total robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_headless_promotions_total",
				Help: "Plain fetches redone in a headless browser, labeled by detector reason.",
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueLength reports the current scheduler queue length.
func SetQueueLength(n int) {
	Init()
	schedulerQueueLength.Set(float64(n))
}

// SetActiveRequests reports the number of in-flight scheduled requests.
func SetActiveRequests(n int) {
	Init()
	schedulerActiveRequests.Set(float64(n))
}

// ObserveDispatch records an admitted request and how long it waited in the queue.
func ObserveDispatch(domain string, waited time.Duration) {
	Init()
	schedulerDispatchesTotal.WithLabelValues(domain).Inc()
	schedulerQueueWaitSeconds.Observe(waited.Seconds())
}

// ObserveHumanDelay records the randomized delay applied before a request.
func ObserveHumanDelay(domain string, delay time.Duration) {
	Init()
	schedulerHumanDelaySeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// ObserveThrottled records a rate-limit response that triggered domain backoff.
func ObserveThrottled(domain string) {
	Init()
	schedulerThrottledTotal.WithLabelValues(domain).Inc()
}

// ObserveRateExceeded records an admission pass blocked by the global budget.
func ObserveRateExceeded() {
	Init()
	schedulerRateExceededTotal.Inc()
}

// ObserveRateLimitExhausted records a request given up after repeated throttling.
func ObserveRateLimitExhausted(domain string) {
	Init()
	schedulerRateLimitExhausted.WithLabelValues(domain).Inc()
}

// ObserveBreakerTransition records a breaker moving into state ("CLOSED",
// "OPEN" or "HALF-OPEN").
func ObserveBreakerTransition(name, state string) {
	Init()
	breakerTransitionsTotal.WithLabelValues(name, state).Inc()
	value := BreakerClosed
	switch state {
	case "OPEN":
		value = BreakerOpen
	case "HALF-OPEN":
		value = BreakerHalfOpen
	}
	breakerState.WithLabelValues(name).Set(float64(value))
}

// ObserveRetry records a scheduled retry for an error of the given kind.
func ObserveRetry(kind string) {
	Init()
	retryAttemptsTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records the terminal outcome of a pipeline fetch.
func ObserveFetch(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchResultsTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRobotsFallback records a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveHeadlessPromotion records a plain fetch promoted to headless.
func ObserveHeadlessPromotion(reason string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
