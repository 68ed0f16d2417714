// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for scheduler counters.
//   - GET and PUT /v1/domains/{domain} to inspect or tune per-domain pacing.
//   - GET /v1/breakers and POST /v1/breakers/{domain}/reset for circuit breakers.
//   - POST /v1/fetch to run one URL through the admission-control pipeline.
//   - GET /v1/outcomes to page through the outcome log when one is configured.
//
// Routes under /v1 require the X-API-Key header when auth is enabled.
package api
