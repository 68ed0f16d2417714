// Package main hosts the companycrawler entrypoint.
//
// Every fetch, whether it arrives over the ops API or from the fetch command,
// runs through the same stack: the circuit breaker for the URL's domain, the
// retry helper for transient failures, and the scheduler, which decides when
// the request may hit the network. The scheduler enforces a global concurrency
// cap, a per-domain concurrency cap, a global and a per-domain per-minute
// budget, and randomized per-domain spacing. Targets that answer with rate-limit
// signals get their spacing doubled and the request re-queued at higher
// priority, a bounded number of times.
//
// Commands:
//   - serve: run the scheduler and the ops API (see internal/api) until SIGINT
//     or SIGTERM.
//   - fetch URL...: push the URLs through the pipeline once and print one JSON
//     outcome per line, in argument order.
//
// Configuration comes from an optional file (--config) overlaid with CRAWLER_*
// environment variables, e.g. CRAWLER_SCHEDULER_MAX_CONCURRENT=5 or
// CRAWLER_DB_DSN=postgres://... to enable the outcome log.
package main
