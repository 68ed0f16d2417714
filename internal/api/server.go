// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/company-crawler/internal/breaker"
	"github.com/JakeFAU/company-crawler/internal/config"
	"github.com/JakeFAU/company-crawler/internal/crawler"
	"github.com/JakeFAU/company-crawler/internal/metrics"
	"github.com/JakeFAU/company-crawler/internal/pipeline"
	"github.com/JakeFAU/company-crawler/internal/scheduler"
)

const defaultRequestTimeout = 60 * time.Second

// SchedulerControl is the slice of the scheduler the API reads and tunes.
type SchedulerControl interface {
	Stats() scheduler.Stats
	Running() bool
	DomainConfig(domain string) scheduler.DomainConfig
	SetDomainConfig(domain string, patch scheduler.DomainConfig) error
}

// BreakerRegistry lists and resets per-domain circuit breakers.
type BreakerRegistry interface {
	Snapshots() []breaker.Snapshot
	Reset(key string) bool
}

// Fetcher runs one request through the admission-control pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// OutcomeLister reads back recently recorded fetch outcomes.
type OutcomeLister interface {
	Recent(ctx context.Context, domain string, limit int) ([]crawler.Outcome, error)
}

// Options wires a Server. Outcomes is optional.
type Options struct {
	Scheduler SchedulerControl
	Breakers  BreakerRegistry
	Pipeline  Fetcher
	Outcomes  OutcomeLister
	Config    config.Config
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the scheduler, breakers, and pipeline.
type Server struct {
	router    chi.Router
	scheduler SchedulerControl
	breakers  BreakerRegistry
	pipeline  Fetcher
	outcomes  OutcomeLister
	limiter   *rate.Limiter
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("api: scheduler is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("api: breaker registry is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("api: pipeline is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: opts.Scheduler,
		breakers:  opts.Breakers,
		pipeline:  opts.Pipeline,
		outcomes:  opts.Outcomes,
		limiter:   newFetchLimiter(opts.Config.Server),
		cfg:       opts.Config,
		logger:    logger.Named("api"),
	}

	timeout := defaultRequestTimeout
	if opts.Config.Server.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(opts.Config.Server.RequestTimeoutSeconds) * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.Config.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Config.Auth.APIKey))
		}
		r.Get("/stats", s.getStats)
		r.Get("/domains/{domain}", s.getDomainConfig)
		r.Put("/domains/{domain}", s.putDomainConfig)
		r.Get("/breakers", s.listBreakers)
		r.Post("/breakers/{domain}/reset", s.resetBreaker)
		r.Post("/fetch", s.fetch)
		r.Get("/outcomes", s.listOutcomes)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func newFetchLimiter(cfg config.ServerConfig) *rate.Limiter {
	if cfg.FetchRPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.FetchBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.FetchRPS), burst)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.scheduler.Running() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "scheduler not running"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
