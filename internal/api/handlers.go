package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-crawler/internal/crawler"
	"github.com/JakeFAU/company-crawler/internal/pipeline"
	"github.com/JakeFAU/company-crawler/internal/scheduler"
	"github.com/JakeFAU/company-crawler/internal/scrapeerr"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

// domainConfigPayload renders delays as Go duration strings ("1.5s").
type domainConfigPayload struct {
	Domain       string `json:"domain,omitempty"`
	MinDelay     string `json:"min_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	MaxPerDomain int    `json:"max_per_domain,omitempty"`
	MaxPerMinute int    `json:"max_per_minute,omitempty"`
}

type fetchRequest struct {
	URL           string            `json:"url"`
	Priority      int               `json:"priority"`
	Headless      bool              `json:"headless"`
	RespectRobots *bool             `json:"respect_robots"`
	Headers       map[string]string `json:"headers"`
}

type fetchResponse struct {
	Outcome        crawler.Outcome `json:"outcome"`
	ContentType    string          `json:"content_type,omitempty"`
	RobotsFallback string          `json:"robots_fallback,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) getDomainConfig(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	s.writeJSON(w, http.StatusOK, toDomainPayload(domain, s.scheduler.DomainConfig(domain)))
}

func (s *Server) putDomainConfig(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	var req domainConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	patch, err := fromDomainPayload(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.scheduler.SetDomainConfig(domain, patch); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toDomainPayload(domain, s.scheduler.DomainConfig(domain)))
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshots()})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	if !s.breakers.Reset(domain) {
		s.writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	s.logger.Info("breaker reset via API", zap.String("domain", domain))
	s.writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "state": "CLOSED"})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "fetch rate limit exceeded")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateTarget(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Priority < 0 {
		s.writeError(w, http.StatusBadRequest, "priority must not be negative")
		return
	}

	respectRobots := !s.cfg.Fetcher.IgnoreRobots
	if req.RespectRobots != nil {
		respectRobots = *req.RespectRobots
	}
	var headers http.Header
	if len(req.Headers) > 0 {
		headers = make(http.Header, len(req.Headers))
		for k, v := range req.Headers {
			headers.Set(k, v)
		}
	}

	res, err := s.pipeline.Fetch(r.Context(), pipeline.Request{
		URL:           req.URL,
		Priority:      req.Priority,
		Headless:      req.Headless,
		RespectRobots: respectRobots,
		Headers:       headers,
	})
	body := fetchResponse{
		Outcome:        res.Outcome,
		ContentType:    res.Response.Headers.Get("Content-Type"),
		RobotsFallback: res.Response.RobotsFallback,
	}
	s.writeJSON(w, statusForError(err), body)
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, http.StatusNotFound, "outcome log is not configured")
		return
	}
	limit := defaultOutcomeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOutcomeLimit)
	}
	domain := strings.ToLower(r.URL.Query().Get("domain"))
	outcomes, err := s.outcomes.Recent(r.Context(), domain, limit)
	if err != nil {
		s.logger.Error("list outcomes failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}
	if outcomes == nil {
		outcomes = []crawler.Outcome{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// statusForError maps a pipeline error onto the HTTP status returned to callers.
func statusForError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch pipeline.ErrorKind(err) {
	case pipeline.KindCircuitOpen, pipeline.KindStopped:
		return http.StatusServiceUnavailable
	case pipeline.KindRateLimitExhausted:
		return http.StatusTooManyRequests
	case pipeline.KindCanceled, string(scrapeerr.KindTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func domainParam(r *http.Request) string {
	return strings.ToLower(chi.URLParam(r, "domain"))
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host required")
	}
	return nil
}

func toDomainPayload(domain string, cfg scheduler.DomainConfig) domainConfigPayload {
	return domainConfigPayload{
		Domain:       domain,
		MinDelay:     cfg.MinDelay.String(),
		MaxDelay:     cfg.MaxDelay.String(),
		MaxPerDomain: cfg.MaxPerDomain,
		MaxPerMinute: cfg.MaxPerMinute,
	}
}

func fromDomainPayload(p domainConfigPayload) (scheduler.DomainConfig, error) {
	var (
		cfg scheduler.DomainConfig
		err error
	)
	if cfg.MinDelay, err = parseDelay("min_delay", p.MinDelay); err != nil {
		return scheduler.DomainConfig{}, err
	}
	if cfg.MaxDelay, err = parseDelay("max_delay", p.MaxDelay); err != nil {
		return scheduler.DomainConfig{}, err
	}
	cfg.MaxPerDomain = p.MaxPerDomain
	cfg.MaxPerMinute = p.MaxPerMinute
	return cfg, nil
}

func parseDelay(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
