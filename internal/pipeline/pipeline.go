// Package pipeline composes the circuit breaker, the retry helper and the
// scheduler around a Fetcher: breaker(domain) -> retry -> scheduled dispatch ->
// fetch. Every finished fetch is summarized as a crawler.Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/company-crawler/internal/breaker"
	"github.com/JakeFAU/company-crawler/internal/clock"
	"github.com/JakeFAU/company-crawler/internal/crawler"
	"github.com/JakeFAU/company-crawler/internal/id/uuid"
	"github.com/JakeFAU/company-crawler/internal/metrics"
	"github.com/JakeFAU/company-crawler/internal/retry"
	"github.com/JakeFAU/company-crawler/internal/scheduler"
	"github.com/JakeFAU/company-crawler/internal/scrapeerr"
)

// Outcome labels used for errors outside the scrapeerr taxonomy.
const (
	KindCircuitOpen        = "circuit_open"
	KindRateLimitExhausted = "rate_limit_exhausted"
	KindStopped            = "stopped"
	KindCanceled           = "canceled"
	outcomeSuccess         = "success"
)

// Request describes one URL to fetch.
type Request struct {
	URL           string
	Priority      int
	Headless      bool
	RespectRobots bool
	Headers       http.Header
}

// Result pairs the fetched response with its outcome summary.
type Result struct {
	Outcome  crawler.Outcome
	Response crawler.FetchResponse
}

// Options wires a Client. Scheduler, Breakers and Fetcher are required. Plain
// fetches are promoted to Headless when a Detector is set and flags the page.
type Options struct {
	Scheduler *scheduler.Scheduler
	Breakers  *breaker.Group
	Retry     retry.Options
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Recorder  crawler.OutcomeRecorder
	Detector  crawler.PromotionDetector
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Client runs fetches through the full admission-control stack.
type Client struct {
	scheduler *scheduler.Scheduler
	breakers  *breaker.Group
	retry     retry.Options
	fetcher   crawler.Fetcher
	headless  crawler.Fetcher
	recorder  crawler.OutcomeRecorder
	detector  crawler.PromotionDetector
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("pipeline: scheduler is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("pipeline: breaker group is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("pipeline: fetcher is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		scheduler: opts.Scheduler,
		breakers:  opts.Breakers,
		retry:     opts.Retry,
		fetcher:   opts.Fetcher,
		headless:  opts.Headless,
		recorder:  opts.Recorder,
		detector:  opts.Detector,
		hasher:    opts.Hasher,
		clock:     opts.Clock,
		ids:       opts.IDs,
		logger:    opts.Logger.Named("pipeline"),
	}, nil
}

// Fetch runs req through the breaker for its domain, retries transient
// failures, and paces every attempt through the scheduler. The returned error
// is the one produced by the innermost layer that failed.
func (c *Client) Fetch(ctx context.Context, req Request) (Result, error) {
	domain := scheduler.DomainOf(req.URL)
	fetcher, err := c.fetcherFor(req)
	if err != nil {
		return Result{}, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = scheduler.DefaultPriority
	}

	var retries atomic.Int32
	opts := c.retry
	onRetry := opts.OnRetry
	opts.OnRetry = func(a retry.Attempt) {
		retries.Add(1)
		metrics.ObserveRetry(string(scrapeerr.KindOf(a.Err)))
		c.logger.Info("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("retry", a.RetryCount+1),
			zap.Int("max_retries", a.MaxRetries),
			zap.Duration("delay", a.Delay),
			zap.Error(a.Err),
		)
		if onRetry != nil {
			onRetry(a)
		}
	}

	start := c.clock.Now()
	var promotion string
	resp, err := breaker.Do(ctx, c.breakers.Get(domain), func(ctx context.Context) (crawler.FetchResponse, error) {
		resp, err := c.attempt(ctx, fetcher, req, priority, opts)
		reason, promote := c.shouldPromote(req, resp, err)
		if !promote {
			return resp, err
		}
		promotion = reason
		metrics.ObserveHeadlessPromotion(reason)
		c.logger.Info("promoting fetch to headless",
			zap.String("url", req.URL),
			zap.String("reason", reason),
		)
		return c.attempt(ctx, c.headless, req, priority, opts)
	})

	outcome := c.outcome(req, domain, priority, resp, err, int(retries.Load()), start)
	outcome.PromotionReason = promotion
	c.record(ctx, outcome)
	return Result{Outcome: outcome, Response: resp}, err
}

// FetchAll fetches every request concurrently and returns results in input
// order. Individual failures are reported in each Result's Outcome, never as
// the returned error, which is only set if ctx ends first.
func (c *Client) FetchAll(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := c.Fetch(gctx, req)
			if err != nil && res.Outcome.URL == "" {
				res.Outcome = c.outcome(req, scheduler.DomainOf(req.URL), req.Priority, crawler.FetchResponse{}, err, 0, c.clock.Now())
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("fetch all: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("fetch all: %w", err)
	}
	return results, nil
}

// attempt paces one fetch through the scheduler, retrying transient failures.
func (c *Client) attempt(ctx context.Context, fetcher crawler.Fetcher, req Request, priority int, opts retry.Options) (crawler.FetchResponse, error) {
	return retry.Do(ctx, func(ctx context.Context) (crawler.FetchResponse, error) {
		return scheduler.Schedule(ctx, c.scheduler, req.URL, priority, func(ctx context.Context) (crawler.FetchResponse, error) {
			return fetcher.Fetch(ctx, crawler.FetchRequest{
				URL:           req.URL,
				Headers:       req.Headers,
				RespectRobots: req.RespectRobots,
			})
		})
	}, opts)
}

// shouldPromote consults the detector after a plain fetch. Empty 200 bodies
// surface as content-extraction errors and are still eligible.
func (c *Client) shouldPromote(req Request, resp crawler.FetchResponse, err error) (string, bool) {
	if req.Headless || c.detector == nil || c.headless == nil {
		return "", false
	}
	if err != nil && scrapeerr.KindOf(err) != scrapeerr.KindContentExtraction {
		return "", false
	}
	promote, reason := c.detector.Evaluate(resp)
	return reason, promote
}

func (c *Client) fetcherFor(req Request) (crawler.Fetcher, error) {
	if !req.Headless {
		return c.fetcher, nil
	}
	if c.headless == nil {
		return nil, scrapeerr.New(scrapeerr.KindUnknown, req.URL, errors.New("headless fetching is not enabled"))
	}
	return c.headless, nil
}

func (c *Client) outcome(req Request, domain string, priority int, resp crawler.FetchResponse, err error, retries int, start time.Time) crawler.Outcome {
	id, idErr := c.ids.NewID()
	if idErr != nil {
		c.logger.Warn("outcome id generation failed", zap.Error(idErr))
	}
	now := c.clock.Now()
	out := crawler.Outcome{
		ID:           id,
		URL:          req.URL,
		Domain:       domain,
		Priority:     priority,
		StatusCode:   resp.StatusCode,
		Bytes:        len(resp.Body),
		Retries:      retries,
		UsedHeadless: resp.UsedHeadless,
		Duration:     now.Sub(start),
		SettledAt:    now.UTC(),
	}
	if c.hasher != nil && len(resp.Body) > 0 {
		sum, hashErr := c.hasher.Hash(resp.Body)
		if hashErr != nil {
			c.logger.Warn("content hash failed", zap.String("url", req.URL), zap.Error(hashErr))
		}
		out.ContentHash = sum
	}
	if out.StatusCode == 0 {
		out.StatusCode = scrapeerr.StatusCode(err)
	}
	if err != nil {
		out.ErrorKind = ErrorKind(err)
		out.ErrorText = err.Error()
	}
	return out
}

func (c *Client) record(ctx context.Context, out crawler.Outcome) {
	label := outcomeSuccess
	if !out.Succeeded() {
		label = out.ErrorKind
	}
	metrics.ObserveFetch(out.URL, label, out.Bytes)

	fields := []zap.Field{
		zap.String("url", out.URL),
		zap.String("domain", out.Domain),
		zap.Int("status", out.StatusCode),
		zap.Int("bytes", out.Bytes),
		zap.Int("retries", out.Retries),
		zap.Duration("duration", out.Duration),
	}
	if out.Succeeded() {
		c.logger.Info("fetch succeeded", fields...)
	} else {
		c.logger.Warn("fetch failed", append(fields, zap.String("kind", out.ErrorKind), zap.String("error", out.ErrorText))...)
	}

	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordOutcome(context.WithoutCancel(ctx), out); err != nil {
		c.logger.Error("record outcome failed", zap.String("url", out.URL), zap.Error(err))
	}
}

// ErrorKind labels err for outcomes and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, breaker.ErrOpen):
		return KindCircuitOpen
	case errors.Is(err, scheduler.ErrRateLimitExhausted):
		return KindRateLimitExhausted
	case errors.Is(err, scheduler.ErrStopped):
		return KindStopped
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return string(scrapeerr.KindOf(err))
	}
}
