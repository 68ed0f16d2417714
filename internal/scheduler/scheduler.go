// Package scheduler paces outbound requests. A single admission loop releases
// queued operations in priority order while honoring global concurrency, a
// global per-minute budget, and per-domain concurrency, spacing and budgets.
// Domains that answer with rate-limit errors have their delays doubled and the
// request is queued again with a small priority boost.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/company-crawler/internal/clock"
	"github.com/JakeFAU/company-crawler/internal/id/uuid"
	"github.com/JakeFAU/company-crawler/internal/metrics"
	"github.com/JakeFAU/company-crawler/internal/scrapeerr"
)

// DefaultPriority is used by callers without an opinion. Lower values win.
const DefaultPriority = 5

// idle tells Run to wait for new work or a completion instead of a timer.
const idle time.Duration = -1

const (
	humanDelayExponent = 0.7
	budgetLogInterval  = 10 * time.Second
)

var (
	// ErrStopped settles requests still queued when the scheduler stops.
	ErrStopped = errors.New("scheduler stopped")
	// ErrRateLimitExhausted settles a request that kept hitting rate limits.
	ErrRateLimitExhausted = errors.New("rate limit retries exhausted")
	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

type counters struct {
	totalRequests      int64
	throttledRequests  int64
	rateExceededCount  int64
	rateLimitExhausted int64
}

// Scheduler is the request admission controller. Construct it with New, start
// Run in its own goroutine, and hand work to Submit or Schedule.
type Scheduler struct {
	cfg       Config
	logger    *zap.Logger
	randFloat func() float64
	seq       atomic.Uint64

	mu      sync.Mutex
	queue   []*envelope
	domains map[string]*domainState
	history []time.Time
	active  int
	stats   counters
	running bool
	stopped bool

	wake      chan struct{}
	inflight  sync.WaitGroup
	budgetLog rate.Sometimes
}

// New builds a Scheduler. Zero-valued fields of cfg take the package defaults.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if normalized.Clock == nil {
		normalized.Clock = clock.New()
	}
	if normalized.IDs == nil {
		normalized.IDs = uuid.New()
	}
	s := &Scheduler{
		cfg:       normalized,
		logger:    logger.Named("scheduler"),
		randFloat: rand.Float64,
		domains:   make(map[string]*domainState),
		wake:      make(chan struct{}, 1),
		budgetLog: rate.Sometimes{Interval: budgetLogInterval},
	}
	for domain, override := range normalized.Domains {
		if err := s.SetDomainConfig(domain, override); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Submit queues op for rawURL's domain and returns immediately. The op receives
// ctx; if ctx ends before the op starts, the ticket settles with ctx's error and
// the op is never called.
func (s *Scheduler) Submit(ctx context.Context, rawURL string, priority int, op Operation) *Ticket {
	env := &envelope{
		id:       s.newID(),
		op:       op,
		url:      rawURL,
		domain:   DomainOf(rawURL),
		priority: priority,
		ctx:      ctx,
	}
	env.ticket = newTicket(env.id)
	env.stopWatch = context.AfterFunc(ctx, s.notify)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		env.settle(nil, ErrStopped)
		return env.ticket
	}
	env.enqueuedAt = s.cfg.Clock.Now()
	s.domainLocked(env.domain)
	s.insertLocked(env)
	metrics.SetQueueLength(len(s.queue))
	s.mu.Unlock()

	s.logger.Debug("request queued",
		zap.String("request_id", env.id),
		zap.String("domain", env.domain),
		zap.Int("priority", priority),
	)
	s.notify()
	return env.ticket
}

// Schedule submits op and waits for its result.
func Schedule[T any](ctx context.Context, s *Scheduler, rawURL string, priority int, op func(context.Context) (T, error)) (T, error) {
	ticket := s.Submit(ctx, rawURL, priority, func(ctx context.Context) (any, error) {
		v, err := op(ctx)
		return v, err
	})
	var zero T
	value, err := ticket.Wait(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// Run drives the admission loop until ctx ends. Requests still queued at that
// point settle with ErrStopped and later submissions are refused. Operations
// already dispatched run to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer s.stop()

	s.logger.Info("scheduler started",
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Int("max_per_minute", s.cfg.MaxPerMinute),
		zap.Duration("min_delay", s.cfg.MinDelay),
		zap.Duration("max_delay", s.cfg.MaxDelay),
	)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		var timerC <-chan time.Time
		if wait := s.admit(); wait != idle {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timerC:
		}
	}
}

// Wait blocks until every dispatched operation has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Running reports whether Run is currently admitting requests.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.running = false
	pending := s.queue
	s.queue = nil
	metrics.SetQueueLength(0)
	s.mu.Unlock()

	for _, env := range pending {
		env.settle(nil, ErrStopped)
	}
	s.logger.Info("scheduler stopped", zap.Int("abandoned", len(pending)))
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) newID() string {
	id, err := s.cfg.IDs.NewID()
	if err != nil {
		s.logger.Warn("request id generation failed", zap.Error(err))
		return "req-" + strconv.FormatUint(s.seq.Add(1), 10)
	}
	return id
}

// admit dispatches every request the gates allow and returns how long until a
// closed gate may reopen, or idle when only a completion or new work can help.
func (s *Scheduler) admit() time.Duration {
	s.mu.Lock()
	defer func() {
		metrics.SetQueueLength(len(s.queue))
		s.mu.Unlock()
	}()

	for {
		s.dropAbandonedLocked()
		if len(s.queue) == 0 || s.active >= s.cfg.MaxConcurrent {
			return idle
		}
		now := s.cfg.Clock.Now()
		s.history = pruneWindow(s.history, now)
		if len(s.history) >= s.cfg.MaxPerMinute {
			s.stats.rateExceededCount++
			metrics.ObserveRateExceeded()
			s.budgetLog.Do(func() {
				s.logger.Warn("global rate budget exhausted",
					zap.Int("max_per_minute", s.cfg.MaxPerMinute),
					zap.Int("queued", len(s.queue)),
				)
			})
			return s.history[0].Add(rateWindow).Sub(now)
		}
		idx, wait := s.pickLocked(now)
		if idx < 0 {
			return wait
		}
		s.dispatchLocked(s.removeLocked(idx), now)
	}
}

func (s *Scheduler) dropAbandonedLocked() {
	kept := s.queue[:0]
	for _, env := range s.queue {
		if err := env.ctx.Err(); err != nil {
			env.settle(nil, err)
			continue
		}
		kept = append(kept, env)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
}

// pickLocked returns the index of the first queued request whose domain is
// ready, or -1 with the shortest wait until one might be.
func (s *Scheduler) pickLocked(now time.Time) (int, time.Duration) {
	wait := idle
	consider := func(d time.Duration) {
		if wait == idle || d < wait {
			wait = d
		}
	}
	for idx, env := range s.queue {
		ds := s.domainLocked(env.domain)
		eff := s.effectiveLocked(env.domain)
		if ds.active >= eff.MaxPerDomain {
			continue
		}
		if !ds.lastRequest.IsZero() {
			if elapsed := now.Sub(ds.lastRequest); elapsed < eff.MinDelay {
				consider(eff.MinDelay - elapsed)
				continue
			}
		}
		return idx, 0
	}
	return -1, wait
}

func (s *Scheduler) dispatchLocked(env *envelope, now time.Time) {
	ds := s.domainLocked(env.domain)
	ds.lastRequest = now
	ds.active++
	s.history = append(s.history, now)
	s.active++
	s.stats.totalRequests++

	eff := s.effectiveLocked(env.domain)
	delay := s.humanDelay(eff)
	metrics.ObserveDispatch(env.domain, now.Sub(env.enqueuedAt))
	metrics.ObserveHumanDelay(env.domain, delay)
	metrics.SetActiveRequests(s.active)
	s.logger.Debug("request dispatched",
		zap.String("request_id", env.id),
		zap.String("domain", env.domain),
		zap.Int("priority", env.priority),
		zap.Int("attempt", env.attempts+1),
		zap.Duration("delay", delay),
	)

	s.inflight.Add(1)
	go s.execute(env, delay)
}

// humanDelay draws from [MinDelay, MaxDelay], skewed toward the lower bound.
func (s *Scheduler) humanDelay(cfg DomainConfig) time.Duration {
	span := cfg.MaxDelay - cfg.MinDelay
	if span <= 0 {
		return cfg.MinDelay
	}
	skew := math.Pow(s.randFloat(), humanDelayExponent)
	return cfg.MinDelay + time.Duration(skew*float64(span))
}

func (s *Scheduler) execute(env *envelope, delay time.Duration) {
	defer s.inflight.Done()
	value, err := s.invoke(env, delay)
	s.complete(env, value, err)
}

func (s *Scheduler) invoke(env *envelope, delay time.Duration) (any, error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-env.ctx.Done():
		return nil, env.ctx.Err()
	case <-timer.C:
	}
	return env.op(env.ctx)
}

func (s *Scheduler) complete(env *envelope, value any, err error) {
	s.mu.Lock()
	ds := s.domainLocked(env.domain)
	ds.active--
	s.active--
	metrics.SetActiveRequests(s.active)

	if err == nil || env.ctx.Err() != nil || !scrapeerr.IsRateLimit(err) {
		s.mu.Unlock()
		s.notify()
		env.settle(value, err)
		return
	}

	s.stats.throttledRequests++
	metrics.ObserveThrottled(env.domain)
	backed := s.backoffLocked(env.domain)
	logger := s.logger.With(
		zap.String("request_id", env.id),
		zap.String("domain", env.domain),
		zap.Int("attempt", env.attempts+1),
		zap.Duration("min_delay", backed.MinDelay),
		zap.Duration("max_delay", backed.MaxDelay),
		zap.Error(err),
	)

	var settleErr error
	priority := env.priority
	switch {
	case s.cfg.MaxRateLimitRetries >= 0 && env.attempts >= s.cfg.MaxRateLimitRetries:
		s.stats.rateLimitExhausted++
		metrics.ObserveRateLimitExhausted(env.domain)
		settleErr = fmt.Errorf("%w after %d attempts: %w", ErrRateLimitExhausted, env.attempts+1, err)
	case s.stopped:
		settleErr = fmt.Errorf("%w: %w", ErrStopped, err)
	default:
		env.attempts++
		if env.priority > 1 {
			env.priority--
		}
		priority = env.priority
		env.enqueuedAt = s.cfg.Clock.Now()
		s.insertLocked(env)
		metrics.SetQueueLength(len(s.queue))
	}
	s.mu.Unlock()
	s.notify()

	if settleErr != nil {
		logger.Warn("domain rate limited, giving up", zap.NamedError("result", settleErr))
		env.settle(nil, settleErr)
		return
	}
	logger.Warn("domain rate limited, backing off and requeueing", zap.Int("priority", priority))
}
