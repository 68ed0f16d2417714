package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-crawler/internal/scrapeerr"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	s.randFloat = func() float64 { return 0 }
	return s
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Wait()
	})
	return cancel
}

type orderRecorder struct {
	mu    sync.Mutex
	order []string
	times []time.Time
}

func (r *orderRecorder) op(label string) Operation {
	return func(context.Context) (any, error) {
		r.mu.Lock()
		r.order = append(r.order, label)
		r.times = append(r.times, time.Now())
		r.mu.Unlock()
		return label, nil
	}
}

func (r *orderRecorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func waitAll(t *testing.T, tickets ...*Ticket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, ticket := range tickets {
		_, err := ticket.Wait(ctx)
		require.NoError(t, err)
	}
}

func fastConfig() Config {
	return Config{
		MinDelay:      time.Millisecond,
		MaxDelay:      time.Millisecond,
		MaxConcurrent: 1,
		MaxPerDomain:  1,
		MaxPerMinute:  1000,
	}
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	rec := &orderRecorder{}
	ctx := context.Background()
	tickets := []*Ticket{
		s.Submit(ctx, "https://example.com/a", 3, rec.op("a")),
		s.Submit(ctx, "https://example.com/b", 1, rec.op("b")),
		s.Submit(ctx, "https://example.com/c", 2, rec.op("c")),
		s.Submit(ctx, "https://example.com/d", 1, rec.op("d")),
		s.Submit(ctx, "https://example.com/e", 3, rec.op("e")),
	}
	startScheduler(t, s)
	waitAll(t, tickets...)

	require.Equal(t, []string{"b", "d", "c", "a", "e"}, rec.Order())
}

func TestEndToEndPacedPriorityOrder(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("paced scenario takes several seconds")
	}

	const minDelay = 500 * time.Millisecond
	s := newTestScheduler(t, Config{
		MinDelay: minDelay,
		MaxDelay: minDelay,
	})
	rec := &orderRecorder{}
	ctx := context.Background()
	tickets := make([]*Ticket, 0, 10)
	for priority := 10; priority >= 1; priority-- {
		label := fmt.Sprintf("p%d", priority)
		tickets = append(tickets, s.Submit(ctx, "https://pacing.example/"+label, priority, rec.op(label)))
	}

	start := time.Now()
	startScheduler(t, s)
	waitAll(t, tickets...)
	elapsed := time.Since(start)

	want := make([]string, 0, 10)
	for priority := 1; priority <= 10; priority++ {
		want = append(want, fmt.Sprintf("p%d", priority))
	}
	require.Equal(t, want, rec.Order())
	require.GreaterOrEqual(t, elapsed, 9*minDelay)
}

func TestDomainPacingSpacesDispatches(t *testing.T) {
	t.Parallel()

	const minDelay = 40 * time.Millisecond
	s := newTestScheduler(t, Config{
		MinDelay:      minDelay,
		MaxDelay:      minDelay,
		MaxConcurrent: 3,
		MaxPerDomain:  3,
		MaxPerMinute:  1000,
	})
	rec := &orderRecorder{}
	ctx := context.Background()
	var tickets []*Ticket
	for i := range 4 {
		tickets = append(tickets, s.Submit(ctx, "https://paced.example", DefaultPriority, rec.op(fmt.Sprint(i))))
	}
	startScheduler(t, s)
	waitAll(t, tickets...)

	s.mu.Lock()
	history := append([]time.Time(nil), s.domains["paced.example"].history...)
	s.mu.Unlock()
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		require.GreaterOrEqual(t, history[i].Sub(history[i-1]), minDelay)
	}
}

func TestConcurrencyCaps(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{
		MinDelay:      time.Millisecond,
		MaxDelay:      time.Millisecond,
		MaxConcurrent: 2,
		MaxPerDomain:  1,
		MaxPerMinute:  1000,
	})

	var mu sync.Mutex
	global, maxGlobal := 0, 0
	perDomain := map[string]int{}
	maxPerDomain := 0
	op := func(domain string) Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			global++
			perDomain[domain]++
			maxGlobal = max(maxGlobal, global)
			maxPerDomain = max(maxPerDomain, perDomain[domain])
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			global--
			perDomain[domain]--
			mu.Unlock()
			return nil, nil
		}
	}

	ctx := context.Background()
	var tickets []*Ticket
	for i := range 9 {
		domain := fmt.Sprintf("d%d.example", i%3)
		tickets = append(tickets, s.Submit(ctx, "https://"+domain+"/page", DefaultPriority, op(domain)))
	}
	startScheduler(t, s)
	waitAll(t, tickets...)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxGlobal, 2)
	require.Equal(t, 1, maxPerDomain)
	require.Zero(t, s.Stats().ActiveRequests)
}

func TestRateLimitBacksOffAndRequeues(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{
		MinDelay:     time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		MaxPerMinute: 1000,
	})
	startScheduler(t, s)

	var calls atomic.Int32
	got, err := Schedule(context.Background(), s, "https://busy.example/x", 3, func(context.Context) (string, error) {
		if calls.Add(1) <= 2 {
			return "", scrapeerr.FromStatus("https://busy.example/x", http.StatusTooManyRequests)
		}
		return "done", nil
	})

	require.NoError(t, err)
	require.Equal(t, "done", got)
	require.Equal(t, int32(3), calls.Load())

	stats := s.Stats()
	require.Equal(t, int64(2), stats.ThrottledRequests)
	require.Equal(t, int64(3), stats.TotalRequests)

	cfg := s.DomainConfig("busy.example")
	require.Equal(t, 4*time.Millisecond, cfg.MinDelay)
	require.Equal(t, 8*time.Millisecond, cfg.MaxDelay)
}

func TestRateLimitRequeueBoostsPriority(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	env := &envelope{priority: 3, domain: "x", ctx: context.Background(), ticket: newTicket("t")}
	s.domainLocked("x").active = 1
	s.active = 1
	s.complete(env, nil, errors.New("request throttled"))
	require.Equal(t, 2, env.priority)
	require.Equal(t, 1, env.attempts)
	require.Len(t, s.queue, 1)

	floor := &envelope{priority: 1, domain: "x", ctx: context.Background(), ticket: newTicket("f")}
	s.domainLocked("x").active = 1
	s.active = 1
	s.complete(floor, nil, errors.New("rate limit exceeded"))
	require.Equal(t, 1, floor.priority)
	require.Same(t, floor, s.queue[0])
}

func TestRateLimitRetriesAreBounded(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{
		MinDelay:            time.Millisecond,
		MaxDelay:            time.Millisecond,
		MaxPerMinute:        1000,
		MaxRateLimitRetries: 2,
	})
	startScheduler(t, s)

	throttled := errors.New("429 Too Many Requests")
	var calls atomic.Int32
	_, err := Schedule(context.Background(), s, "https://hostile.example", DefaultPriority, func(context.Context) (any, error) {
		calls.Add(1)
		return nil, throttled
	})

	require.ErrorIs(t, err, ErrRateLimitExhausted)
	require.ErrorIs(t, err, throttled)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, int64(1), s.Stats().RateLimitExhausted)
}

func TestAdaptiveBackoffRespectsCaps(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{MinDelay: 5 * time.Second, MaxDelay: 20 * time.Second})
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.backoffLocked("slow.example")
	require.Equal(t, 10*time.Second, cfg.MinDelay)
	require.Equal(t, 40*time.Second, cfg.MaxDelay)

	for range 10 {
		cfg = s.backoffLocked("slow.example")
		require.LessOrEqual(t, cfg.MinDelay, BackoffMinDelayCap)
		require.LessOrEqual(t, cfg.MaxDelay, BackoffMaxDelayCap)
		require.NoError(t, cfg.Validate())
	}
	require.Equal(t, BackoffMinDelayCap, cfg.MinDelay)
	require.Equal(t, BackoffMaxDelayCap, cfg.MaxDelay)
}

func TestOtherErrorsPassThroughUntouched(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	startScheduler(t, s)

	denied := scrapeerr.FromStatus("https://private.example", http.StatusForbidden)
	ticket := s.Submit(context.Background(), "https://private.example", DefaultPriority, func(context.Context) (any, error) {
		return nil, denied
	})
	_, err := ticket.Wait(context.Background())
	require.Same(t, denied, err)
	require.Zero(t, s.Stats().ThrottledRequests)
}

func TestStopSettlesQueuedRequests(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	release := make(chan struct{})
	started := make(chan struct{})
	first := s.Submit(context.Background(), "https://stop.example/1", 1, func(context.Context) (any, error) {
		close(started)
		<-release
		return "first", nil
	})
	<-started

	var secondCalled atomic.Bool
	second := s.Submit(context.Background(), "https://stop.example/2", 2, func(context.Context) (any, error) {
		secondCalled.Store(true)
		return nil, nil
	})

	cancel()
	require.NoError(t, <-done)
	require.False(t, s.Running())

	_, err := second.Wait(context.Background())
	require.ErrorIs(t, err, ErrStopped)

	close(release)
	value, err := first.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", value)
	s.Wait()
	require.False(t, secondCalled.Load())

	late := s.Submit(context.Background(), "https://stop.example/3", 1, func(context.Context) (any, error) {
		return nil, nil
	})
	_, err = late.Wait(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, s.Run(context.Background()), ErrStopped)
}

func TestRunRejectsSecondLoop(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	startScheduler(t, s)
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func TestCanceledCallerIsNotInvoked(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	startScheduler(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var called atomic.Bool
	ticket := s.Submit(ctx, "https://gone.example", DefaultPriority, func(context.Context) (any, error) {
		called.Store(true)
		return nil, nil
	})

	select {
	case <-ticket.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("ticket never settled")
	}
	_, err := ticket.Result()
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called.Load())
}

func TestGlobalRateBudgetBlocksDispatch(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{
		MinDelay:      time.Millisecond,
		MaxDelay:      time.Millisecond,
		MaxConcurrent: 3,
		MaxPerDomain:  1,
		MaxPerMinute:  2,
	})
	rec := &orderRecorder{}
	ctx := context.Background()
	a := s.Submit(ctx, "https://a.example", 1, rec.op("a"))
	b := s.Submit(ctx, "https://b.example", 2, rec.op("b"))
	c := s.Submit(ctx, "https://c.example", 3, rec.op("c"))
	startScheduler(t, s)
	waitAll(t, a, b)

	require.Eventually(t, func() bool {
		stats := s.Stats()
		return stats.RateExceededCount >= 1 && stats.QueueLength == 1
	}, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []string{"a", "b"}, rec.Order())

	select {
	case <-c.Done():
		t.Fatal("request dispatched beyond the per-minute budget")
	default:
	}
	require.Equal(t, 2, s.Stats().RequestsLastMinute)
}

func TestDomainMinuteBudgetDoesNotGateDispatch(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{
		MinDelay: 20 * time.Millisecond,
		MaxDelay: 20 * time.Millisecond,
	})
	require.Equal(t, 5, s.DomainConfig("solo.example").MaxPerMinute)

	rec := &orderRecorder{}
	ctx := context.Background()
	tickets := make([]*Ticket, 0, 10)
	for i := range 10 {
		tickets = append(tickets, s.Submit(ctx, "https://solo.example", DefaultPriority, rec.op(fmt.Sprint(i))))
	}
	startScheduler(t, s)
	waitAll(t, tickets...)

	require.Len(t, rec.Order(), 10)
	stats := s.Stats()
	require.Zero(t, stats.QueueLength)
	require.Equal(t, 10, stats.RequestsLastMinute)
}

func TestSetDomainConfigMergesAndValidates(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{})
	def := s.DomainConfig("example.com")
	require.Equal(t, DomainConfig{
		MinDelay:     DefaultMinDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxPerDomain: DefaultMaxPerDomain,
		MaxPerMinute: DefaultMaxPerMinute / 4,
	}, def)

	require.NoError(t, s.SetDomainConfig("example.com", DomainConfig{MinDelay: 3 * time.Second}))
	got := s.DomainConfig("example.com")
	require.Equal(t, 3*time.Second, got.MinDelay)
	require.Equal(t, DefaultMaxDelay, got.MaxDelay)

	require.NoError(t, s.SetDomainConfig("example.com", DomainConfig{MaxPerMinute: 9}))
	got = s.DomainConfig("example.com")
	require.Equal(t, 3*time.Second, got.MinDelay)
	require.Equal(t, 9, got.MaxPerMinute)

	err := s.SetDomainConfig("example.com", DomainConfig{MinDelay: time.Minute})
	require.Error(t, err)
	require.Equal(t, 3*time.Second, s.DomainConfig("example.com").MinDelay)

	s.mu.Lock()
	s.domains["example.com"].lastRequest = time.Unix(100, 0)
	s.mu.Unlock()
	require.NoError(t, s.SetDomainConfig("example.com", DomainConfig{MaxPerDomain: 2}))
	s.mu.Lock()
	require.Equal(t, time.Unix(100, 0), s.domains["example.com"].lastRequest)
	s.mu.Unlock()
}

func TestNewAppliesDomainOverridesAndValidates(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{
		MaxPerMinute: 2,
		Domains: map[string]DomainConfig{
			"careful.example": {MinDelay: 4 * time.Second, MaxDelay: 8 * time.Second},
		},
	})
	require.Equal(t, 4*time.Second, s.DomainConfig("careful.example").MinDelay)
	require.Equal(t, 1, s.DomainConfig("other.example").MaxPerMinute)
	require.Equal(t, 1, s.Stats().DomainsTracked)

	_, err := New(Config{MinDelay: 10 * time.Second, MaxDelay: time.Second}, nil)
	require.Error(t, err)

	_, err = New(Config{Domains: map[string]DomainConfig{
		"bad.example": {MinDelay: time.Minute},
	}}, nil)
	require.Error(t, err)
}

func TestHumanDelaySkewsTowardMinimum(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{})
	cfg := DomainConfig{MinDelay: time.Second, MaxDelay: 3 * time.Second}

	s.randFloat = func() float64 { return 0 }
	require.Equal(t, time.Second, s.humanDelay(cfg))
	s.randFloat = func() float64 { return 1 }
	require.Equal(t, 3*time.Second, s.humanDelay(cfg))

	s.randFloat = func() float64 { return 0.5 }
	mid := s.humanDelay(cfg)
	require.Greater(t, mid, 2*time.Second)
	require.Less(t, mid, 3*time.Second)

	require.Equal(t, time.Second, s.humanDelay(DomainConfig{MinDelay: time.Second, MaxDelay: time.Second}))
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"https://Example.COM/path?q=1": "example.com",
		"http://sub.example.com:8080/": "sub.example.com",
		"not a url":                    "not a url",
		"example.com/no-scheme":        "example.com/no-scheme",
		"::bad":                        "::bad",
	}
	for input, want := range testCases {
		require.Equal(t, want, DomainOf(input), input)
	}
}

func TestScheduleReturnsTypedValue(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, fastConfig())
	startScheduler(t, s)

	got, err := Schedule(context.Background(), s, "https://typed.example", DefaultPriority, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, got)
}

func TestTicketSettlesOnce(t *testing.T) {
	t.Parallel()

	ticket := newTicket("id-1")
	require.True(t, ticket.settle("first", nil))
	require.False(t, ticket.settle("second", errors.New("late")))
	value, err := ticket.Result()
	require.NoError(t, err)
	require.Equal(t, "first", value)
	require.Equal(t, "id-1", ticket.ID())
}
