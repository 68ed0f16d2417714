// Package breaker implements a failure-counting circuit breaker that stops
// calling a failing target until a cool-down has elapsed.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/company-crawler/internal/clock"
	"github.com/JakeFAU/company-crawler/internal/crawler"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// ErrOpen is returned without invoking the operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker is OPEN")

// State is the breaker's position in its state machine.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "CLOSED"
	}
}

// MarshalText renders the state using its String form.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes a Breaker.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Observer         Observer
	Clock            crawler.Clock
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
}

// Breaker guards calls to a single target. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	nextAttempt   time.Time
	trialInFlight bool
	generation    uint64
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.normalized()}
}

// Name returns the breaker's label.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call and records the result. While
// open it returns ErrOpen without calling fn. Errors from fn are returned as is.
// A result that arrives after the breaker has changed state since admission is
// returned to the caller but not recorded. Neither is a failure seen after ctx
// ended.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	adm, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release(adm)
		return err
	}
	b.record(adm, err)
	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var value T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		value, callErr = fn(ctx)
		return callErr
	})
	return value, err
}

// admission ties a call to the breaker generation it was admitted under.
type admission struct {
	trial      bool
	generation uint64
}

func (b *Breaker) admit() (admission, error) {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.cfg.Clock.Now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return admission{}, ErrOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		adm := admission{trial: true, generation: b.generation}
		snap := b.snapshotLocked()
		b.mu.Unlock()
		b.cfg.Observer.OnHalfOpen(snap)
		return adm, nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return admission{}, ErrOpen
		}
		b.trialInFlight = true
		adm := admission{trial: true, generation: b.generation}
		b.mu.Unlock()
		return adm, nil
	default:
		adm := admission{generation: b.generation}
		b.mu.Unlock()
		return adm, nil
	}
}

func (b *Breaker) record(adm admission, err error) {
	b.mu.Lock()
	if adm.generation != b.generation {
		b.mu.Unlock()
		return
	}
	if adm.trial {
		b.trialInFlight = false
	}
	if err == nil {
		wasClosed := b.state == StateClosed
		b.failures = 0
		if !wasClosed {
			b.transitionLocked(StateClosed)
		}
		snap := b.snapshotLocked()
		b.mu.Unlock()
		if !wasClosed {
			b.cfg.Observer.OnClose(snap)
		}
		return
	}

	b.failures++
	opened := false
	if adm.trial || b.failures >= b.cfg.FailureThreshold {
		b.transitionLocked(StateOpen)
		opened = true
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()
	if opened {
		b.cfg.Observer.OnOpen(snap)
	}
}

// release frees a half-open trial slot without recording a result.
func (b *Breaker) release(adm admission) {
	b.mu.Lock()
	if adm.trial && adm.generation == b.generation {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// transitionLocked moves to state and starts a new generation, so results of
// calls admitted earlier are no longer recorded.
func (b *Breaker) transitionLocked(state State) {
	b.state = state
	b.generation++
	switch state {
	case StateOpen:
		b.nextAttempt = b.cfg.Clock.Now().Add(b.cfg.ResetTimeout)
	case StateClosed:
		b.nextAttempt = time.Time{}
	}
}

// Reset forces the breaker closed and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.transitionLocked(StateClosed)
	b.failures = 0
	b.trialInFlight = false
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.cfg.Observer.OnClose(snap)
}

// State returns the current state without triggering a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		NextAttempt: b.nextAttempt,
	}
}
