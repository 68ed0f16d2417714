// Package clock provides time sources that satisfy crawler.Clock.
package clock

import (
	"sync"
	"time"
)

// System reads the process wall clock.
type System struct{}

// New creates a System clock.
func New() System {
	return System{}
}

// Now returns the current time, keeping the monotonic reading so durations
// computed from it are immune to wall-clock jumps.
func (System) Now() time.Time {
	return time.Now()
}

// Manual is a clock that only moves when told to. It is safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
