package scheduler

import (
	"context"
	"slices"
	"time"
)

// Operation is the unit of work the scheduler paces.
type Operation func(ctx context.Context) (any, error)

type envelope struct {
	id         string
	op         Operation
	url        string
	domain     string
	priority   int
	enqueuedAt time.Time
	attempts   int
	ctx        context.Context
	ticket     *Ticket
	stopWatch  func() bool
}

func (e *envelope) settle(value any, err error) {
	if e.stopWatch != nil {
		e.stopWatch()
	}
	e.ticket.settle(value, err)
}

// insertLocked places env before the first entry with a strictly greater
// priority, keeping equal priorities in arrival order.
func (s *Scheduler) insertLocked(env *envelope) {
	idx := slices.IndexFunc(s.queue, func(other *envelope) bool {
		return other.priority > env.priority
	})
	if idx < 0 {
		s.queue = append(s.queue, env)
		return
	}
	s.queue = slices.Insert(s.queue, idx, env)
}

func (s *Scheduler) removeLocked(idx int) *envelope {
	env := s.queue[idx]
	s.queue = slices.Delete(s.queue, idx, idx+1)
	return env
}
