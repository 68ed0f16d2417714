package scheduler

import (
	"context"
	"sync"
)

// Ticket is the caller's handle on a submitted request. It settles exactly once,
// even if the request is re-queued after rate limiting.
type Ticket struct {
	id   string
	done chan struct{}
	once sync.Once

	value any
	err   error
}

func newTicket(id string) *Ticket {
	return &Ticket{id: id, done: make(chan struct{})}
}

// ID returns the request identifier.
func (t *Ticket) ID() string {
	return t.id
}

// Done is closed once the request has settled.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the settled value and error. It must only be called after Done
// is closed.
func (t *Ticket) Result() (any, error) {
	return t.value, t.err
}

// Wait blocks until the request settles or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) settle(value any, err error) bool {
	settled := false
	t.once.Do(func() {
		t.value = value
		t.err = err
		close(t.done)
		settled = true
	})
	return settled
}
