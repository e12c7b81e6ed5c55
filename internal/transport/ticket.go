package transport

import (
	"context"
	"sync"

	"github.com/mschirtzinger/tasksync/internal/queue"
)

// Ticket is the future for a queued request.
type Ticket struct {
	id       string
	deferred queue.Deferred

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func newTicket(d *queue.Deferred) *Ticket {
	return &Ticket{
		id:       d.ID,
		deferred: *d,
		done:     make(chan struct{}),
	}
}

// ID returns the queued request id.
func (t *Ticket) ID() string { return t.id }

// Deferred returns the request as it was enqueued.
func (t *Ticket) Deferred() queue.Deferred { return t.deferred }

// Done is closed when the request settles.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Ticket) Result() (*Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	default:
		return nil, nil
	}
}

// Wait blocks until the request settles or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) complete(resp *Response, err error) {
	t.once.Do(func() {
		t.resp = resp
		t.err = err
		close(t.done)
	})
}

// Settled reports whether the ticket has completed.
func (t *Ticket) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
