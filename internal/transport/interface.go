// Package transport provides the connectivity-aware request executor that
// sends task API requests immediately when online and holds deferred
// mutations in a durable priority queue while offline.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mschirtzinger/tasksync/internal/queue"
)

// Executor sends requests to the task server.
//
// Immediate requests go through Fetch. Mutations that cannot be sent now are
// handed to Enqueue, which persists them and returns a Ticket that completes
// when the request is replayed, cancelled or fails terminally.
type Executor interface {
	// Fetch sends req now. It fails fast with ErrOffline when the executor
	// is known to be offline.
	Fetch(ctx context.Context, req queue.Request, meta Meta) (*Response, error)

	// Enqueue persists d for replay and returns its ticket. An empty d.ID
	// is assigned.
	Enqueue(ctx context.Context, d *queue.Deferred) (*Ticket, error)

	// Cancel removes a queued request before it is dequeued. It reports
	// whether the request was still queued; its ticket completes with
	// ErrCancelled.
	Cancel(ctx context.Context, id string) bool

	// IsOnline reports the last known connectivity state.
	IsOnline() bool

	// Probe checks connectivity against the health endpoint and updates
	// the online state.
	Probe(ctx context.Context) bool

	// QueueStatus returns a snapshot of the queued requests in drain order.
	QueueStatus() QueueStatus

	// ClearQueue drops every queued request. Their tickets complete with
	// ErrCancelled.
	ClearQueue(ctx context.Context) error

	// ProcessQueue drains the queue now, highest priority first.
	ProcessQueue(ctx context.Context) (DrainReport, error)

	// Pending returns the tickets of all queued requests, including those
	// restored from storage at start-up.
	Pending() []*Ticket

	// Drained delivers a report after each drain that processed requests.
	Drained() <-chan DrainReport
}

// Meta describes an immediate request.
type Meta struct {
	// Context labels the call site ("getTasks", "conflictCheck", ...).
	Context string
	// Priority is recorded on the span only; immediate requests are not queued.
	Priority int
	// UseCache allows a GET to be answered from the last good response
	// when the server is unreachable.
	UseCache bool
}

// Response is a completed HTTP exchange with a 2xx status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// Decode unmarshals the JSON body into dst.
func (r *Response) Decode(dst any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// QueueStatus is a snapshot of the deferred queue.
type QueueStatus struct {
	Count    int              `json:"count"`
	Requests []queue.Deferred `json:"requests"`
}

// DrainReport summarizes one ProcessQueue run.
type DrainReport struct {
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	Online    bool      `json:"online"`
	At        time.Time `json:"at"`
}
