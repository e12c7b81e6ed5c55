// Package events carries sync lifecycle events from the engine to any
// number of subscribers (CLI output, dashboard, daemon).
package events

import (
	"log"
	"os"
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	MutationQueued      Type = "mutation_queued"
	MutationConfirmed   Type = "mutation_confirmed"
	MutationFailed      Type = "mutation_failed"
	ConflictDetected    Type = "conflict_detected"
	ConflictResolved    Type = "conflict_resolved"
	SyncStarted         Type = "sync_started"
	SyncCompleted       Type = "sync_completed"
	TasksUpdated        Type = "tasks_updated"
	CacheCleared        Type = "cache_cleared"
	ConnectivityChanged Type = "connectivity_changed"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"taskId,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
	logger *log.Logger
}

// NewBus creates a bus. If logger is nil, a default logger writing to
// stderr is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Printf("Warning: subscriber %d buffer full, dropping %s event", id, e.Type)
		}
	}
}

// Subscribe returns a channel receiving events and a cancel function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
