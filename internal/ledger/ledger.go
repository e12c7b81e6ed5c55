// Package ledger implements the pending-change ledger: the set of local
// mutations not yet confirmed by the server, applied as an overlay on top of
// cached server state.
//
// A change is one of Create, Update or Delete. The ledger holds at most one
// change per (kind, id); adding a second change with the same key replaces
// the first while keeping its position in iteration order.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Kind identifies the type of a pending change.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is a pending local mutation. The set of implementations is closed:
// Create, Update and Delete.
type Change interface {
	Kind() Kind
	TaskID() string
	isChange()
}

// Create records an optimistic insert.
type Create struct{ Task schema.Task }

// Update records an optimistic replacement of an existing record.
type Update struct{ Task schema.Task }

// Delete records an optimistic removal.
type Delete struct{ ID string }

func (Create) Kind() Kind { return KindCreate }
func (Update) Kind() Kind { return KindUpdate }
func (Delete) Kind() Kind { return KindDelete }

func (c Create) TaskID() string { return c.Task.ID }
func (u Update) TaskID() string { return u.Task.ID }
func (d Delete) TaskID() string { return d.ID }

func (Create) isChange() {}
func (Update) isChange() {}
func (Delete) isChange() {}

// Key returns the ledger key "{kind}-{id}".
func Key(kind Kind, id string) string {
	return fmt.Sprintf("%s-%s", kind, id)
}

// Entry is a change with its bookkeeping.
type Entry struct {
	Change    Change
	Seq       uint64
	Timestamp time.Time
}

// Key returns the entry's ledger key.
func (e Entry) Key() string {
	return Key(e.Change.Kind(), e.Change.TaskID())
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	seq     uint64
	now     func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Add records c and returns its sequence number. An existing change with the
// same key is replaced in place.
func (l *Ledger) Add(c Change) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	key := Key(c.Kind(), c.TaskID())
	if e, ok := l.entries[key]; ok {
		e.Change = c
		e.Seq = l.seq
		e.Timestamp = l.now()
		return l.seq
	}

	l.entries[key] = &Entry{Change: c, Seq: l.seq, Timestamp: l.now()}
	l.order = append(l.order, key)
	return l.seq
}

// Remove deletes the change for (kind, id). It reports whether one existed.
func (l *Ledger) Remove(kind Kind, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(Key(kind, id))
}

// RemoveIf deletes the change for (kind, id) only if it is still the one
// added with seq. A newer same-key change is left in place.
func (l *Ledger) RemoveIf(kind Kind, id string, seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key(kind, id)
	e, ok := l.entries[key]
	if !ok || e.Seq != seq {
		return false
	}
	return l.removeLocked(key)
}

func (l *Ledger) removeLocked(key string) bool {
	if _, ok := l.entries[key]; !ok {
		return false
	}
	delete(l.entries, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the change for (kind, id).
func (l *Ledger) Get(kind Kind, id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[Key(kind, id)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending returns a snapshot of all entries in iteration order.
func (l *Ledger) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, *l.entries[k])
	}
	return out
}

// Len returns the number of pending changes.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every pending change.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*Entry)
	l.order = nil
}

// Apply overlays the pending changes on a collection and returns the
// apparent collection. The input is not modified and applying the result
// again yields the same collection.
func (l *Ledger) Apply(tasks []schema.Task) []schema.Task {
	pending := l.Pending()

	out := schema.CloneAll(tasks)
	if out == nil {
		out = []schema.Task{}
	}
	for _, e := range pending {
		switch c := e.Change.(type) {
		case Create:
			if schema.IndexOf(out, c.Task.ID) < 0 {
				out = append(out, c.Task.Clone())
			}
		case Update:
			if i := schema.IndexOf(out, c.Task.ID); i >= 0 {
				out[i] = c.Task.Clone()
			}
		case Delete:
			if i := schema.IndexOf(out, c.ID); i >= 0 {
				out = append(out[:i], out[i+1:]...)
			}
		default:
			panic(fmt.Sprintf("ledger: unknown change type %T", e.Change))
		}
	}
	return out
}

// ApplySingle overlays the pending changes on one record. It returns false
// when a pending delete hides the record.
func (l *Ledger) ApplySingle(task schema.Task) (schema.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[Key(KindDelete, task.ID)]; ok {
		return schema.Task{}, false
	}
	if e, ok := l.entries[Key(KindUpdate, task.ID)]; ok {
		return e.Change.(Update).Task.Clone(), true
	}
	return task, true
}

// Lookup finds the apparent record for id from the overlay alone: a pending
// update or create. deleted is true when a pending delete exists.
func (l *Ledger) Lookup(id string) (task schema.Task, found, deleted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[Key(KindDelete, id)]; ok {
		return schema.Task{}, false, true
	}
	if e, ok := l.entries[Key(KindUpdate, id)]; ok {
		return e.Change.(Update).Task.Clone(), true, false
	}
	if e, ok := l.entries[Key(KindCreate, id)]; ok {
		return e.Change.(Create).Task.Clone(), true, false
	}
	return schema.Task{}, false, false
}
