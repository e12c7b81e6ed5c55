package conflict

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Registry holds unresolved conflicts in memory, keyed by conflict id.
type Registry struct {
	mu    sync.Mutex
	items map[string]*Conflict
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Conflict)}
}

// Put stores c, replacing an earlier conflict with the same id.
func (r *Registry) Put(c *Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.items[c.ID] = c
}

// Get returns the conflict with id.
func (r *Registry) Get(id string) (*Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	return c, ok
}

// Remove drops the conflict with id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return
	}
	delete(r.items, id)
	for i, k := range r.order {
		if k == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns unresolved conflicts in detection order.
func (r *Registry) List() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conflict, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// Len returns the number of unresolved conflicts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Clear drops every conflict.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]*Conflict)
	r.order = nil
}

// Strategy chooses how a conflict is resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// Strategies lists the supported strategies.
var Strategies = []Strategy{StrategyLocal, StrategyRemote, StrategyMerge}

// ParseStrategy converts a user supplied strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Outcome is what a Reconciler did with a resolved record.
type Outcome struct {
	Task    schema.Task
	Queued  bool
	QueueID string
}

// Reconciler applies a resolution to local state and the server.
type Reconciler interface {
	// DiscardLocal drops the pending change for the task (cancelling any
	// queued request) and adopts the server record.
	DiscardLocal(ctx context.Context, server schema.Task) error

	// ForcePush sends task now when online, queueing it otherwise.
	ForcePush(ctx context.Context, task schema.Task) (Outcome, error)

	// QueuePush writes task as the authoritative local state and queues
	// it for the next drain.
	QueuePush(ctx context.Context, task schema.Task) (Outcome, error)
}

// Resolution reports a resolved conflict.
type Resolution struct {
	ConflictID string      `json:"conflictId"`
	Strategy   Strategy    `json:"strategy"`
	Task       schema.Task `json:"task"`
	Queued     bool        `json:"queued"`
	QueueID    string      `json:"queueId,omitempty"`
}

// Resolver resolves registered conflicts through a Reconciler.
type Resolver struct {
	registry *Registry
	rec      Reconciler
	logger   *log.Logger
}

// NewResolver creates a resolver. If logger is nil, a default logger
// writing to stderr is used.
func NewResolver(registry *Registry, rec Reconciler, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{registry: registry, rec: rec, logger: logger}
}

// Resolve applies strategy to the conflict with id. merged is required for
// StrategyMerge and ignored otherwise. The conflict stays registered when
// the reconciler fails.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy Strategy, merged *schema.Task) (*Resolution, error) {
	c, ok := r.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}

	res := &Resolution{ConflictID: id, Strategy: strategy}

	switch strategy {
	case StrategyLocal:
		task := c.Local.Clone()
		task.Version = c.Server.Version + 1
		out, err := r.rec.ForcePush(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("failed to push local version of %s: %w", c.TaskID, err)
		}
		res.Task, res.Queued, res.QueueID = out.Task, out.Queued, out.QueueID

	case StrategyRemote:
		if err := r.rec.DiscardLocal(ctx, c.Server); err != nil {
			return nil, fmt.Errorf("failed to adopt server version of %s: %w", c.TaskID, err)
		}
		res.Task = c.Server.Clone()

	case StrategyMerge:
		if merged == nil {
			return nil, ErrMissingMergeData
		}
		task := merged.Clone()
		task.ID = c.TaskID
		task.Version = c.Server.Version + 1
		task.CreatedAt = c.Server.CreatedAt
		out, err := r.rec.QueuePush(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("failed to queue merged version of %s: %w", c.TaskID, err)
		}
		res.Task, res.Queued, res.QueueID = out.Task, out.Queued, out.QueueID

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	r.registry.Remove(id)
	r.logger.Printf("Resolved conflict on %s with %s strategy", c.TaskID, strategy)
	return res, nil
}

// Side picks the local or server value of a field when building a merge.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// MergeFields builds a merged record from the server copy, taking each
// conflicted field from the side named in picks. Unpicked fields keep the
// server value.
func MergeFields(c *Conflict, picks map[string]Side) schema.Task {
	out := c.Server.Clone()
	for _, f := range c.Fields {
		if picks[f.Field] != SideLocal {
			continue
		}
		switch f.Field {
		case "title":
			out.Title = c.Local.Title
		case "description":
			out.Description = c.Local.Description
		case "status":
			out.Status = c.Local.Status
		case "priority":
			out.Priority = c.Local.Priority
		case "assignee":
			out.Assignee = c.Local.Assignee
		case "dueDate":
			if c.Local.DueDate == nil {
				out.DueDate = nil
			} else {
				due := *c.Local.DueDate
				out.DueDate = &due
			}
		}
	}
	return out
}
