// Package tasks implements the optimistic mutation lifecycle on top of the
// entity cache, the pending-change ledger and the request executor.
//
// Every mutation is applied locally first (visible to readers immediately),
// then sent to the server when online or queued for replay when offline.
// A failed mutation is rolled back before the error is returned, so callers
// never observe a half-applied optimistic state.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/events"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// ErrTaskNotFound is returned when a task is neither cached, pending nor
// known to the server.
var ErrTaskNotFound = fmt.Errorf("task %w", transport.ErrNotFound)

// ErrTaskSyncing is returned when a mutation targets a temporary record
// whose create is being replayed right now.
var ErrTaskSyncing = errors.New("task is being synced, retry shortly")

// Result is the outcome of a mutation. Expected offline and conflict
// conditions are reported here rather than as errors.
type Result struct {
	Success  bool               `json:"success"`
	Task     schema.Task        `json:"task"`
	Queued   bool               `json:"queued"`
	QueueID  string             `json:"queueId,omitempty"`
	Conflict *conflict.Conflict `json:"conflict,omitempty"`
}

// Err returns a *conflict.ConflictError when the change was rejected, and
// nil otherwise.
func (r *Result) Err() error {
	if r == nil || r.Conflict == nil {
		return nil
	}
	return &conflict.ConflictError{Conflict: r.Conflict}
}

// Config wires a Service.
type Config struct {
	Cache    *cache.Cache
	Ledger   *ledger.Ledger
	Executor transport.Executor
	Detector *conflict.Detector
	Policy   conflict.Policy
	Registry *conflict.Registry
	Bus      *events.Bus

	// IDs mints temporary ids (default: schema.TimeIDs).
	IDs schema.IDGenerator

	// Logger (default: stderr with [tasks] prefix).
	Logger *log.Logger

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

// queuedReq tracks the deferred request currently holding an
// (operation, task) slot.
type queuedReq struct {
	ticket   *transport.Ticket
	seq      uint64
	original *schema.Task
	settled  chan struct{} // closed once the outcome is applied
}

// Service runs task reads and mutations.
type Service struct {
	cache    *cache.Cache
	ledger   *ledger.Ledger
	exec     transport.Executor
	detector *conflict.Detector
	policy   conflict.Policy
	registry *conflict.Registry
	bus      *events.Bus
	ids      schema.IDGenerator
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	queued map[string]*queuedReq
	idMap  map[string]string // temporary id -> server id

	actMu sync.Mutex

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New creates a Service. Cache, Ledger and Executor are required.
func New(cfg Config) (*Service, error) {
	if cfg.Cache == nil || cfg.Ledger == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("cache, ledger and executor are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[tasks] ", log.LstdFlags)
	}
	if cfg.Detector == nil {
		cfg.Detector = conflict.NewDetector(cfg.Executor, cfg.Logger)
	}
	if cfg.Registry == nil {
		cfg.Registry = conflict.NewRegistry()
	}
	if cfg.Policy.RejectAt == "" {
		cfg.Policy = conflict.DefaultPolicy()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(cfg.Logger)
	}
	if cfg.IDs == nil {
		cfg.IDs = schema.TimeIDs{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		cache:    cfg.Cache,
		ledger:   cfg.Ledger,
		exec:     cfg.Executor,
		detector: cfg.Detector,
		policy:   cfg.Policy,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		ids:      cfg.IDs,
		logger:   cfg.Logger,
		now:      cfg.Now,
		queued:   make(map[string]*queuedReq),
		idMap:    make(map[string]string),
		stop:     make(chan struct{}),
	}, nil
}

// Registry returns the conflict registry used for rejected updates.
func (s *Service) Registry() *conflict.Registry { return s.registry }

// Wait blocks until every request the executor has already completed has
// had its outcome applied to the cache. Requests still queued are not
// waited for.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	var pending []chan struct{}
	for _, q := range s.queued {
		if q.ticket.Settled() {
			pending = append(pending, q.settled)
		}
	}
	s.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops settle goroutines. Queued requests stay persisted in the
// executor and are picked up again by Recover.
func (s *Service) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Reset forgets queued-request bookkeeping and the temporary id map. Used
// after the ledger and the executor queue were cleared.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = make(map[string]*queuedReq)
	s.idMap = make(map[string]string)
}

// ResolveID maps a temporary id to its server id once the create is
// confirmed.
func (s *Service) ResolveID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if real, ok := s.idMap[id]; ok {
		return real
	}
	return id
}

// Recover rebuilds ledger entries and settle goroutines for requests the
// executor restored from storage.
func (s *Service) Recover(ctx context.Context) (int, error) {
	tickets := s.exec.Pending()
	if len(tickets) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ticket := range tickets {
		d := ticket.Deferred()
		task, err := d.Task()
		if err != nil {
			s.logger.Printf("Warning: cannot recover queued %s %s: %v", d.Operation, d.TaskID, err)
			continue
		}
		task.Optimistic = true

		var change ledger.Change
		switch d.Operation {
		case queue.OpCreateTask:
			change = ledger.Create{Task: task}
		case queue.OpUpdateTask:
			change = ledger.Update{Task: task}
		case queue.OpDeleteTask:
			change = ledger.Delete{ID: d.TaskID}
		default:
			s.logger.Printf("Warning: cannot recover queued request %s: %v", d.ID, queue.ErrUnsupportedOperation)
			continue
		}

		seq := s.ledger.Add(change)
		s.track(d.Operation, d.TaskID, ticket, seq, d.Original)
	}

	if err := s.rewriteLocked(ctx, nil); err != nil {
		return 0, err
	}
	s.logger.Printf("Recovered %d queued mutation(s)", len(tickets))
	return len(tickets), nil
}

// rewriteLocked rewrites the cached collection through fn and the overlay.
// Callers hold s.mu.
func (s *Service) rewriteLocked(ctx context.Context, fn func([]schema.Task) []schema.Task) error {
	coll, _, err := s.cache.Tasks(ctx)
	if err != nil {
		return err
	}
	if fn != nil {
		coll = fn(coll)
	}
	return s.cache.PutTasks(ctx, s.ledger.Apply(coll))
}

// apparentLocked returns the record readers currently see for id.
func (s *Service) apparentLocked(ctx context.Context, id string) (schema.Task, bool, error) {
	pending, found, deleted := s.ledger.Lookup(id)
	if deleted {
		return schema.Task{}, false, nil
	}
	if found {
		return pending, true, nil
	}

	if t, ok, err := s.cache.Task(ctx, id); err != nil {
		return schema.Task{}, false, err
	} else if ok {
		return t, true, nil
	}

	coll, _, err := s.cache.Tasks(ctx)
	if err != nil {
		return schema.Task{}, false, err
	}
	if i := schema.IndexOf(coll, id); i >= 0 {
		return coll[i], true, nil
	}
	return schema.Task{}, false, nil
}

// GetTasks returns the apparent collection. Online it refreshes the cache
// from the server; offline, or when the fetch fails, it serves the cache.
func (s *Service) GetTasks(ctx context.Context) ([]schema.Task, error) {
	if s.exec.IsOnline() {
		server, err := s.fetchTasks(ctx)
		if err == nil {
			return s.mirror(ctx, server)
		}
		if !transport.IsOffline(err) {
			s.logger.Printf("Warning: fetching tasks failed, serving cache: %v", err)
		}
	}

	coll, _, err := s.cache.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached tasks: %w", err)
	}
	return s.ledger.Apply(coll), nil
}

// Refresh re-fetches the collection from the server, ignoring the cache.
func (s *Service) Refresh(ctx context.Context) ([]schema.Task, error) {
	server, err := s.fetchTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh tasks: %w", err)
	}
	return s.mirror(ctx, server)
}

func (s *Service) fetchTasks(ctx context.Context) ([]schema.Task, error) {
	resp, err := s.exec.Fetch(ctx, queue.ReadRequest(queue.TasksPath), transport.Meta{
		Context:  "getTasks",
		Priority: queue.PriorityDefault,
	})
	if err != nil {
		return nil, err
	}
	var server []schema.Task
	if err := resp.Decode(&server); err != nil {
		return nil, err
	}
	return server, nil
}

// mirror stores a fresh server collection and returns it with the overlay.
func (s *Service) mirror(ctx context.Context, server []schema.Task) ([]schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apparent := s.ledger.Apply(server)
	if err := s.cache.PutTasks(ctx, apparent); err != nil {
		return nil, fmt.Errorf("failed to cache tasks: %w", err)
	}
	for _, t := range server {
		if err := s.cache.PutTask(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to cache task %s: %w", t.ID, err)
		}
	}
	return apparent, nil
}

// GetTask returns the apparent record for id. Temporary ids of confirmed
// creates resolve to the server record.
func (s *Service) GetTask(ctx context.Context, id string) (schema.Task, error) {
	id = s.ResolveID(id)

	if _, deleted := s.pendingDelete(id); deleted {
		return schema.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if s.exec.IsOnline() && !schema.IsTemporaryID(id) {
		server, err := s.fetchTask(ctx, id)
		switch {
		case err == nil:
			if err := s.cache.PutTask(ctx, server); err != nil {
				return schema.Task{}, fmt.Errorf("failed to cache task: %w", err)
			}
			if t, ok := s.ledger.ApplySingle(server); ok {
				return t, nil
			}
			return schema.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)

		case errors.Is(err, transport.ErrNotFound):
			if pending, found, _ := s.ledger.Lookup(id); found {
				return pending, nil
			}
			_ = s.cache.RemoveTask(ctx, id)
			return schema.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)

		case !transport.IsOffline(err):
			s.logger.Printf("Warning: fetching task %s failed, serving cache: %v", id, err)
		}
	}

	s.mu.Lock()
	t, ok, err := s.apparentLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to read cached task: %w", err)
	}
	if !ok {
		return schema.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if applied, visible := s.ledger.ApplySingle(t); visible {
		return applied, nil
	}
	return schema.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (s *Service) fetchTask(ctx context.Context, id string) (schema.Task, error) {
	resp, err := s.exec.Fetch(ctx, queue.ReadRequest(queue.TaskPath(id)), transport.Meta{
		Context:  "getTask",
		Priority: queue.PriorityDefault,
	})
	if err != nil {
		return schema.Task{}, err
	}
	var server schema.Task
	if err := resp.Decode(&server); err != nil {
		return schema.Task{}, err
	}
	return server, nil
}

// repairMiss fetches id when neither the overlay nor the cache has it and
// mirrors the server record into the cache. Offline, or when the server has
// no such record, it leaves the cache alone.
func (s *Service) repairMiss(ctx context.Context, id string) error {
	if !s.exec.IsOnline() || schema.IsTemporaryID(id) {
		return nil
	}
	if _, deleted := s.pendingDelete(id); deleted {
		return nil
	}
	s.mu.Lock()
	_, ok, err := s.apparentLocked(ctx, id)
	s.mu.Unlock()
	if err != nil || ok {
		return err
	}

	server, err := s.fetchTask(ctx, id)
	if err != nil {
		if !errors.Is(err, transport.ErrNotFound) && !transport.IsOffline(err) {
			s.logger.Printf("Warning: fetching task %s failed: %v", id, err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.PutTask(ctx, server); err != nil {
		return fmt.Errorf("failed to cache task: %w", err)
	}
	return s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
		if schema.IndexOf(coll, server.ID) < 0 {
			coll = append(coll, server)
		}
		return coll
	})
}

func (s *Service) pendingDelete(id string) (ledger.Entry, bool) {
	return s.ledger.Get(ledger.KindDelete, id)
}

func (s *Service) publish(typ events.Type, op queue.Operation, taskID, msg string, data any) {
	s.bus.Publish(events.Event{
		Type:      typ,
		TaskID:    taskID,
		Operation: string(op),
		Message:   msg,
		Data:      data,
		Timestamp: s.now(),
	})
}
