package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/events"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/tasks"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Options wires an Orchestrator. Storage and Executor are required.
type Options struct {
	// Storage backs the entity cache. The executor may share it for its
	// persisted queue.
	Storage store.Storage

	// Executor sends and queues requests.
	Executor transport.Executor

	// Policy decides which conflicts reject an update (default: high).
	Policy conflict.Policy

	// IDs mints temporary ids (default: schema.TimeIDs).
	IDs schema.IDGenerator

	// Bus receives lifecycle events (default: a new bus).
	Bus *events.Bus

	// Logger (default: stderr with [sync] prefix).
	Logger *log.Logger

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

// Orchestrator implements Engine. Construct one per process with New and
// pass it to consumers.
type Orchestrator struct {
	cache    *cache.Cache
	ledger   *ledger.Ledger
	exec     transport.Executor
	registry *conflict.Registry
	resolver *conflict.Resolver
	tasks    *tasks.Service
	bus      *events.Bus
	logger   *log.Logger
	now      func() time.Time

	mu         stdsync.Mutex
	stamp      VersionStamp
	lastReport time.Time
	online     bool

	stop chan struct{}
	wg   stdsync.WaitGroup
	once stdsync.Once
}

var _ Engine = (*Orchestrator)(nil)

// New builds the engine: cache, ledger, conflict registry and mutation
// service over opts.Storage and opts.Executor. The version stamp is read
// back from the cache and queued requests restored by the executor are
// re-attached to the ledger.
//
// Example:
//
//	exec, err := transport.NewHTTP(ctx, transport.Config{BaseURL: url, Storage: st})
//	if err != nil {
//	    return err
//	}
//	engine, err := sync.New(ctx, sync.Options{Storage: st, Executor: exec})
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Storage == nil || opts.Executor == nil {
		return nil, fmt.Errorf("storage and executor are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := cache.New(opts.Storage).WithClock(opts.Now)
	l := ledger.New()
	registry := conflict.NewRegistry()

	svc, err := tasks.New(tasks.Config{
		Cache:    c,
		Ledger:   l,
		Executor: opts.Executor,
		Detector: conflict.NewDetector(opts.Executor, opts.Logger),
		Policy:   opts.Policy,
		Registry: registry,
		Bus:      opts.Bus,
		IDs:      opts.IDs,
		Logger:   opts.Logger,
		Now:      opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	o := &Orchestrator{
		cache:    c,
		ledger:   l,
		exec:     opts.Executor,
		registry: registry,
		resolver: conflict.NewResolver(registry, svc, opts.Logger),
		tasks:    svc,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.Now,
		online:   opts.Executor.IsOnline(),
		stop:     make(chan struct{}),
	}

	if _, err := c.Read(ctx, cache.KeyDataVersion, &o.stamp); err != nil {
		o.logger.Printf("Warning: ignoring unreadable version stamp: %v", err)
		o.stamp = VersionStamp{}
	}
	var saved []*conflict.Conflict
	if _, err := c.Read(ctx, cache.KeyConflicts, &saved); err != nil {
		o.logger.Printf("Warning: ignoring unreadable conflicts: %v", err)
	}
	for _, cf := range saved {
		registry.Put(cf)
	}
	if n, err := svc.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover queued mutations: %w", err)
	} else if n > 0 {
		o.logger.Printf("Restored %d queued mutation(s) from storage", n)
	}

	o.wg.Add(1)
	go o.watchDrains()
	return o, nil
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Close stops background work. Queued requests stay persisted.
func (o *Orchestrator) Close() {
	o.once.Do(func() {
		close(o.stop)
		o.wg.Wait()
		o.tasks.Close()
	})
}

// watchDrains records drain reports published by the executor, including
// drains started by someone other than ForceSyncAll.
func (o *Orchestrator) watchDrains() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case r, ok := <-o.exec.Drained():
			if !ok {
				return
			}
			o.markSynced(context.Background(), r)
		}
	}
}

// markSynced applies a drain report to the version stamp once.
func (o *Orchestrator) markSynced(ctx context.Context, r transport.DrainReport) {
	o.mu.Lock()
	if !r.At.After(o.lastReport) {
		o.mu.Unlock()
		return
	}
	o.lastReport = r.At
	if r.Remaining == 0 && r.Online {
		at := r.At
		o.stamp.LastSync = &at
	}
	err := o.saveStampLocked(ctx)
	o.mu.Unlock()

	if err != nil {
		o.logger.Printf("Warning: %v", err)
	}
	o.bus.Publish(events.Event{
		Type:    events.SyncCompleted,
		Message: fmt.Sprintf("%d succeeded, %d failed, %d remaining", r.Succeeded, r.Failed, r.Remaining),
		Data:    r,
	})
}

func (o *Orchestrator) saveStampLocked(ctx context.Context) error {
	if err := o.cache.Write(ctx, cache.KeyDataVersion, o.stamp); err != nil {
		return fmt.Errorf("failed to persist version stamp: %w", err)
	}
	return nil
}

// bump advances the data version after a confirmed or queued mutation.
func (o *Orchestrator) bump(ctx context.Context) {
	o.mu.Lock()
	o.stamp.TasksVersion++
	o.stamp.LastModified = o.now()
	err := o.saveStampLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		o.logger.Printf("Warning: %v", err)
	}
}

func (o *Orchestrator) afterMutation(ctx context.Context, res *tasks.Result, err error) (*tasks.Result, error) {
	if err == nil && res != nil && res.Success {
		o.bump(ctx)
	}
	return res, err
}

// GetTasks implements Engine.
func (o *Orchestrator) GetTasks(ctx context.Context) ([]schema.Task, error) {
	return o.tasks.GetTasks(ctx)
}

// GetTask implements Engine.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (schema.Task, error) {
	return o.tasks.GetTask(ctx, id)
}

// CreateTask implements Engine.
func (o *Orchestrator) CreateTask(ctx context.Context, draft schema.Task) (*tasks.Result, error) {
	res, err := o.tasks.CreateTask(ctx, draft)
	return o.afterMutation(ctx, res, err)
}

// UpdateTask implements Engine.
func (o *Orchestrator) UpdateTask(ctx context.Context, id string, patch schema.TaskPatch) (*tasks.Result, error) {
	res, err := o.tasks.UpdateTask(ctx, id, patch)
	if err == nil && res != nil && res.Conflict != nil {
		o.saveConflicts(ctx)
	}
	return o.afterMutation(ctx, res, err)
}

// saveConflicts persists the registry so a later process can resolve
// conflicts detected by this one.
func (o *Orchestrator) saveConflicts(ctx context.Context) {
	if err := o.cache.Write(ctx, cache.KeyConflicts, o.registry.List()); err != nil {
		o.logger.Printf("Warning: failed to persist conflicts: %v", err)
	}
}

// DeleteTask implements Engine.
func (o *Orchestrator) DeleteTask(ctx context.Context, id string) (*tasks.Result, error) {
	res, err := o.tasks.DeleteTask(ctx, id)
	return o.afterMutation(ctx, res, err)
}

// GetTaskStats implements Engine.
func (o *Orchestrator) GetTaskStats(ctx context.Context) (tasks.Stats, error) {
	return o.tasks.GetTaskStats(ctx)
}

// GetRecentActivities implements Engine.
func (o *Orchestrator) GetRecentActivities(ctx context.Context, limit int) ([]tasks.Activity, error) {
	return o.tasks.GetRecentActivities(ctx, limit)
}

// Conflicts implements Engine.
func (o *Orchestrator) Conflicts() []*conflict.Conflict {
	return o.registry.List()
}

// ResolveConflict implements Engine.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy, merged *schema.Task) (*conflict.Resolution, error) {
	res, err := o.resolver.Resolve(ctx, conflictID, strategy, merged)
	o.saveConflicts(ctx)
	if err != nil {
		return nil, err
	}
	o.bump(ctx)
	o.bus.Publish(events.Event{
		Type:    events.ConflictResolved,
		TaskID:  res.Task.ID,
		Message: string(strategy),
		Data:    res,
	})
	return res, nil
}

// GetSyncStatistics implements Engine.
func (o *Orchestrator) GetSyncStatistics(ctx context.Context) SyncStatistics {
	o.mu.Lock()
	stamp := o.stamp
	o.mu.Unlock()

	return SyncStatistics{
		LastSync:       stamp.LastSync,
		CurrentVersion: stamp.TasksVersion,
		PendingSync:    o.exec.QueueStatus().Count,
		PendingChanges: o.ledger.Len(),
		Conflicts:      o.registry.Len(),
		IsOnline:       o.exec.IsOnline(),
	}
}

// ForceSyncAll implements Engine.
func (o *Orchestrator) ForceSyncAll(ctx context.Context) (transport.DrainReport, error) {
	o.bus.Publish(events.Event{Type: events.SyncStarted, Message: fmt.Sprintf("%d queued", o.exec.QueueStatus().Count)})

	report, err := o.exec.ProcessQueue(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to drain queue: %w", err)
	}
	if err := o.tasks.Wait(ctx); err != nil {
		return report, fmt.Errorf("failed waiting for replayed mutations: %w", err)
	}
	o.noteConnectivity(report.Online)

	if report.Online {
		if _, err := o.tasks.Refresh(ctx); err != nil {
			o.logger.Printf("Warning: refresh after sync failed: %v", err)
		}
	}
	if report.At.IsZero() {
		report.At = o.now()
	}
	o.markSynced(ctx, report)
	return report, nil
}

// Probe implements Engine.
func (o *Orchestrator) Probe(ctx context.Context) bool {
	online := o.exec.Probe(ctx)
	o.noteConnectivity(online)
	return online
}

// IsOnline implements Engine.
func (o *Orchestrator) IsOnline() bool {
	return o.exec.IsOnline()
}

func (o *Orchestrator) noteConnectivity(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	o.mu.Unlock()

	if changed {
		state := "offline"
		if online {
			state = "online"
		}
		o.logger.Printf("Connectivity changed: %s", state)
		o.bus.Publish(events.Event{Type: events.ConnectivityChanged, Message: state, Data: online})
	}
}

// Refresh implements Engine.
func (o *Orchestrator) Refresh(ctx context.Context) ([]schema.Task, error) {
	list, err := o.tasks.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{Type: events.TasksUpdated, Message: fmt.Sprintf("%d tasks", len(list))})
	return list, nil
}

// ClearCache implements Engine.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if err := o.exec.ClearQueue(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	o.ledger.Clear()
	o.registry.Clear()
	o.tasks.Reset()
	if err := o.cache.Clear(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.stamp = VersionStamp{}
	o.mu.Unlock()

	o.logger.Printf("Cleared local cache")
	o.bus.Publish(events.Event{Type: events.CacheCleared})
	return nil
}

// GetCacheStatus implements Engine.
func (o *Orchestrator) GetCacheStatus(ctx context.Context) (CacheStatus, error) {
	entries, err := o.cache.Entries(ctx)
	if err != nil {
		return CacheStatus{}, fmt.Errorf("failed to list cache entries: %w", err)
	}

	st := CacheStatus{
		Entries:        entries,
		PendingChanges: o.ledger.Len(),
		QueuedRequests: o.exec.QueueStatus().Count,
		Conflicts:      o.registry.Len(),
	}
	for _, e := range entries {
		st.TotalSize += e.Size
	}
	o.mu.Lock()
	st.Version = o.stamp
	o.mu.Unlock()
	return st, nil
}
