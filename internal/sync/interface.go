package sync

import (
	"context"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/tasks"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Engine is the surface the CLI, daemon and dashboard consume.
//
// Mutations never return an error for expected conditions: an offline
// mutation comes back with Result.Queued set and a rejected update carries
// the conflict in Result.Conflict. Errors mean the change was rolled back.
type Engine interface {
	// GetTasks returns the collection with pending changes applied.
	// Online it refreshes from the server; offline it serves the cache.
	GetTasks(ctx context.Context) ([]schema.Task, error)

	// GetTask returns one record. Temporary ids of confirmed creates
	// resolve to the server record.
	GetTask(ctx context.Context, id string) (schema.Task, error)

	// CreateTask records a new task optimistically and submits it.
	//
	// Example:
	//   res, err := engine.CreateTask(ctx, schema.Task{Title: "Write docs"})
	//   if err == nil && res.Queued {
	//       fmt.Println("saved offline as", res.Task.ID)
	//   }
	CreateTask(ctx context.Context, draft schema.Task) (*tasks.Result, error)

	// UpdateTask applies patch to the task. A high-severity conflict with
	// the server copy is returned unapplied in Result.Conflict.
	UpdateTask(ctx context.Context, id string, patch schema.TaskPatch) (*tasks.Result, error)

	// DeleteTask removes the task.
	DeleteTask(ctx context.Context, id string) (*tasks.Result, error)

	GetTaskStats(ctx context.Context) (tasks.Stats, error)
	GetRecentActivities(ctx context.Context, limit int) ([]tasks.Activity, error)

	// Conflicts lists unresolved conflicts.
	Conflicts() []*conflict.Conflict

	// ResolveConflict applies strategy to a registered conflict. merged is
	// required for conflict.StrategyMerge.
	//
	// Example:
	//   res, err := engine.ResolveConflict(ctx, c.ID, conflict.StrategyRemote, nil)
	ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy, merged *schema.Task) (*conflict.Resolution, error)

	// GetSyncStatistics reports the version stamp and queue state.
	GetSyncStatistics(ctx context.Context) SyncStatistics

	// ForceSyncAll drains the deferred queue now and waits for every
	// replayed mutation to settle.
	ForceSyncAll(ctx context.Context) (transport.DrainReport, error)

	// Probe checks connectivity and reports whether the server is reachable.
	Probe(ctx context.Context) bool

	// IsOnline reports the last known connectivity.
	IsOnline() bool

	// Refresh re-fetches the collection, ignoring the cache.
	Refresh(ctx context.Context) ([]schema.Task, error)

	// ExportData writes a backup of the apparent collection to path.
	ExportData(ctx context.Context, path string, format schema.Format) ExportResult

	// ImportData clears local state, replays every task in the backup at
	// path through the create path and finishes with one ForceSyncAll.
	ImportData(ctx context.Context, path string) ImportResult

	// ClearCache drops cached entries, pending changes, queued requests and
	// unresolved conflicts.
	ClearCache(ctx context.Context) error

	GetCacheStatus(ctx context.Context) (CacheStatus, error)
}

// VersionStamp is the persisted data version.
type VersionStamp struct {
	TasksVersion int64      `json:"tasksVersion"`
	LastSync     *time.Time `json:"lastSync,omitempty"`
	LastModified time.Time  `json:"lastModified"`
}

// SyncStatistics is the answer to GetSyncStatistics.
type SyncStatistics struct {
	LastSync       *time.Time `json:"lastSync"`
	CurrentVersion int64      `json:"currentVersion"`
	PendingSync    int        `json:"pendingSync"`
	PendingChanges int        `json:"pendingChanges"`
	Conflicts      int        `json:"conflicts"`
	IsOnline       bool       `json:"isOnline"`
}

// CacheStatus describes what is stored locally.
type CacheStatus struct {
	Entries        []cache.EntryInfo `json:"entries"`
	TotalSize      int               `json:"totalSize"`
	PendingChanges int               `json:"pendingChanges"`
	QueuedRequests int               `json:"queuedRequests"`
	Conflicts      int               `json:"conflicts"`
	Version        VersionStamp      `json:"version"`
}

// ExportResult reports an export. Err is set when Success is false.
type ExportResult struct {
	Success bool
	Path    string
	Format  schema.Format
	Count   int
	Err     error
}

// ImportResult reports an import. Failed counts records the create path
// refused; Err is set only when the import as a whole did not run.
type ImportResult struct {
	Success  bool
	Imported int
	Queued   int
	Failed   int
	Sync     transport.DrainReport
	Err      error
}
