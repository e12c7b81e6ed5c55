// Package cache implements the entity cache: timestamped JSON entries stored
// under namespaced keys in a durable store.
//
// Entries never expire. A miss is repaired by the caller with a fresh fetch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// Well-known keys.
const (
	KeyTasks       = "tasks:all"
	KeyStats       = "stats"
	KeyActivities  = "activities"
	KeyDataVersion = "meta:data_version"
	KeyConflicts   = "meta:conflicts"

	taskPrefix = "task:"
)

// TaskKey returns the per-record key for id.
func TaskKey(id string) string {
	return taskPrefix + id
}

// Entry is the stored envelope.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EntryInfo describes a cached key for status reporting.
type EntryInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
}

// Cache reads and writes entries in a Storage. It is safe for concurrent use
// as long as the underlying Storage is.
type Cache struct {
	st  store.Storage
	now func() time.Time
}

// New creates a cache over st.
func New(st store.Storage) *Cache {
	return &Cache{st: st, now: time.Now}
}

// WithClock overrides the timestamp source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Write stores value under key with the current timestamp.
func (c *Cache) Write(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	raw, err := json.Marshal(Entry{Data: data, Timestamp: c.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry for %s: %w", key, err)
	}
	if err := c.st.Save(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Read decodes the entry for key into dst. ok is false on a miss.
func (c *Cache) Read(ctx context.Context, key string, dst any) (bool, error) {
	entry, ok, err := c.entry(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) entry(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := c.st.Load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return entry, true, nil
}

// Timestamp returns when key was last written.
func (c *Cache) Timestamp(ctx context.Context, key string) (time.Time, bool, error) {
	entry, ok, err := c.entry(ctx, key)
	return entry.Timestamp, ok, err
}

// Remove deletes key.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.st.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// Keys lists cached keys with the given prefix.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.st.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	return keys, nil
}

// Tasks returns the cached collection.
func (c *Cache) Tasks(ctx context.Context) ([]schema.Task, bool, error) {
	var tasks []schema.Task
	ok, err := c.Read(ctx, KeyTasks, &tasks)
	return tasks, ok, err
}

// PutTasks replaces the cached collection.
func (c *Cache) PutTasks(ctx context.Context, tasks []schema.Task) error {
	if tasks == nil {
		tasks = []schema.Task{}
	}
	return c.Write(ctx, KeyTasks, tasks)
}

// Task returns the cached record for id.
func (c *Cache) Task(ctx context.Context, id string) (schema.Task, bool, error) {
	var task schema.Task
	ok, err := c.Read(ctx, TaskKey(id), &task)
	return task, ok, err
}

// PutTask writes a single record.
func (c *Cache) PutTask(ctx context.Context, task schema.Task) error {
	return c.Write(ctx, TaskKey(task.ID), task)
}

// RemoveTask removes a single record entry.
func (c *Cache) RemoveTask(ctx context.Context, id string) error {
	return c.Remove(ctx, TaskKey(id))
}

// cachePrefixes are the namespaces owned by the cache. Other keys in the same
// store (the deferred queue) are left alone by Entries and Clear.
var cachePrefixes = []string{KeyTasks, taskPrefix, KeyStats, KeyActivities, "meta:"}

func isCacheKey(key string) bool {
	for _, p := range cachePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Entries lists every cache entry with its timestamp.
func (c *Cache) Entries(ctx context.Context) ([]EntryInfo, error) {
	keys, err := c.Keys(ctx, "")
	if err != nil {
		return nil, err
	}

	var infos []EntryInfo
	for _, k := range keys {
		if !isCacheKey(k) {
			continue
		}
		raw, err := c.st.Load(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read cache entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("corrupt cache entry %s: %w", k, err)
		}
		infos = append(infos, EntryInfo{Key: k, Timestamp: entry.Timestamp, Size: len(entry.Data)})
	}
	return infos, nil
}

// Clear removes every cache entry.
func (c *Cache) Clear(ctx context.Context) error {
	for _, p := range cachePrefixes {
		if err := c.st.Clear(ctx, p); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}
