package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// MaxActivities bounds the local activity log.
const MaxActivities = 50

// ActivityKind names the mutation an activity records.
type ActivityKind string

const (
	ActivityCreated ActivityKind = "created"
	ActivityUpdated ActivityKind = "updated"
	ActivityDeleted ActivityKind = "deleted"
)

// Outcome is the lifecycle state an activity was recorded in.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeConflict  Outcome = "conflict"
)

// Activity is one entry of the recent-activity log.
type Activity struct {
	ID        string       `json:"id"`
	Kind      ActivityKind `json:"kind"`
	Outcome   Outcome      `json:"outcome"`
	TaskID    string       `json:"taskId"`
	Title     string       `json:"title,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Stats summarizes the apparent collection.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"byStatus"`
	ByPriority     map[string]int `json:"byPriority"`
	Completed      int            `json:"completed"`
	Overdue        int            `json:"overdue"`
	Pending        int            `json:"pending"`
	CompletionRate float64        `json:"completionRate"`
	ComputedAt     time.Time      `json:"computedAt"`
}

// ComputeStats summarizes tasks as of now.
func ComputeStats(tasks []schema.Task, now time.Time) Stats {
	st := Stats{
		Total:      len(tasks),
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ComputedAt: now,
	}
	for i := range tasks {
		t := &tasks[i]
		st.ByStatus[t.Status]++
		st.ByPriority[t.Priority]++
		if t.Status == schema.StatusDone {
			st.Completed++
		}
		if t.IsOverdue(now) {
			st.Overdue++
		}
		if t.Optimistic {
			st.Pending++
		}
	}
	if st.Total > 0 {
		st.CompletionRate = float64(st.Completed) / float64(st.Total)
	}
	return st
}

// GetTaskStats computes stats from the apparent collection and caches them.
func (s *Service) GetTaskStats(ctx context.Context) (Stats, error) {
	tasks, err := s.GetTasks(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := ComputeStats(tasks, s.now())
	if err := s.cache.Write(ctx, cache.KeyStats, st); err != nil {
		return Stats{}, fmt.Errorf("failed to cache stats: %w", err)
	}
	return st, nil
}

// GetRecentActivities returns up to limit activities, newest first. A
// limit of zero or less returns the whole log.
func (s *Service) GetRecentActivities(ctx context.Context, limit int) ([]Activity, error) {
	var entries []Activity
	if _, err := s.cache.Read(ctx, cache.KeyActivities, &entries); err != nil {
		return nil, fmt.Errorf("failed to read activities: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []Activity{}
	}
	return entries, nil
}

func activityFor(op queue.Operation) ActivityKind {
	switch op {
	case queue.OpCreateTask:
		return ActivityCreated
	case queue.OpDeleteTask:
		return ActivityDeleted
	default:
		return ActivityUpdated
	}
}

// recordActivity prepends an entry to the log. Failures are logged only.
func (s *Service) recordActivity(ctx context.Context, kind ActivityKind, task schema.Task, outcome Outcome) {
	s.actMu.Lock()
	defer s.actMu.Unlock()

	var entries []Activity
	if _, err := s.cache.Read(ctx, cache.KeyActivities, &entries); err != nil {
		s.logger.Printf("Warning: failed to read activities: %v", err)
	}
	entry := Activity{
		ID:        uuid.NewString(),
		Kind:      kind,
		Outcome:   outcome,
		TaskID:    task.ID,
		Title:     task.Title,
		Timestamp: s.now(),
	}
	entries = append([]Activity{entry}, entries...)
	if len(entries) > MaxActivities {
		entries = entries[:MaxActivities]
	}
	if err := s.cache.Write(ctx, cache.KeyActivities, entries); err != nil {
		s.logger.Printf("Warning: failed to record activity: %v", err)
	}
}
