package schema

import (
	"fmt"
	"slices"
	"time"
)

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var (
	validStatuses   = []string{StatusTodo, StatusInProgress, StatusBlocked, StatusDone}
	validPriorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
)

// Task is the domain record kept in sync between the client and the server.
// The ID may be a temporary client id (see IsTemporaryID) until the server
// confirms the create. Version is assigned by the server and only grows.
type Task struct {
	// ===== Identity & versioning =====
	ID      string `json:"id" yaml:"id"`
	Version int64  `json:"version,omitempty" yaml:"version,omitempty"`

	// ===== Task content =====
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Status      string `json:"status" yaml:"status"`     // todo, in_progress, blocked, done
	Priority    string `json:"priority" yaml:"priority"` // low, medium, high, urgent

	// ===== Assignment & scheduling =====
	Assignee string     `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueDate  *time.Time `json:"dueDate,omitempty" yaml:"dueDate,omitempty"`
	Tags     []string   `json:"tags,omitempty" yaml:"tags,omitempty"`

	// ===== Timestamps (last-writer-wins fallback when no version) =====
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`

	// Optimistic is set only on records that exist in the local overlay and
	// have not been confirmed by the server.
	Optimistic bool `json:"_isOptimistic,omitempty" yaml:"_isOptimistic,omitempty"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !slices.Contains(validStatuses, t.Status) {
		return fmt.Errorf("status must be one of %v (got %q)", validStatuses, t.Status)
	}
	if !slices.Contains(validPriorities, t.Priority) {
		return fmt.Errorf("priority must be one of %v (got %q)", validPriorities, t.Priority)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Clone returns a deep copy so callers can mutate the result without
// touching cached or pending state.
func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	if t.Tags != nil {
		out.Tags = slices.Clone(t.Tags)
	}
	return out
}

// IsOverdue reports whether the task has a due date in the past and is not done.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.Status != StatusDone && t.DueDate.Before(now)
}

// TaskPatch describes a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty" yaml:"title,omitempty"`
	Description *string    `json:"description,omitempty" yaml:"description,omitempty"`
	Status      *string    `json:"status,omitempty" yaml:"status,omitempty"`
	Priority    *string    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Assignee    *string    `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty" yaml:"dueDate,omitempty"`
	ClearDue    bool       `json:"clearDue,omitempty" yaml:"clearDue,omitempty"`
	Tags        *[]string  `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.Assignee == nil && p.DueDate == nil &&
		!p.ClearDue && p.Tags == nil
}

// Apply returns a copy of task with the patch applied. Version and timestamps
// are left to the caller.
func (p TaskPatch) Apply(task Task) Task {
	out := task.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Assignee != nil {
		out.Assignee = *p.Assignee
	}
	if p.ClearDue {
		out.DueDate = nil
	}
	if p.DueDate != nil {
		due := *p.DueDate
		out.DueDate = &due
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(*p.Tags)
	}
	return out
}

// IndexOf returns the position of the task with the given id, or -1.
func IndexOf(tasks []Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// CloneAll deep-copies a collection.
func CloneAll(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].Clone()
	}
	return out
}
