// Package conflict detects divergence between a local record and the
// server copy, decides which divergences are rejected, and resolves them.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// TypeVersionConflict is the only conflict type.
const TypeVersionConflict = "version_conflict"

// Severity grades a conflict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// ParseSeverity converts a configured severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q (want low, medium or high)", s)
	}
}

// FieldConflict is one domain field that differs.
type FieldConflict struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"localValue"`
	ServerValue any    `json:"serverValue"`
}

// Conflict describes a local record that diverged from the server copy.
type Conflict struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	LocalVersion  int64           `json:"localVersion"`
	ServerVersion int64           `json:"serverVersion"`
	Fields        []FieldConflict `json:"conflictedFields"`
	Severity      Severity        `json:"severity"`
	Local         schema.Task     `json:"local"`
	Server        schema.Task     `json:"server"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

// highFields are the fields whose divergence makes a conflict high severity.
var highFields = map[string]bool{"status": true, "priority": true, "assignee": true}

// Diff lists the compared fields that differ between local and server.
func Diff(local, server schema.Task) []FieldConflict {
	var out []FieldConflict
	add := func(field string, l, s any) {
		out = append(out, FieldConflict{Field: field, LocalValue: l, ServerValue: s})
	}

	if local.Title != server.Title {
		add("title", local.Title, server.Title)
	}
	if local.Description != server.Description {
		add("description", local.Description, server.Description)
	}
	if local.Status != server.Status {
		add("status", local.Status, server.Status)
	}
	if local.Priority != server.Priority {
		add("priority", local.Priority, server.Priority)
	}
	if local.Assignee != server.Assignee {
		add("assignee", local.Assignee, server.Assignee)
	}
	if !sameTime(local.DueDate, server.DueDate) {
		add("dueDate", local.DueDate, server.DueDate)
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// SeverityOf grades a set of differing fields.
func SeverityOf(fields []FieldConflict) Severity {
	for _, f := range fields {
		if highFields[f.Field] {
			return SeverityHigh
		}
	}
	if len(fields) > 2 {
		return SeverityMedium
	}
	return SeverityLow
}

// Compare returns the conflict between local and server, or nil when the
// server copy is not newer.
func Compare(local, server schema.Task, now time.Time) *Conflict {
	var newer bool
	if local.Version > 0 {
		newer = server.Version > local.Version
	} else {
		newer = server.UpdatedAt.After(local.UpdatedAt)
	}
	if !newer {
		return nil
	}

	fields := Diff(local, server)
	return &Conflict{
		Type:          TypeVersionConflict,
		ID:            local.ID,
		TaskID:        local.ID,
		LocalVersion:  local.Version,
		ServerVersion: server.Version,
		Fields:        fields,
		Severity:      SeverityOf(fields),
		Local:         local.Clone(),
		Server:        server.Clone(),
		DetectedAt:    now,
	}
}

// Detector fetches the server copy of a record and compares it with the
// local one.
type Detector struct {
	exec   transport.Executor
	logger *log.Logger
	now    func() time.Time
}

// NewDetector creates a detector. If logger is nil, a default logger
// writing to stderr is used.
func NewDetector(exec transport.Executor, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Detector{exec: exec, logger: logger, now: time.Now}
}

// Detect returns the conflict for local, or nil. It never fails: when the
// check cannot be made (offline, temporary id, transport error) the update
// proceeds as last-writer-wins.
func (d *Detector) Detect(ctx context.Context, local schema.Task) *Conflict {
	if local.ID == "" || schema.IsTemporaryID(local.ID) || !d.exec.IsOnline() {
		return nil
	}

	resp, err := d.exec.Fetch(ctx, queue.ReadRequest(queue.TaskPath(local.ID)), transport.Meta{
		Context:  "conflictCheck",
		Priority: queue.PriorityUpdate,
	})
	if err != nil {
		if !errors.Is(err, transport.ErrNotFound) {
			d.logger.Printf("Warning: conflict check for %s skipped: %v", local.ID, err)
		}
		return nil
	}

	var server schema.Task
	if err := resp.Decode(&server); err != nil {
		d.logger.Printf("Warning: conflict check for %s skipped: %v", local.ID, err)
		return nil
	}

	c := Compare(local, server, d.now())
	if c != nil {
		d.logger.Printf("Detected %s conflict on %s (local v%d, server v%d, %d field(s))",
			c.Severity, c.TaskID, c.LocalVersion, c.ServerVersion, len(c.Fields))
	}
	return c
}

// Policy decides which conflicts reject an update.
type Policy struct {
	// RejectAt is the lowest severity that is rejected.
	RejectAt Severity
}

// DefaultPolicy rejects only high severity conflicts.
func DefaultPolicy() Policy {
	return Policy{RejectAt: SeverityHigh}
}

// ShouldReject reports whether c must be surfaced to the user instead of
// being overwritten.
func (p Policy) ShouldReject(c *Conflict) bool {
	if c == nil {
		return false
	}
	threshold := p.RejectAt
	if threshold.rank() == 0 {
		threshold = SeverityHigh
	}
	return c.Severity.rank() >= threshold.rank()
}
