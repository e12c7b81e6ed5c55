package ui

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/tasks"
)

func init() {
	// non-terminal output renders without escape codes
	Init(io.Discard)
}

func TestTaskLine(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	due := now.Add(-24 * time.Hour)

	tests := []struct {
		name string
		task schema.Task
		want []string
	}{
		{
			name: "plain",
			task: schema.Task{ID: "t-1", Title: "Ship", Status: schema.StatusTodo, Priority: schema.PriorityLow},
			want: []string{"○", "t-1", "Ship", "[low]"},
		},
		{
			name: "overdue and pending",
			task: schema.Task{ID: "temp_1", Title: "Fix", Status: schema.StatusInProgress, Priority: schema.PriorityUrgent,
				Assignee: "sam", DueDate: &due, Optimistic: true},
			want: []string{"◐", "@sam", "due 2026-03-09 (overdue)", "(pending sync)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TaskLine(tt.task, now)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("TaskLine() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestStatsView(t *testing.T) {
	got := StatsView(tasks.Stats{
		Total:          4,
		Completed:      1,
		CompletionRate: 0.25,
		ByStatus:       map[string]int{schema.StatusDone: 1, schema.StatusTodo: 3},
		ByPriority:     map[string]int{schema.PriorityMedium: 4},
	})
	for _, w := range []string{"Total", "1 (25%)", "todo", "medium"} {
		if !strings.Contains(got, w) {
			t.Errorf("StatsView() missing %q:\n%s", w, got)
		}
	}
}

func TestConflictView(t *testing.T) {
	c := &conflict.Conflict{
		TaskID:        "t-42",
		LocalVersion:  3,
		ServerVersion: 5,
		Severity:      conflict.SeverityHigh,
		Fields: []conflict.FieldConflict{
			{Field: "status", LocalValue: "done", ServerValue: "blocked"},
			{Field: "assignee", LocalValue: "", ServerValue: "kim"},
		},
	}
	got := ConflictView(c)
	for _, w := range []string{"t-42", "high", "local v3, server v5", "status", "done", "blocked", "kim"} {
		if !strings.Contains(got, w) {
			t.Errorf("ConflictView() missing %q:\n%s", w, got)
		}
	}
	if lines := strings.Count(got, "\n"); lines != 3 {
		t.Errorf("ConflictView() has %d line breaks, want 3:\n%s", lines, got)
	}
}
