package main

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/tasks"
)

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC) // a Wednesday

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2026-03-14", want: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		{in: "2026-03-14T17:30:00Z", want: time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)},
		{in: "tomorrow", want: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)},
		{in: "qqq", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDue(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDue(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			// phrases keep the time of day of now; compare dates only for them
			if got.Year() != tt.want.Year() || got.YearDay() != tt.want.YearDay() {
				t.Errorf("parseDue(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTakes(t *testing.T) {
	picks, err := parseTakes([]string{"status=local", "assignee=SERVER"})
	if err != nil {
		t.Fatalf("parseTakes() failed: %v", err)
	}
	if picks["status"] != conflict.SideLocal || picks["assignee"] != conflict.SideServer {
		t.Errorf("parseTakes() = %v", picks)
	}

	for _, bad := range []string{"status", "status=mine"} {
		if _, err := parseTakes([]string{bad}); err == nil {
			t.Errorf("parseTakes(%q) accepted invalid input", bad)
		}
	}
}

func TestPatchFromFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "update"}
	cmd.Flags().String("title", "", "")
	cmd.Flags().String("description", "", "")
	cmd.Flags().String("status", "", "")
	cmd.Flags().String("priority", "", "")
	cmd.Flags().String("assignee", "", "")
	cmd.Flags().String("due", "", "")
	cmd.Flags().StringSlice("tag", nil, "")
	cmd.Flags().Bool("clear-due", false, "")

	if err := cmd.Flags().Parse([]string{"--status", "done", "--assignee", "", "--tag", "a", "--tag", "b"}); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	p, err := patchFromFlags(cmd, time.Now())
	if err != nil {
		t.Fatalf("patchFromFlags() failed: %v", err)
	}

	if p.Status == nil || *p.Status != "done" {
		t.Errorf("Status = %v, want done", p.Status)
	}
	if p.Assignee == nil || *p.Assignee != "" {
		t.Errorf("Assignee = %v, want explicit empty", p.Assignee)
	}
	if p.Title != nil || p.Priority != nil || p.DueDate != nil || p.ClearDue {
		t.Errorf("unset flags leaked into patch: %+v", p)
	}
	if p.Tags == nil || len(*p.Tags) != 2 {
		t.Errorf("Tags = %v, want [a b]", p.Tags)
	}
}

func TestReportResult(t *testing.T) {
	c := &conflict.Conflict{ID: "t-1", TaskID: "t-1", LocalVersion: 1, ServerVersion: 3, Severity: conflict.SeverityHigh}

	tests := []struct {
		name     string
		res      *tasks.Result
		conflict bool
	}{
		{"confirmed", &tasks.Result{Success: true, Task: schema.Task{ID: "t-1"}}, false},
		{"queued", &tasks.Result{Success: true, Queued: true, Task: schema.Task{ID: "temp_1_x"}}, false},
		{"rejected", &tasks.Result{Task: schema.Task{ID: "t-1"}, Conflict: c}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reportResult("Updated", tt.res)
			var ce *conflict.ConflictError
			if got := errors.As(err, &ce); got != tt.conflict {
				t.Fatalf("reportResult() error = %v, want conflict error %v", err, tt.conflict)
			}
			if tt.conflict && !errors.Is(err, conflict.ErrConflict) {
				t.Errorf("error does not wrap ErrConflict")
			}
		})
	}
}
