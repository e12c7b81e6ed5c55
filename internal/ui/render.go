package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/tasks"
)

// StatusGlyph returns the marker shown before a task.
func StatusGlyph(status string) string {
	switch status {
	case schema.StatusDone:
		return RenderPass("✓")
	case schema.StatusInProgress:
		return RenderAccent("◐")
	case schema.StatusBlocked:
		return RenderFail("✗")
	default:
		return RenderMuted("○")
	}
}

// RenderPriority colors a priority name.
func RenderPriority(priority string) string {
	switch priority {
	case schema.PriorityUrgent:
		return RenderFail(priority)
	case schema.PriorityHigh:
		return RenderWarn(priority)
	case schema.PriorityLow:
		return RenderMuted(priority)
	default:
		return priority
	}
}

// RenderSeverity colors a conflict severity.
func RenderSeverity(sev conflict.Severity) string {
	switch sev {
	case conflict.SeverityHigh:
		return RenderFail(string(sev))
	case conflict.SeverityMedium:
		return RenderWarn(string(sev))
	default:
		return RenderMuted(string(sev))
	}
}

// TaskLine renders one task as a list row.
func TaskLine(t schema.Task, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  [%s]", StatusGlyph(t.Status), RenderMuted(t.ID), t.Title, RenderPriority(t.Priority))
	if t.Assignee != "" {
		fmt.Fprintf(&b, " @%s", t.Assignee)
	}
	if t.DueDate != nil {
		due := "due " + t.DueDate.Format("2006-01-02")
		if t.IsOverdue(now) {
			due = RenderFail(due + " (overdue)")
		}
		fmt.Fprintf(&b, "  %s", due)
	}
	if t.Optimistic {
		fmt.Fprintf(&b, "  %s", RenderWarn("(pending sync)"))
	}
	return b.String()
}

// TaskDetail renders every field of a task.
func TaskDetail(t schema.Task, now time.Time) string {
	rows := [][2]string{
		{"ID", t.ID},
		{"Title", RenderBold(t.Title)},
		{"Status", StatusGlyph(t.Status) + " " + t.Status},
		{"Priority", RenderPriority(t.Priority)},
	}
	if t.Version > 0 {
		rows = append(rows, [2]string{"Version", fmt.Sprint(t.Version)})
	}
	if t.Assignee != "" {
		rows = append(rows, [2]string{"Assignee", t.Assignee})
	}
	if t.DueDate != nil {
		due := t.DueDate.Format(time.RFC3339)
		if t.IsOverdue(now) {
			due = RenderFail(due + " (overdue)")
		}
		rows = append(rows, [2]string{"Due", due})
	}
	if len(t.Tags) > 0 {
		rows = append(rows, [2]string{"Tags", strings.Join(t.Tags, ", ")})
	}
	rows = append(rows,
		[2]string{"Created", t.CreatedAt.Format(time.RFC3339)},
		[2]string{"Updated", t.UpdatedAt.Format(time.RFC3339)},
	)
	if t.Optimistic {
		rows = append(rows, [2]string{"Sync", RenderWarn("pending")})
	}

	out := keyValues(rows)
	if t.Description != "" {
		out += "\n\n" + lipgloss.NewStyle().PaddingLeft(2).Render(t.Description)
	}
	return out
}

// StatsView renders task statistics.
func StatsView(s tasks.Stats) string {
	rows := [][2]string{
		{"Total", fmt.Sprint(s.Total)},
		{"Completed", fmt.Sprintf("%d (%.0f%%)", s.Completed, s.CompletionRate*100)},
		{"Pending", fmt.Sprint(s.Pending)},
		{"Overdue", fmt.Sprint(s.Overdue)},
	}
	for _, status := range sortedKeys(s.ByStatus) {
		rows = append(rows, [2]string{"  " + status, fmt.Sprint(s.ByStatus[status])})
	}
	for _, p := range sortedKeys(s.ByPriority) {
		rows = append(rows, [2]string{"  " + p, fmt.Sprint(s.ByPriority[p])})
	}
	return keyValues(rows)
}

// ActivityLine renders one activity entry.
func ActivityLine(a tasks.Activity) string {
	outcome := string(a.Outcome)
	switch a.Outcome {
	case tasks.OutcomeConfirmed:
		outcome = RenderPass(outcome)
	case tasks.OutcomeQueued:
		outcome = RenderWarn(outcome)
	case tasks.OutcomeFailed, tasks.OutcomeConflict:
		outcome = RenderFail(outcome)
	}
	return fmt.Sprintf("%s  %-8s %-9s %s %s",
		RenderMuted(a.Timestamp.Format("2006-01-02 15:04:05")), a.Kind, outcome, a.TaskID, a.Title)
}

// ConflictView renders a conflict with its differing fields side by side.
func ConflictView(c *conflict.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s conflict on %s (%s): local v%d, server v%d\n",
		RenderWarn("⚠"), RenderBold(c.TaskID), RenderSeverity(c.Severity), c.LocalVersion, c.ServerVersion)

	rows := [][3]string{{"field", "local", "server"}}
	for _, f := range c.Fields {
		rows = append(rows, [3]string{f.Field, display(f.LocalValue), display(f.ServerValue)})
	}
	widths := [3]int{}
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for i, r := range rows {
		line := fmt.Sprintf("  %-*s  %-*s  %s", widths[0], r[0], widths[1], r[1], r[2])
		if i == 0 {
			line = RenderMuted(line)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func display(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return x
	case *time.Time:
		if x == nil {
			return "-"
		}
		return x.Format("2006-01-02")
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return fmt.Sprint(x)
	}
}

func keyValues(rows [][2]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s  %s", RenderMuted(fmt.Sprintf("%-*s", width, r[0])), r[1]))
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
