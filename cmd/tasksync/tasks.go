package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/tasks"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List every task, including changes not yet confirmed by the server.

Online the list is refreshed from the server; offline the local copy is shown.
Tasks with unsynced changes are marked "(pending sync)".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		assignee, _ := cmd.Flags().GetString("assignee")

		return withApp(func(ctx context.Context, a *app) error {
			list, err := a.engine.GetTasks(ctx)
			if err != nil {
				return err
			}
			filtered := list[:0]
			for _, t := range list {
				if status != "" && t.Status != status {
					continue
				}
				if assignee != "" && t.Assignee != assignee {
					continue
				}
				filtered = append(filtered, t)
			}

			if jsonOutput {
				return printJSON(filtered)
			}
			if len(filtered) == 0 {
				fmt.Println(ui.RenderMuted("No tasks"))
				return nil
			}
			now := time.Now()
			for _, t := range filtered {
				fmt.Println(ui.TaskLine(t, now))
			}
			if !a.engine.IsOnline() {
				fmt.Printf("\n%s offline, showing the local copy\n", ui.RenderWarn("⚠"))
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "tasks",
	Short:   "Show one task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			t, err := a.engine.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			fmt.Println(ui.TaskDetail(t, time.Now()))
			return nil
		})
	},
}

var createCmd = &cobra.Command{
	Use:     "create <title>",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a task. The task shows up immediately; offline it keeps a temporary
id (temp_...) until the server confirms it.

Example:
  tasksync create "Write release notes" --priority high --due "next friday"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		draft := schema.Task{Title: strings.Join(args, " ")}
		patch, err := patchFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		draft = patch.Apply(draft)

		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.CreateTask(ctx, draft)
			if err != nil {
				return err
			}
			return reportResult("Created", res)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	GroupID: "tasks",
	Short:   "Update a task",
	Long: `Update fields of a task. Only the flags given are changed.

If the server copy changed in a way that collides with yours (status, priority
or assignee), the update is held back and reported as a conflict. Use
'tasksync resolve' to settle it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := patchFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			return fmt.Errorf("nothing to update (see --help for flags)")
		}

		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.UpdateTask(ctx, args[0], patch)
			if err != nil {
				return err
			}
			return reportResult("Updated", res)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.DeleteTask(ctx, args[0])
			if errors.Is(err, tasks.ErrTaskNotFound) {
				return fmt.Errorf("no task %s", args[0])
			}
			if err != nil {
				return err
			}
			return reportResult("Deleted", res)
		})
	},
}

func init() {
	listCmd.Flags().String("status", "", "Only tasks with this status")
	listCmd.Flags().String("assignee", "", "Only tasks assigned to this person")

	for _, cmd := range []*cobra.Command{createCmd, updateCmd} {
		cmd.Flags().String("description", "", "Description")
		cmd.Flags().String("status", "", "Status (todo, in_progress, blocked, done)")
		cmd.Flags().StringP("priority", "p", "", "Priority (low, medium, high, urgent)")
		cmd.Flags().StringP("assignee", "a", "", "Assignee")
		cmd.Flags().String("due", "", `Due date: 2026-03-14, RFC 3339, or a phrase like "tomorrow"`)
		cmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	}
	updateCmd.Flags().String("title", "", "New title")
	updateCmd.Flags().Bool("clear-due", false, "Remove the due date")

	rootCmd.AddCommand(listCmd, showCmd, createCmd, updateCmd, deleteCmd)
}

// patchFromFlags collects the flags the user actually set.
func patchFromFlags(cmd *cobra.Command, now time.Time) (schema.TaskPatch, error) {
	var p schema.TaskPatch
	flags := cmd.Flags()

	str := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetString(name)
		return &v
	}
	if flags.Lookup("title") != nil {
		p.Title = str("title")
	}
	p.Description = str("description")
	p.Status = str("status")
	p.Priority = str("priority")
	p.Assignee = str("assignee")

	if due := str("due"); due != nil {
		t, err := parseDue(*due, now)
		if err != nil {
			return p, err
		}
		p.DueDate = &t
	}
	if flags.Lookup("clear-due") != nil {
		p.ClearDue, _ = flags.GetBool("clear-due")
	}
	if flags.Changed("tag") {
		tags, _ := flags.GetStringSlice("tag")
		p.Tags = &tags
	}
	return p, nil
}

// reportResult prints the outcome of a mutation.
func reportResult(verb string, res *tasks.Result) error {
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
		return res.Err()
	}

	switch {
	case res.Conflict != nil:
		fmt.Println(ui.ConflictView(res.Conflict))
		fmt.Printf("\nYour change was not applied. Resolve with:\n  tasksync resolve %s --strategy local|remote|merge\n", res.Conflict.ID)
		return res.Err()
	case res.Queued:
		fmt.Printf("%s %s %s (offline, will sync when the server is reachable)\n",
			ui.RenderWarn("⏳"), verb, ui.RenderBold(res.Task.ID))
	default:
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, ui.RenderBold(res.Task.ID))
	}
	return nil
}
