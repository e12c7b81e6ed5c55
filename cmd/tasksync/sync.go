package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued changes now",
	Long: `Send every change saved while offline to the server, in order, and wait for
the results. Failed changes are rolled back locally.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			start := time.Now()
			report, err := a.engine.ForceSyncAll(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}

			if !report.Online {
				fmt.Printf("%s Server unreachable, %d change(s) still queued\n", ui.RenderWarn("⚠"), report.Remaining)
				return nil
			}
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
			fmt.Printf("   Replayed: %d\n", report.Succeeded)
			if report.Failed > 0 {
				fmt.Printf("   Failed:   %s\n", ui.RenderFail(fmt.Sprint(report.Failed)))
			}
			if report.Remaining > 0 {
				fmt.Printf("   Queued:   %d\n", report.Remaining)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			st := a.engine.GetSyncStatistics(ctx)
			if jsonOutput {
				return printJSON(st)
			}

			conn := ui.RenderPass("online")
			if !st.IsOnline {
				conn = ui.RenderWarn("offline")
			}
			last := ui.RenderMuted("never")
			if st.LastSync != nil {
				last = st.LastSync.Local().Format(time.RFC1123)
			}

			fmt.Printf("\n%s\n", ui.RenderHeader("Sync status"))
			fmt.Printf("   Server:          %s (%s)\n", a.cfg.Server.BaseURL, conn)
			fmt.Printf("   Data version:    %d\n", st.CurrentVersion)
			fmt.Printf("   Last sync:       %s\n", last)
			fmt.Printf("   Queued requests: %d\n", st.PendingSync)
			fmt.Printf("   Pending changes: %d\n", st.PendingChanges)
			if st.Conflicts > 0 {
				fmt.Printf("   Conflicts:       %s (run 'tasksync resolve')\n", ui.RenderFail(fmt.Sprint(st.Conflicts)))
			}
			fmt.Println()
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "tasks",
	Short:   "Show task statistics",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			st, err := a.engine.GetTaskStats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Println(ui.StatsView(st))
			return nil
		})
	},
}

var activityCmd = &cobra.Command{
	Use:     "activity",
	GroupID: "tasks",
	Short:   "Show recent changes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(func(ctx context.Context, a *app) error {
			list, err := a.engine.GetRecentActivities(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Println(ui.RenderMuted("No recent activity"))
				return nil
			}
			for _, act := range list {
				fmt.Println(ui.ActivityLine(act))
			}
			return nil
		})
	},
}

func init() {
	activityCmd.Flags().IntP("limit", "n", 10, "Number of entries")

	rootCmd.AddCommand(syncCmd, statusCmd, statsCmd, activityCmd)
}
