package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/loadtest"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress the sync engine against an in-process server",
	Long: `Run concurrent simulated clients against an in-process task server while the
network drops in and out, then check that every change reached the server.

Nothing touches your cache or the configured server.

Examples:
  # 10 clients, 20 changes each, network toggled every 5ms
  tasksync loadtest

  # More clients on a SQLite cache, stable network
  tasksync loadtest --clients 50 --flap 0 --sqlite`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.DefaultOptions()
		opts.Clients, _ = cmd.Flags().GetInt("clients")
		opts.Mutations, _ = cmd.Flags().GetInt("mutations")
		opts.Tasks, _ = cmd.Flags().GetInt("tasks")
		opts.FlapEvery, _ = cmd.Flags().GetDuration("flap")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		if opts.Clients <= 0 || opts.Mutations <= 0 || opts.Tasks <= 0 {
			return fmt.Errorf("--clients, --mutations and --tasks must be positive")
		}
		if useSQLite, _ := cmd.Flags().GetBool("sqlite"); useSQLite {
			dir, err := os.MkdirTemp("", "tasksync-loadtest-")
			if err != nil {
				return fmt.Errorf("failed to create temp dir: %w", err)
			}
			defer os.RemoveAll(dir)
			opts.Dir = dir
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		report, err := loadtest.Run(ctx, opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}

		fmt.Printf("\n%s\n", ui.RenderHeader("Load test"))
		fmt.Printf("   Clients:      %d x %d changes\n", opts.Clients, opts.Mutations)
		fmt.Printf("   Elapsed:      %v\n", report.Elapsed.Round(time.Millisecond))
		fmt.Printf("   Confirmed:    %d\n", report.Confirmed)
		fmt.Printf("   Queued:       %d\n", report.Queued)
		fmt.Printf("   Conflicts:    %d\n", report.Conflicts)
		fmt.Printf("   Errors:       %d\n", report.Errors)
		fmt.Printf("   Connectivity: %d flap(s)\n", report.Flaps)
		fmt.Printf("\n   Latency  p50 %v  p95 %v  p99 %v  max %v\n",
			report.Latency.P50, report.Latency.P95, report.Latency.P99, report.Latency.Max)

		if report.Converged {
			fmt.Printf("\n%s Server matches every client\n\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Println()
		for _, m := range report.Mismatches {
			fmt.Printf("   %s %s\n", ui.RenderFail("✗"), m)
		}
		return fmt.Errorf("%d record(s) diverged", len(report.Mismatches))
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 10, "Number of concurrent simulated clients")
	loadtestCmd.Flags().Int("mutations", 20, "Changes made by each client")
	loadtestCmd.Flags().Int("tasks", 5, "Records each client owns at the start")
	loadtestCmd.Flags().Duration("flap", 5*time.Millisecond, "Toggle connectivity at this interval (0 keeps it up)")
	loadtestCmd.Flags().Int64("seed", 42, "Seed for the change mix")
	loadtestCmd.Flags().Bool("sqlite", false, "Use a temporary SQLite cache instead of memory")
	rootCmd.AddCommand(loadtestCmd)
}
