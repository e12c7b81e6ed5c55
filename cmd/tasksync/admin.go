package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <path>",
	GroupID: "advanced",
	Short:   "Write a backup of all tasks",
	Long: `Write every task, including unsynced changes, to a backup file.

The format follows the file extension (.json, .jsonl, .yaml) unless --format
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		var format schema.Format
		if formatName != "" {
			f, err := schema.ParseFormat(formatName)
			if err != nil {
				return err
			}
			format = f
		}

		return withApp(func(ctx context.Context, a *app) error {
			res := a.engine.ExportData(ctx, args[0], format)
			if !res.Success {
				return res.Err
			}
			if jsonOutput {
				return printJSON(map[string]any{"path": res.Path, "format": res.Format, "count": res.Count})
			}
			fmt.Printf("%s Exported %d task(s) to %s (%s)\n", ui.RenderPass("✓"), res.Count, res.Path, res.Format)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <path>",
	GroupID: "advanced",
	Short:   "Replace local tasks with a backup",
	Long: `Clear the local cache and queue, then re-create every task from a backup file.

The imported tasks are sent to the server when it is reachable and queued
otherwise. This discards unsynced local changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res := a.engine.ImportData(ctx, args[0])
			if !res.Success {
				return res.Err
			}
			if jsonOutput {
				return printJSON(map[string]any{
					"imported": res.Imported, "queued": res.Queued, "failed": res.Failed, "sync": res.Sync,
				})
			}
			fmt.Printf("%s Imported %d task(s)\n", ui.RenderPass("✓"), res.Imported)
			if res.Queued > 0 {
				fmt.Printf("   %s %d queued until the server is reachable\n", ui.RenderWarn("⏳"), res.Queued)
			}
			if res.Failed > 0 {
				fmt.Printf("   %s %d rejected\n", ui.RenderFail("✗"), res.Failed)
			}
			return nil
		})
	},
}

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "advanced",
	Short:   "Inspect or clear the local cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached entries and queue size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			st, err := a.engine.GetCacheStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}

			fmt.Printf("\n%s\n", ui.RenderHeader("Cache status"))
			fmt.Printf("   Location:        %s\n", a.store.Path())
			fmt.Printf("   Entries:         %d (%d bytes)\n", len(st.Entries), st.TotalSize)
			fmt.Printf("   Queued requests: %d\n", st.QueuedRequests)
			fmt.Printf("   Pending changes: %d\n", st.PendingChanges)
			fmt.Printf("   Conflicts:       %d\n", st.Conflicts)
			fmt.Printf("   Data version:    %d\n", st.Version.TasksVersion)
			if verbose {
				for _, e := range st.Entries {
					fmt.Printf("     %-24s %6d  %s\n", e.Key, e.Size, ui.RenderMuted(e.Timestamp.Format(time.RFC3339)))
				}
			}
			fmt.Println()
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached data, queued requests and conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.ClearCache(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Cache cleared\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		server, _ := cmd.Flags().GetString("server")

		cfg := config.DefaultConfig()
		if server != "" {
			cfg.Server.BaseURL = server
		}
		path := configPath
		if path == "" {
			path = config.DefaultPath
		}
		if err := config.WriteDefault(path, cfg, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "", "Backup format (json, jsonl, yaml)")

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().String("server", "", "Task server base URL")

	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(exportCmd, importCmd, cacheCmd, configCmd)
}
