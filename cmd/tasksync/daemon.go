package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/daemon"
	"github.com/mschirtzinger/tasksync/internal/dashboard"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep tasks in sync in the background",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon:
  1. Replays queued changes at start-up
  2. Checks connectivity every sync.probe_interval and replays on reconnect
  3. Replays a non-empty queue every sync.drain_interval
  4. Refreshes the task list when the server pushes an update (sync.push_url)

With --dashboard it also serves the live WebSocket dashboard.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		return withApp(func(ctx context.Context, a *app) error {
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Dashboard.Port
			}
			return runDaemon(ctx, a, withDashboard, port)
		})
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time WebSocket dashboard",
	Long: `Start a WebSocket dashboard streaming sync activity, together with the sync daemon.

WebSocket messages include:
- event: a queued, confirmed or failed change, a conflict, a drain or a
  connectivity change
- stats: running counters, also sent to every client on connect

Example usage:
  tasksync dashboard                 # Start on dashboard.port (default 8080)
  tasksync dashboard --port 9000     # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		return withApp(func(ctx context.Context, a *app) error {
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Dashboard.Port
			}
			return runDaemon(ctx, a, true, port)
		})
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port")
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}

// runDaemon runs the daemon, and optionally the dashboard, until ctx is
// cancelled.
func runDaemon(ctx context.Context, a *app, withDashboard bool, port int) error {
	dcfg := daemon.DefaultConfig()
	dcfg.ProbeInterval = a.cfg.Sync.ProbeInterval
	dcfg.DrainInterval = a.cfg.Sync.DrainInterval
	dcfg.Logger = a.logs.For("daemon")
	if a.cfg.Sync.PushURL != "" {
		dcfg.Push = dashboard.NewPushListener(a.cfg.Sync.PushURL, a.logs.For("push"))
	}

	d, err := daemon.NewWithConfig(a.engine, dcfg)
	if err != nil {
		return err
	}

	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: a.logs.For("dashboard")})
		handler := dashboard.NewHandler(server, a.engine.IsOnline(), a.logs.For("dashboard"))
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() { _ = server.Stop() }()
		go handler.Run(ctx, a.engine.Bus())

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
	}

	if w, err := config.NewWatcher(configPath, a.logs.For("config")); err == nil {
		if err := w.Start(); err == nil {
			defer func() { _ = w.Stop() }()
			go watchConfig(ctx, a, d, w)
		}
	}

	fmt.Printf("%s Sync daemon running against %s\n", ui.RenderAccent("🔄"), a.cfg.Server.BaseURL)
	fmt.Println("\nPress Ctrl+C to stop...")

	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Println("\nDaemon stopped")
	return nil
}

// watchConfig reports edits to the config file. Settings that shape the
// wiring need a restart; a reload always triggers a sync.
func watchConfig(ctx context.Context, a *app, d *daemon.Daemon, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-w.Changes():
			if !ok {
				return
			}
			if cfg.Server != a.cfg.Server || cfg.Storage != a.cfg.Storage || cfg.Sync != a.cfg.Sync {
				fmt.Printf("%s Config changed; restart the daemon to apply server, storage or sync settings\n", ui.RenderWarn("⚠"))
			}
			d.TriggerSync("config reload")
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			fmt.Printf("%s Ignoring invalid config: %v\n", ui.RenderWarn("⚠"), err)
		}
	}
}
