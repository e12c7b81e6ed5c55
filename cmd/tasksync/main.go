// Command tasksync is the command-line client of the offline-capable task
// sync engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/events"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/telemetry"
	"github.com/mschirtzinger/tasksync/internal/transport"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-capable task client",
	Long: `tasksync keeps a local copy of your task list and syncs it with the task server.

Changes made while the server is unreachable are saved locally, shown right away
and replayed in order once the connection comes back. Updates that collide with
a newer server copy are held back as conflicts for you to resolve.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.InitStdout()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default .tasksync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced commands:"},
	)
}

// exitConflict is the exit status of a change rejected by conflict detection.
const exitConflict = 2

func main() {
	if err := rootCmd.Execute(); err != nil {
		// the conflict was already shown
		var ce *conflict.ConflictError
		if errors.As(err, &ce) {
			os.Exit(exitConflict)
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// app is the wired engine for one command invocation.
type app struct {
	cfg      *config.Config
	logs     *logging.Logs
	store    *store.SQLite
	exec     *transport.HTTPExecutor
	engine   *sync.Orchestrator
	shutdown telemetry.Shutdown
}

// openApp loads config and wires storage, transport and the engine.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logs := logging.Discard()
	if verbose || cfg.Log.File != "" {
		logs = logging.New(cfg.Log)
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	st, err := store.OpenSQLiteContext(ctx, cfg.Storage.Path)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("failed to open cache %s: %w", cfg.Storage.Path, err)
	}

	tcfg := transport.DefaultConfig()
	tcfg.BaseURL = cfg.Server.BaseURL
	tcfg.Timeout = cfg.Server.Timeout
	tcfg.HealthPath = cfg.Server.HealthPath
	tcfg.MaxAttempts = cfg.Sync.MaxAttempts
	tcfg.Storage = st
	tcfg.Logger = logs.For("transport")

	exec, err := transport.NewHTTP(ctx, tcfg)
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}

	engine, err := sync.New(ctx, sync.Options{
		Storage:  st,
		Executor: exec,
		Policy:   conflict.Policy{RejectAt: cfg.Severity()},
		Bus:      events.NewBus(logs.For("events")),
		Logger:   logs.For("sync"),
	})
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}

	return &app{cfg: cfg, logs: logs, store: st, exec: exec, engine: engine, shutdown: shutdown}, nil
}

func (a *app) Close() {
	a.engine.Close()
	_ = a.store.Close()
	_ = a.shutdown(context.Background())
	_ = a.logs.Close()
}

// withApp runs fn with a wired engine and a context cancelled on interrupt.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.engine.Probe(ctx)
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
