// Package daemon provides the background sync daemon.
//
// The daemon keeps a sync engine converged with the server while the
// process runs:
//
//   - Probes connectivity every ProbeInterval and drains the deferred queue
//     on every offline to online transition
//   - Drains a non-empty queue every DrainInterval while online
//   - Optionally listens on the server push channel and re-fetches the
//     collection when another client changed it
//
// Drains never overlap. Triggers arriving while one is pending are
// coalesced into a single ForceSyncAll.
//
// # Usage
//
//	engine, err := sync.New(ctx, sync.Options{Storage: st, Executor: exec})
//	if err != nil {
//	    return err
//	}
//
//	cfg := daemon.DefaultConfig()
//	cfg.Push = dashboard.NewPushListener("wss://tasks.example.com/push", nil)
//
//	d, err := daemon.NewWithConfig(engine, cfg)
//	if err != nil {
//	    return err
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	return d.Start(ctx) // blocks until interrupted
//
// # Shutdown
//
// Stop cancels the loops and waits for an in-progress drain to return.
// Requests still queued stay persisted and are restored on the next start.
package daemon
