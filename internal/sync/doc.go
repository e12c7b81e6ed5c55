// Package sync is the synchronization orchestrator: the single engine
// object the CLI, daemon and dashboard talk to.
//
// Overview
//
// The orchestrator wires the entity cache, the pending-change ledger, the
// conflict registry and the mutation service over a durable store and a
// connectivity-aware executor, and keeps the data version stamp:
//
//	        CLI / daemon / dashboard
//	                  ↓
//	            Orchestrator ── events.Bus ──→ subscribers
//	                  ↓
//	            tasks.Service
//	        ↙         ↓          ↘
//	   cache      ledger     transport.Executor
//	      ↘                    ↙        ↘
//	       store.Storage  (queue:*)    server
//
// Usage
//
// Construct once at start-up:
//
//	st, err := store.OpenSQLite(".tasksync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	cfg := transport.DefaultConfig()
//	cfg.BaseURL = "https://tasks.example.com"
//	cfg.Storage = st
//	exec, err := transport.NewHTTP(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//
//	engine, err := sync.New(ctx, sync.Options{Storage: st, Executor: exec})
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
// Mutations:
//
//	res, err := engine.CreateTask(ctx, schema.Task{Title: "Write docs"})
//	switch {
//	case err != nil:
//	    // rejected by the server; local state already rolled back
//	case res.Queued:
//	    // offline; replayed by ForceSyncAll or the daemon
//	}
//
//	res, err = engine.UpdateTask(ctx, id, schema.TaskPatch{Status: &done})
//	if err == nil && res.Conflict != nil {
//	    // server copy diverged; resolve explicitly
//	    _, err = engine.ResolveConflict(ctx, res.Conflict.ID, conflict.StrategyRemote, nil)
//	}
//
// Version stamp
//
// The stamp {tasksVersion, lastSync, lastModified} lives in the cache under
// meta:data_version. tasksVersion advances on every confirmed or queued
// mutation and every resolved conflict; lastSync is set when a drain leaves
// the queue empty while online. ClearCache resets it.
//
// Backup
//
// ExportData writes the apparent collection as json, jsonl or yaml.
// ImportData clears all local state, replays each record through the create
// path (so the server assigns fresh ids and versions) and ends with exactly
// one ForceSyncAll. Both report through result values instead of errors.
package sync
