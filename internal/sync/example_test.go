package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// This example demonstrates wiring the engine over SQLite and HTTP.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	ctx := context.Background()

	st, err := store.OpenSQLite(".tasksync/cache.db")
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	cfg := transport.DefaultConfig()
	cfg.BaseURL = "https://tasks.example.com"
	cfg.Storage = st
	exec, err := transport.NewHTTP(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	engine, err := sync.New(ctx, sync.Options{Storage: st, Executor: exec})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	res, err := engine.CreateTask(ctx, schema.Task{Title: "Write docs"})
	if err != nil {
		log.Fatal(err)
	}
	if res.Queued {
		fmt.Println("Saved offline as", res.Task.ID)
	}
}

// This example demonstrates handling a rejected update.
func ExampleOrchestrator_ResolveConflict() {
	ctx := context.Background()
	var engine sync.Engine // from sync.New

	done := schema.StatusDone
	res, err := engine.UpdateTask(ctx, "t-42", schema.TaskPatch{Status: &done})
	if err != nil {
		log.Fatal(err)
	}
	if res.Conflict != nil {
		fmt.Printf("Conflict on %s (%s): %d field(s) differ\n",
			res.Conflict.TaskID, res.Conflict.Severity, len(res.Conflict.Fields))

		// keep the server copy
		if _, err := engine.ResolveConflict(ctx, res.Conflict.ID, conflict.StrategyRemote, nil); err != nil {
			log.Fatal(err)
		}
	}
}

// This example demonstrates backup and restore.
func ExampleOrchestrator_ImportData() {
	ctx := context.Background()
	var engine sync.Engine // from sync.New

	if res := engine.ExportData(ctx, "backup.yaml", ""); !res.Success {
		log.Fatal(res.Err)
	}
	res := engine.ImportData(ctx, "backup.yaml")
	if !res.Success {
		log.Fatal(res.Err)
	}
	fmt.Printf("Imported %d task(s), %d queued\n", res.Imported, res.Queued)
}
