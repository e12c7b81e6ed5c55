package sync

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// ExportData implements Engine.
func (o *Orchestrator) ExportData(ctx context.Context, path string, format schema.Format) ExportResult {
	res := ExportResult{Path: path, Format: format}
	if format == "" {
		res.Format = schema.FormatFromPath(path)
	}

	list, err := o.tasks.GetTasks(ctx)
	if err != nil {
		res.Err = fmt.Errorf("failed to read tasks: %w", err)
		return res
	}

	o.mu.Lock()
	version := o.stamp.TasksVersion
	o.mu.Unlock()

	backup := &schema.Backup{
		FormatVersion: schema.BackupFormatVersion,
		ExportedAt:    o.now(),
		DataVersion:   version,
		Tasks:         list,
	}
	if err := schema.WriteBackupFile(path, backup, res.Format); err != nil {
		res.Err = err
		return res
	}

	o.logger.Printf("Exported %d task(s) to %s", len(list), path)
	res.Success = true
	res.Count = len(list)
	return res
}

// ImportData implements Engine.
func (o *Orchestrator) ImportData(ctx context.Context, path string) ImportResult {
	var res ImportResult

	backup, err := schema.ReadBackupFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	if err := o.ClearCache(ctx); err != nil {
		res.Err = fmt.Errorf("failed to clear local state before import: %w", err)
		return res
	}

	for _, t := range backup.Tasks {
		draft := t.Clone()
		draft.ID = ""
		draft.Version = 0
		draft.Optimistic = false

		out, err := o.CreateTask(ctx, draft)
		if err != nil {
			o.logger.Printf("WARNING: Failed to import task %q: %v", t.Title, err)
			res.Failed++
			continue
		}
		res.Imported++
		if out.Queued {
			res.Queued++
		}
	}

	report, err := o.ForceSyncAll(ctx)
	res.Sync = report
	if err != nil {
		res.Err = err
		return res
	}

	o.logger.Printf("Imported %d task(s) from %s (failed=%d, queued=%d)", res.Imported, path, res.Failed, res.Queued)
	res.Success = true
	return res
}
