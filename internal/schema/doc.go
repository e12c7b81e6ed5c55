// Package schema defines the task record and backup formats used by tasksync.
//
// # Overview
//
// A Task is the single entity kept in sync between an offline-capable client
// and the task server. It is serialized with camelCase JSON keys so cached
// entries and request bodies match the server's REST API:
//
//	{
//	  "id": "t-42",
//	  "version": 7,
//	  "title": "Ship the release",
//	  "status": "in_progress",
//	  "priority": "high",
//	  "assignee": "sam",
//	  "dueDate": "2026-01-10T07:36:29Z",
//	  "tags": ["release"],
//	  "createdAt": "2026-01-02T10:00:00Z",
//	  "updatedAt": "2026-01-09T16:12:03Z"
//	}
//
// # Temporary IDs
//
// Records created while offline carry an id minted by an IDGenerator with
// the "temp_" prefix. The server replaces it on confirmation; a temporary id
// is never sent in a request path. TimeIDs is the production generator and
// SequentialIDs gives deterministic ids in tests.
//
// # Backups
//
// Backups are written as json (the default), jsonl (one task per line) or
// yaml. The format is chosen from the file extension:
//
//	b := &schema.Backup{FormatVersion: schema.BackupFormatVersion, Tasks: tasks}
//	if err := schema.WriteBackupFile("tasks.yaml", b, schema.FormatYAML); err != nil {
//	    return err
//	}
//	restored, err := schema.ReadBackupFile("tasks.yaml")
package schema
