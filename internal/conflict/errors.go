package conflict

import (
	"errors"
	"fmt"
)

// Errors returned by conflict resolution.
var (
	// ErrConflict is returned when an update is rejected because the server
	// copy diverged too far. Use errors.As with *ConflictError to get the
	// record.
	ErrConflict = errors.New("conflicting server version")

	// ErrConflictNotFound is returned when resolving an id the registry
	// does not hold.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrUnknownStrategy is returned for resolution strategies other than
	// local, remote and merge.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")

	// ErrMissingMergeData is returned when the merge strategy is used
	// without the merged record.
	ErrMissingMergeData = errors.New("merge strategy requires merged data")
)

// ConflictError carries a rejected conflict.
type ConflictError struct {
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: %s (local v%d, server v%d, severity %s)",
		e.Conflict.TaskID, ErrConflict, e.Conflict.LocalVersion, e.Conflict.ServerVersion, e.Conflict.Severity)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
