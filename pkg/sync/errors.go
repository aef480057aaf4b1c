package sync

import (
	"errors"
	"fmt"
)

// ErrSyncInProgress is returned when a run is requested for an
// (owner, calendar) key that already has one in flight. Requests are
// rejected rather than queued so retry storms cannot pile up.
var ErrSyncInProgress = errors.New("sync already in progress")

// ConflictResolutionError wraps a failure while applying the winning side of
// a conflict. It is collected per item; the run continues.
type ConflictResolutionError struct {
	TaskID  string
	EventID string
	Winner  string
	Err     error
}

func (e *ConflictResolutionError) Error() string {
	return fmt.Sprintf("failed to apply %s-wins resolution for task %s / event %s: %v",
		e.Winner, e.TaskID, e.EventID, e.Err)
}

func (e *ConflictResolutionError) Unwrap() error { return e.Err }

// FatalSyncError marks an error that aborted a run entirely, as opposed to a
// per-item failure. The caller can distinguish "reconnect required" from
// "transient" by unwrapping.
type FatalSyncError struct {
	RunID string
	Err   error
}

func (e *FatalSyncError) Error() string {
	return fmt.Sprintf("sync run %s failed: %v", e.RunID, e.Err)
}

func (e *FatalSyncError) Unwrap() error { return e.Err }

