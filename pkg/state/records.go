package state

import "time"

// Run statuses.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
)

// Cursor is the per-(owner, calendar) incremental sync position. A nil
// SyncToken forces a full resync on the next run.
type Cursor struct {
	OwnerID        string
	CalendarID     string
	SyncToken      *string
	LastFullSyncAt *time.Time
	UpdatedAt      time.Time
}

// Mapping is the durable association between a local task and the remote
// event representing it, plus the content hash of the event as last written.
type Mapping struct {
	OwnerID      string
	CalendarID   string
	TaskID       string
	EventID      string
	ContentHash  string
	LastSyncedAt time.Time
}

// ItemError is one per-item failure collected during a run.
type ItemError struct {
	ItemID  string `json:"item_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ConflictRecord documents one last-writer-wins resolution for audit.
type ConflictRecord struct {
	TaskID        string    `json:"task_id"`
	EventID       string    `json:"event_id"`
	Winner        string    `json:"winner"` // "local" or "remote"
	LocalUpdated  time.Time `json:"local_updated"`
	RemoteUpdated time.Time `json:"remote_updated"`
}

// RunResult is the append-only record of one sync run.
type RunResult struct {
	RunID           string           `json:"run_id"`
	OwnerID         string           `json:"owner_id"`
	CalendarID      string           `json:"calendar_id"`
	Direction       string           `json:"direction"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at"`
	Status          string           `json:"status"`
	EventsProcessed int              `json:"events_processed"`
	EventsCreated   int              `json:"events_created"`
	EventsUpdated   int              `json:"events_updated"`
	EventsDeleted   int              `json:"events_deleted"`
	Errors          []ItemError      `json:"errors,omitempty"`
	Conflicts       []ConflictRecord `json:"conflicts,omitempty"`
}
