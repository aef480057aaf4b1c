package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetCursor returns the cursor for (owner, calendar), or nil when no sync
// has ever completed.
func (s *Store) GetCursor(ctx context.Context, ownerID, calendarID string) (*Cursor, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT sync_token, last_full_sync_at, updated_at
		FROM sync_cursors WHERE owner_id = ? AND calendar_id = ?`,
		ownerID, calendarID)

	var token, fullSyncAt sql.NullString
	var updatedAt string
	if err := row.Scan(&token, &fullSyncAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying cursor: %w", err)
	}

	c := &Cursor{OwnerID: ownerID, CalendarID: calendarID, UpdatedAt: parseTime(updatedAt)}
	if token.Valid && token.String != "" {
		t := token.String
		c.SyncToken = &t
	}
	if fullSyncAt.Valid && fullSyncAt.String != "" {
		t := parseTime(fullSyncAt.String)
		c.LastFullSyncAt = &t
	}
	return c, nil
}

// SetCursor upserts the sync token for (owner, calendar). A non-nil
// fullSyncAt also records when the last full sync finished.
func (s *Store) SetCursor(ctx context.Context, ownerID, calendarID, syncToken string, fullSyncAt *time.Time) error {
	var fullSync sql.NullString
	if fullSyncAt != nil {
		fullSync = sql.NullString{String: fmtTime(*fullSyncAt), Valid: true}
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_cursors (owner_id, calendar_id, sync_token, last_full_sync_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, calendar_id) DO UPDATE SET
			sync_token = excluded.sync_token,
			last_full_sync_at = COALESCE(excluded.last_full_sync_at, sync_cursors.last_full_sync_at),
			updated_at = excluded.updated_at`,
		ownerID, calendarID, syncToken, fullSync, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("setting cursor: %w", err)
	}
	return nil
}

// ClearCursor nulls the sync token, forcing a full resync on the next run.
func (s *Store) ClearCursor(ctx context.Context, ownerID, calendarID string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_cursors (owner_id, calendar_id, sync_token, last_full_sync_at, updated_at)
		VALUES (?, ?, NULL, NULL, ?)
		ON CONFLICT(owner_id, calendar_id) DO UPDATE SET
			sync_token = NULL,
			updated_at = excluded.updated_at`,
		ownerID, calendarID, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("clearing cursor: %w", err)
	}
	return nil
}

// GetMappingByTask returns the live mapping for a task id, or nil.
func (s *Store) GetMappingByTask(ctx context.Context, ownerID, calendarID, taskID string) (*Mapping, error) {
	if m, ok := s.cacheGet(taskKey(ownerID, calendarID, taskID)); ok {
		return m, nil
	}
	m, err := s.scanMapping(ctx, `
		SELECT owner_id, calendar_id, task_id, event_id, content_hash, last_synced_at
		FROM sync_mappings WHERE owner_id = ? AND calendar_id = ? AND task_id = ?`,
		ownerID, calendarID, taskID)
	if err == nil && m != nil {
		s.cachePut(m)
	}
	return m, err
}

// GetMappingByEvent returns the live mapping for an external event id, or nil.
func (s *Store) GetMappingByEvent(ctx context.Context, ownerID, calendarID, eventID string) (*Mapping, error) {
	if m, ok := s.cacheGet(eventKey(ownerID, calendarID, eventID)); ok {
		return m, nil
	}
	m, err := s.scanMapping(ctx, `
		SELECT owner_id, calendar_id, task_id, event_id, content_hash, last_synced_at
		FROM sync_mappings WHERE owner_id = ? AND calendar_id = ? AND event_id = ?`,
		ownerID, calendarID, eventID)
	if err == nil && m != nil {
		s.cachePut(m)
	}
	return m, err
}

func (s *Store) scanMapping(ctx context.Context, query string, args ...any) (*Mapping, error) {
	row := s.conn.QueryRowContext(ctx, query, args...)
	var m Mapping
	var lastSynced string
	err := row.Scan(&m.OwnerID, &m.CalendarID, &m.TaskID, &m.EventID, &m.ContentHash, &lastSynced)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying mapping: %w", err)
	}
	m.LastSyncedAt = parseTime(lastSynced)
	return &m, nil
}

// ListMappings returns all live mappings for (owner, calendar).
func (s *Store) ListMappings(ctx context.Context, ownerID, calendarID string) ([]*Mapping, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT owner_id, calendar_id, task_id, event_id, content_hash, last_synced_at
		FROM sync_mappings WHERE owner_id = ? AND calendar_id = ?
		ORDER BY task_id`,
		ownerID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		var m Mapping
		var lastSynced string
		if err := rows.Scan(&m.OwnerID, &m.CalendarID, &m.TaskID, &m.EventID, &m.ContentHash, &lastSynced); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		m.LastSyncedAt = parseTime(lastSynced)
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// UpsertMapping inserts a new mapping or refreshes the hash and timestamp of
// an existing (task, event) pair. A task already mapped to a different
// event, or an event already claimed by a different task, is a
// MappingIntegrityError: the caller created a duplicate somewhere and must
// not paper over it.
func (s *Store) UpsertMapping(ctx context.Context, m *Mapping) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mapping transaction: %w", err)
	}
	defer tx.Rollback()

	var existingEventID string
	err = tx.QueryRowContext(ctx, `
		SELECT event_id FROM sync_mappings
		WHERE owner_id = ? AND calendar_id = ? AND task_id = ?`,
		m.OwnerID, m.CalendarID, m.TaskID).Scan(&existingEventID)
	switch {
	case err == nil:
		if existingEventID != m.EventID {
			return &MappingIntegrityError{
				OwnerID: m.OwnerID, CalendarID: m.CalendarID,
				TaskID: m.TaskID, EventID: m.EventID,
				Reason: fmt.Sprintf("task already mapped to event %s", existingEventID),
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_mappings SET content_hash = ?, last_synced_at = ?
			WHERE owner_id = ? AND calendar_id = ? AND task_id = ?`,
			m.ContentHash, fmtTime(m.LastSyncedAt), m.OwnerID, m.CalendarID, m.TaskID); err != nil {
			return fmt.Errorf("updating mapping: %w", err)
		}
	case err == sql.ErrNoRows:
		var claimedBy string
		err = tx.QueryRowContext(ctx, `
			SELECT task_id FROM sync_mappings
			WHERE owner_id = ? AND calendar_id = ? AND event_id = ?`,
			m.OwnerID, m.CalendarID, m.EventID).Scan(&claimedBy)
		if err == nil {
			return &MappingIntegrityError{
				OwnerID: m.OwnerID, CalendarID: m.CalendarID,
				TaskID: m.TaskID, EventID: m.EventID,
				Reason: fmt.Sprintf("event already mapped to task %s", claimedBy),
			}
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking event mapping: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_mappings (owner_id, calendar_id, task_id, event_id, content_hash, last_synced_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.OwnerID, m.CalendarID, m.TaskID, m.EventID, m.ContentHash, fmtTime(m.LastSyncedAt)); err != nil {
			// Constraint backstop for a race between the check and the insert.
			return &MappingIntegrityError{
				OwnerID: m.OwnerID, CalendarID: m.CalendarID,
				TaskID: m.TaskID, EventID: m.EventID,
				Reason: fmt.Sprintf("insert rejected: %v", err),
			}
		}
	default:
		return fmt.Errorf("checking task mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mapping: %w", err)
	}
	s.cachePut(m)
	return nil
}

// DeleteMapping drops a mapping. Deleting a missing mapping is a no-op.
func (s *Store) DeleteMapping(ctx context.Context, ownerID, calendarID, taskID string) error {
	m, err := s.GetMappingByTask(ctx, ownerID, calendarID, taskID)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, `
		DELETE FROM sync_mappings WHERE owner_id = ? AND calendar_id = ? AND task_id = ?`,
		ownerID, calendarID, taskID); err != nil {
		return fmt.Errorf("deleting mapping: %w", err)
	}
	if m != nil {
		s.cacheInvalidate(m)
	}
	return nil
}

// AppendRunResult writes one run record. Keyed by run id, so replaying a
// crashed commit does not duplicate the log entry.
func (s *Store) AppendRunResult(ctx context.Context, r *RunResult) error {
	errsJSON, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	conflictsJSON, err := json.Marshal(r.Conflicts)
	if err != nil {
		return fmt.Errorf("failed to marshal run conflicts: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_runs (
			run_id, owner_id, calendar_id, direction, started_at, completed_at,
			status, events_processed, events_created, events_updated, events_deleted,
			errors, conflicts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.OwnerID, r.CalendarID, r.Direction,
		fmtTime(r.StartedAt), fmtTime(r.CompletedAt), r.Status,
		r.EventsProcessed, r.EventsCreated, r.EventsUpdated, r.EventsDeleted,
		string(errsJSON), string(conflictsJSON))
	if err != nil {
		return fmt.Errorf("appending run result: %w", err)
	}
	return nil
}

// ListRunResults returns the most recent runs for an owner, newest first.
func (s *Store) ListRunResults(ctx context.Context, ownerID string, limit int) ([]*RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, owner_id, calendar_id, direction, started_at, completed_at,
		       status, events_processed, events_created, events_updated, events_deleted,
		       errors, conflicts
		FROM sync_runs WHERE owner_id = ?
		ORDER BY started_at DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing run results: %w", err)
	}
	defer rows.Close()

	var results []*RunResult
	for rows.Next() {
		var r RunResult
		var startedAt, completedAt string
		var errsJSON, conflictsJSON sql.NullString
		if err := rows.Scan(&r.RunID, &r.OwnerID, &r.CalendarID, &r.Direction,
			&startedAt, &completedAt, &r.Status,
			&r.EventsProcessed, &r.EventsCreated, &r.EventsUpdated, &r.EventsDeleted,
			&errsJSON, &conflictsJSON); err != nil {
			return nil, fmt.Errorf("scanning run result: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTime(completedAt)
		if errsJSON.Valid && errsJSON.String != "" {
			if err := json.Unmarshal([]byte(errsJSON.String), &r.Errors); err != nil {
				return nil, fmt.Errorf("failed to decode run errors: %w", err)
			}
		}
		if conflictsJSON.Valid && conflictsJSON.String != "" {
			if err := json.Unmarshal([]byte(conflictsJSON.String), &r.Conflicts); err != nil {
				return nil, fmt.Errorf("failed to decode run conflicts: %w", err)
			}
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}
