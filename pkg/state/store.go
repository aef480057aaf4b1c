// Package state persists the engine's durable sync bookkeeping: per-calendar
// cursors, task<->event mappings, and the append-only run log.
//
// The store is embedded sqlite in WAL mode. The mapping uniqueness
// invariants (one live mapping per task id and per event id within an
// owner+calendar) are enforced by constraints at this layer, so an
// orchestrator bug surfaces as MappingIntegrityError instead of silently
// duplicating remote events.
package state

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MappingIntegrityError reports a violated mapping uniqueness invariant.
// It is fatal for the run that triggered it and is never auto-repaired.
type MappingIntegrityError struct {
	OwnerID    string
	CalendarID string
	TaskID     string
	EventID    string
	Reason     string
}

func (e *MappingIntegrityError) Error() string {
	return fmt.Sprintf("mapping integrity violation for owner=%s calendar=%s task=%s event=%s: %s",
		e.OwnerID, e.CalendarID, e.TaskID, e.EventID, e.Reason)
}

// Store wraps the sqlite connection.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
	cache  *mappingCache
}

// Option tunes a Store.
type Option func(*Store)

// WithMappingCache sizes the in-memory mapping read cache. A size of 0
// disables it.
func WithMappingCache(size int, ttl time.Duration) Option {
	return func(s *Store) {
		if size <= 0 {
			s.cache = nil
			return
		}
		s.cache = newMappingCache(size, ttl)
	}
}

// Open creates the database (and parent directory) if needed and initializes
// the schema. The caller must Close. If logger is nil, a default logger
// writing to stderr is used.
func Open(path string, logger *log.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
		cache:  newMappingCache(256, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_cursors (
		owner_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		sync_token TEXT,
		last_full_sync_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, calendar_id)
	);

	CREATE TABLE IF NOT EXISTS sync_mappings (
		owner_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		last_synced_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, calendar_id, task_id),
		UNIQUE (owner_id, calendar_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		run_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		status TEXT NOT NULL,
		events_processed INTEGER NOT NULL DEFAULT 0,
		events_created INTEGER NOT NULL DEFAULT 0,
		events_updated INTEGER NOT NULL DEFAULT 0,
		events_deleted INTEGER NOT NULL DEFAULT 0,
		errors TEXT,
		conflicts TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_event
	    ON sync_mappings(owner_id, calendar_id, event_id);
	CREATE INDEX IF NOT EXISTS idx_runs_owner
	    ON sync_runs(owner_id, calendar_id, started_at);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RawDB exposes the underlying connection, mainly for tests.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
