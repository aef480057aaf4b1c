// Package sync drives calendar synchronization runs: it authenticates,
// picks the full or incremental strategy, reconciles both sides through the
// mapper, and commits cursor and mapping state so a crash never loses track
// of progress.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/taskshoot/calsync/pkg/auth"
	"github.com/taskshoot/calsync/pkg/gcal"
	"github.com/taskshoot/calsync/pkg/mapper"
	"github.com/taskshoot/calsync/pkg/model"
	"github.com/taskshoot/calsync/pkg/state"
)

// Sync directions.
const (
	DirectionPull = "gcal_to_taskshoot"
	DirectionPush = "taskshoot_to_gcal"
	DirectionBoth = "both"
)

// Request triggers sync runs for one owner. The engine does not care whether
// the caller is a scheduled job or a manual "sync now".
type Request struct {
	OwnerID       string
	CalendarIDs   []string
	Direction     string
	ForceFullSync bool

	// Window optionally bounds full syncs at the call site.
	Window gcal.TimeWindow
}

// CredentialStore is the slice of the auth store the orchestrator needs.
type CredentialStore interface {
	GetValidToken(ctx context.Context, ownerID string) (*oauth2.Token, error)
}

// Orchestrator runs the sync state machine. Runs for different calendars
// execute concurrently up to the worker bound; runs for the same
// (owner, calendar) are rejected while one is in flight.
type Orchestrator struct {
	creds   CredentialStore
	api     gcal.API
	tasks   model.TaskStore
	store   *state.Store
	mapper  *mapper.Mapper
	logger  *log.Logger
	workers int
	now     func() time.Time
	locks   *runLocks
}

// Option tunes an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds concurrent per-calendar runs.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. If logger is nil, a default logger writing to
// stderr is used.
func New(creds CredentialStore, api gcal.API, tasks model.TaskStore, store *state.Store, m *mapper.Mapper, logger *log.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	o := &Orchestrator{
		creds:   creds,
		api:     api,
		tasks:   tasks,
		store:   store,
		mapper:  m,
		logger:  logger,
		workers: 5,
		now:     time.Now,
		locks:   newRunLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sync executes one run per requested calendar and returns their results in
// request order. A fatal error on any calendar is reflected both in that
// calendar's run result and in the returned error.
func (o *Orchestrator) Sync(ctx context.Context, req Request) ([]*state.RunResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if len(req.CalendarIDs) == 0 {
		return nil, fmt.Errorf("at least one calendar id is required")
	}
	switch req.Direction {
	case DirectionPull, DirectionPush, DirectionBoth:
	default:
		return nil, fmt.Errorf("invalid direction %q", req.Direction)
	}

	// Authenticating. A rejected refresh token fails every run up front:
	// the owner has to reconnect, retrying cannot help.
	if _, err := o.creds.GetValidToken(ctx, req.OwnerID); err != nil {
		var expired *auth.AuthExpiredError
		if errors.As(err, &expired) {
			results := make([]*state.RunResult, 0, len(req.CalendarIDs))
			for _, calID := range req.CalendarIDs {
				run := o.newRun(req, calID)
				run.CompletedAt = o.now()
				run.Status = state.RunError
				run.Errors = append(run.Errors, state.ItemError{Stage: "authenticating", Message: err.Error()})
				if aerr := o.store.AppendRunResult(ctx, run); aerr != nil {
					o.logger.Printf("failed to record auth failure for run %s: %v", run.RunID, aerr)
				}
				results = append(results, run)
			}
			return results, err
		}
		return nil, fmt.Errorf("authentication failed for owner %s: %w", req.OwnerID, err)
	}

	results := make([]*state.RunResult, len(req.CalendarIDs))
	errs := make([]error, len(req.CalendarIDs))
	sem := make(chan struct{}, o.workers)
	var wg stdsync.WaitGroup
	for i, calID := range req.CalendarIDs {
		wg.Add(1)
		go func(i int, calID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = o.syncCalendar(ctx, req, calID)
		}(i, calID)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

func (o *Orchestrator) newRun(req Request, calendarID string) *state.RunResult {
	return &state.RunResult{
		RunID:      uuid.NewString(),
		OwnerID:    req.OwnerID,
		CalendarID: calendarID,
		Direction:  req.Direction,
		StartedAt:  o.now(),
	}
}

// syncCalendar is one pass of the state machine for a single calendar.
func (o *Orchestrator) syncCalendar(ctx context.Context, req Request, calendarID string) (*state.RunResult, error) {
	key := req.OwnerID + "|" + calendarID
	if !o.locks.tryAcquire(key) {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, ErrSyncInProgress)
	}
	defer o.locks.release(key)

	run := o.newRun(req, calendarID)
	o.logger.Printf("run %s: starting %s sync for owner=%s calendar=%s", run.RunID, req.Direction, req.OwnerID, calendarID)

	fatal := o.execute(ctx, req, calendarID, run)

	run.CompletedAt = o.now()
	switch {
	case fatal != nil:
		run.Status = state.RunError
	case len(run.Errors) > 0:
		run.Status = state.RunPartial
	default:
		run.Status = state.RunSuccess
	}

	// The run record must land even when the run's own deadline has already
	// expired; a timed-out run still commits as partial.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.AppendRunResult(appendCtx, run); err != nil {
		o.logger.Printf("run %s: failed to append run result: %v", run.RunID, err)
	}
	o.logger.Printf("run %s: %s (processed=%d created=%d updated=%d deleted=%d errors=%d)",
		run.RunID, run.Status, run.EventsProcessed, run.EventsCreated, run.EventsUpdated, run.EventsDeleted, len(run.Errors))

	if fatal != nil {
		return run, &FatalSyncError{RunID: run.RunID, Err: fatal}
	}
	return run, nil
}

// execute runs fetch, reconcile and commit. It returns a non-nil error only
// for run-fatal conditions; per-item failures land in run.Errors.
func (o *Orchestrator) execute(ctx context.Context, req Request, calendarID string, run *state.RunResult) error {
	cursor, err := o.store.GetCursor(ctx, req.OwnerID, calendarID)
	if err != nil {
		run.Errors = append(run.Errors, state.ItemError{Stage: "cursor", Message: err.Error()})
		return err
	}

	var page *gcal.EventPage
	fullSync := req.ForceFullSync || cursor == nil || cursor.SyncToken == nil
	escalated := false

	pullNeeded := req.Direction == DirectionPull || req.Direction == DirectionBoth

	// Push-only runs still fetch: the remote listing is what lets the run
	// recognize its own events and pick up the next sync token.
	if fullSync {
		page, err = o.api.ListEvents(ctx, calendarID, req.Window)
	} else {
		page, err = o.api.ListEventsSince(ctx, calendarID, *cursor.SyncToken)
		var tokenErr *gcal.SyncTokenInvalidError
		if errors.As(err, &tokenErr) {
			// One controlled escalation to a full sync per run.
			o.logger.Printf("run %s: sync token invalidated, falling back to full sync", run.RunID)
			if cerr := o.store.ClearCursor(ctx, req.OwnerID, calendarID); cerr != nil {
				run.Errors = append(run.Errors, state.ItemError{Stage: "cursor", Message: cerr.Error()})
				return cerr
			}
			escalated = true
			fullSync = true
			page, err = o.api.ListEvents(ctx, calendarID, req.Window)
		}
	}
	if err != nil {
		var tokenErr *gcal.SyncTokenInvalidError
		if errors.As(err, &tokenErr) && escalated {
			// A second invalidation in the same run is not retried.
			run.Errors = append(run.Errors, state.ItemError{Stage: "fetch", Message: "sync token invalidated twice in one run"})
			return err
		}
		run.Errors = append(run.Errors, state.ItemError{Stage: "fetch", Message: err.Error()})
		return err
	}

	timedOut := false

	if pullNeeded {
		if fatal := o.reconcilePull(ctx, req, calendarID, page.Events, run, &timedOut); fatal != nil {
			return fatal
		}
	}
	if req.Direction == DirectionPush || req.Direction == DirectionBoth {
		since := time.Time{}
		if cursor != nil {
			since = cursor.UpdatedAt
		}
		if fatal := o.reconcilePush(ctx, req, calendarID, since, run, &timedOut); fatal != nil {
			return fatal
		}
	}

	// Committing. The cursor is written last: a crash before it simply
	// redoes a bounded amount of work on the next run, it never loses the
	// last committed position. A timed-out run leaves the cursor alone for
	// the same reason.
	if timedOut {
		run.Errors = append(run.Errors, state.ItemError{Stage: "deadline", Message: "run deadline reached; cursor left at last committed point"})
		return nil
	}
	if page.NextSyncToken != "" {
		var fullAt *time.Time
		if fullSync {
			t := o.now()
			fullAt = &t
		}
		if err := o.store.SetCursor(ctx, req.OwnerID, calendarID, page.NextSyncToken, fullAt); err != nil {
			run.Errors = append(run.Errors, state.ItemError{Stage: "commit", Message: err.Error()})
			return err
		}
	}
	return nil
}
