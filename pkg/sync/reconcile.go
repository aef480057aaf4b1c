package sync

import (
	"context"
	"errors"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/taskshoot/calsync/pkg/gcal"
	"github.com/taskshoot/calsync/pkg/mapper"
	"github.com/taskshoot/calsync/pkg/model"
	"github.com/taskshoot/calsync/pkg/state"
)

// itemError records a per-item failure and lets the run continue. A
// MappingIntegrityError is the exception: it means a duplicate was created
// somewhere and the run must stop rather than repair it silently.
func (o *Orchestrator) itemError(run *state.RunResult, itemID, stage string, err error) error {
	var integrity *state.MappingIntegrityError
	if errors.As(err, &integrity) {
		run.Errors = append(run.Errors, state.ItemError{ItemID: itemID, Stage: stage, Message: err.Error()})
		return err
	}
	o.logger.Printf("run %s: item %s failed during %s: %v", run.RunID, itemID, stage, err)
	run.Errors = append(run.Errors, state.ItemError{ItemID: itemID, Stage: stage, Message: err.Error()})
	return nil
}

// reconcilePull applies fetched remote events to the local task store, in
// the order the API returned them. Returns a non-nil error only for
// run-fatal conditions.
func (o *Orchestrator) reconcilePull(ctx context.Context, req Request, calendarID string, events []*calendar.Event, run *state.RunResult, timedOut *bool) error {
	for _, ev := range events {
		if ctx.Err() != nil {
			*timedOut = true
			return nil
		}
		if o.mapper.ShouldExcludeFromSync(ev) {
			continue
		}
		run.EventsProcessed++
		if fatal := o.pullOne(ctx, req, calendarID, ev, run); fatal != nil {
			return fatal
		}
	}
	return nil
}

func (o *Orchestrator) pullOne(ctx context.Context, req Request, calendarID string, ev *calendar.Event, run *state.RunResult) error {
	mapping, err := o.store.GetMappingByEvent(ctx, req.OwnerID, calendarID, ev.Id)
	if err != nil {
		return o.itemError(run, ev.Id, "pull", err)
	}
	hash := mapper.ContentHash(ev)

	if mapping != nil {
		if hash == mapping.ContentHash {
			return nil // no-op, remote unchanged since last sync
		}
		winner := "remote"
		conflicted := false
		if req.Direction == DirectionBoth {
			task, err := o.tasks.GetTask(ctx, req.OwnerID, mapping.TaskID)
			switch {
			case errors.Is(err, model.ErrTaskNotFound):
				// Locally deleted; the push phase deletes the remote event.
				return nil
			case err != nil:
				return o.itemError(run, ev.Id, "pull", err)
			default:
				if task.UpdatedAt.After(mapping.LastSyncedAt) {
					// Both sides changed since the last sync: the later
					// modification wins, remote on an exact tie.
					remoteUpdated := parseEventUpdated(ev)
					conflicted = true
					if task.UpdatedAt.After(remoteUpdated) {
						winner = "local"
					}
					run.Conflicts = append(run.Conflicts, state.ConflictRecord{
						TaskID:        mapping.TaskID,
						EventID:       ev.Id,
						Winner:        winner,
						LocalUpdated:  task.UpdatedAt,
						RemoteUpdated: remoteUpdated,
					})
					if winner == "local" {
						return nil // the push phase overwrites the remote side
					}
				}
			}
		}

		draft, err := o.mapper.EventToTask(ev)
		if err != nil {
			return o.itemError(run, ev.Id, "pull", err)
		}
		if _, err := o.tasks.UpdateTask(ctx, req.OwnerID, mapping.TaskID, draft); err != nil {
			if conflicted {
				err = &ConflictResolutionError{TaskID: mapping.TaskID, EventID: ev.Id, Winner: winner, Err: err}
			}
			return o.itemError(run, ev.Id, "pull", err)
		}
		if err := o.commitMapping(ctx, req.OwnerID, calendarID, mapping.TaskID, ev.Id, hash); err != nil {
			return o.itemError(run, ev.Id, "pull", err)
		}
		run.EventsUpdated++
		return nil
	}

	// No mapping on record. An event marked as ours names its task id, so
	// the mapping is re-derived idempotently instead of creating a
	// duplicate task after a crash between the remote write and the
	// bookkeeping write.
	if marker, ok := mapper.ParseSourceMarker(ev); ok {
		_, err := o.tasks.GetTask(ctx, req.OwnerID, marker.TaskID)
		if err == nil {
			if cerr := o.commitMapping(ctx, req.OwnerID, calendarID, marker.TaskID, ev.Id, hash); cerr != nil {
				return o.itemError(run, ev.Id, "pull", cerr)
			}
			return nil
		}
		if !errors.Is(err, model.ErrTaskNotFound) {
			return o.itemError(run, ev.Id, "pull", err)
		}
	}

	draft, err := o.mapper.EventToTask(ev)
	if err != nil {
		return o.itemError(run, ev.Id, "pull", err)
	}
	created, err := o.tasks.CreateTask(ctx, req.OwnerID, draft)
	if err != nil {
		return o.itemError(run, ev.Id, "pull", err)
	}
	if err := o.commitMapping(ctx, req.OwnerID, calendarID, created.ID, ev.Id, hash); err != nil {
		return o.itemError(run, ev.Id, "pull", err)
	}
	run.EventsCreated++
	return nil
}

// reconcilePush sends local changes to the calendar and deletes remote
// events for locally deleted tasks.
func (o *Orchestrator) reconcilePush(ctx context.Context, req Request, calendarID string, since time.Time, run *state.RunResult, timedOut *bool) error {
	changed, err := o.tasks.ListTasksChangedSince(ctx, req.OwnerID, since)
	if err != nil {
		return o.itemError(run, "", "push", err)
	}
	for _, task := range changed {
		if ctx.Err() != nil {
			*timedOut = true
			return nil
		}
		run.EventsProcessed++
		if fatal := o.pushOne(ctx, req, calendarID, task, run); fatal != nil {
			return fatal
		}
	}
	return o.deleteOrphans(ctx, req, calendarID, run, timedOut)
}

func (o *Orchestrator) pushOne(ctx context.Context, req Request, calendarID string, task *model.Task, run *state.RunResult) error {
	if err := task.Validate(); err != nil {
		return o.itemError(run, task.ID, "push", err)
	}
	target, err := o.mapper.TaskToEvent(task, o.now())
	if err != nil {
		return o.itemError(run, task.ID, "push", err)
	}
	hash := mapper.ContentHash(target)

	mapping, err := o.store.GetMappingByTask(ctx, req.OwnerID, calendarID, task.ID)
	if err != nil {
		return o.itemError(run, task.ID, "push", err)
	}

	if mapping == nil {
		// A crash may have left an unmapped remote event behind; search by
		// the embedded task id before creating another one.
		existing, err := o.api.FindEventByTaskID(ctx, calendarID, task.ID)
		if err != nil {
			return o.itemError(run, task.ID, "push", err)
		}
		if existing != nil {
			return o.pushUpdate(ctx, req, calendarID, task, existing, target, hash, run)
		}
		created, err := o.api.CreateEvent(ctx, calendarID, target)
		if err != nil {
			return o.itemError(run, task.ID, "push", err)
		}
		if err := o.commitMapping(ctx, req.OwnerID, calendarID, task.ID, created.Id, hash); err != nil {
			return o.itemError(run, task.ID, "push", err)
		}
		run.EventsCreated++
		return nil
	}

	if hash == mapping.ContentHash {
		return nil // no local change worth writing
	}

	existing, err := o.api.GetEvent(ctx, calendarID, mapping.EventID)
	if err != nil {
		if gcal.IsNotFound(err) {
			// The remote side vanished; recreate and remap.
			if derr := o.store.DeleteMapping(ctx, req.OwnerID, calendarID, task.ID); derr != nil {
				return o.itemError(run, task.ID, "push", derr)
			}
			created, cerr := o.api.CreateEvent(ctx, calendarID, target)
			if cerr != nil {
				return o.itemError(run, task.ID, "push", cerr)
			}
			if merr := o.commitMapping(ctx, req.OwnerID, calendarID, task.ID, created.Id, hash); merr != nil {
				return o.itemError(run, task.ID, "push", merr)
			}
			run.EventsCreated++
			return nil
		}
		return o.itemError(run, task.ID, "push", err)
	}
	return o.pushUpdate(ctx, req, calendarID, task, existing, target, hash, run)
}

func (o *Orchestrator) pushUpdate(ctx context.Context, req Request, calendarID string, task *model.Task, existing, target *calendar.Event, hash string, run *state.RunResult) error {
	patch := mapper.EventPatch(existing, target)
	if patch != nil {
		if _, err := o.api.PatchEvent(ctx, calendarID, existing.Id, patch); err != nil {
			return o.itemError(run, task.ID, "push", err)
		}
		run.EventsUpdated++
	}
	if err := o.commitMapping(ctx, req.OwnerID, calendarID, task.ID, existing.Id, hash); err != nil {
		return o.itemError(run, task.ID, "push", err)
	}
	return nil
}

// deleteOrphans removes remote events whose local task no longer exists and
// drops their mappings.
func (o *Orchestrator) deleteOrphans(ctx context.Context, req Request, calendarID string, run *state.RunResult, timedOut *bool) error {
	mappings, err := o.store.ListMappings(ctx, req.OwnerID, calendarID)
	if err != nil {
		return o.itemError(run, "", "delete", err)
	}
	for _, m := range mappings {
		if ctx.Err() != nil {
			*timedOut = true
			return nil
		}
		_, err := o.tasks.GetTask(ctx, req.OwnerID, m.TaskID)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrTaskNotFound) {
			if ierr := o.itemError(run, m.TaskID, "delete", err); ierr != nil {
				return ierr
			}
			continue
		}
		if err := o.api.DeleteEvent(ctx, calendarID, m.EventID); err != nil && !gcal.IsNotFound(err) {
			if ierr := o.itemError(run, m.TaskID, "delete", err); ierr != nil {
				return ierr
			}
			continue
		}
		if err := o.store.DeleteMapping(ctx, req.OwnerID, calendarID, m.TaskID); err != nil {
			if ierr := o.itemError(run, m.TaskID, "delete", err); ierr != nil {
				return ierr
			}
			continue
		}
		run.EventsDeleted++
	}
	return nil
}

// commitMapping writes the mapping in the same logical unit as the external
// write that preceded it.
func (o *Orchestrator) commitMapping(ctx context.Context, ownerID, calendarID, taskID, eventID, hash string) error {
	return o.store.UpsertMapping(ctx, &state.Mapping{
		OwnerID:      ownerID,
		CalendarID:   calendarID,
		TaskID:       taskID,
		EventID:      eventID,
		ContentHash:  hash,
		LastSyncedAt: o.now(),
	})
}

func parseEventUpdated(ev *calendar.Event) time.Time {
	t, err := time.Parse(time.RFC3339, ev.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}
