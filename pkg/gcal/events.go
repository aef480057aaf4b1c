package gcal

import (
	"context"
	"fmt"
	"time"

	"github.com/taskshoot/calsync/pkg/mapper"
	"google.golang.org/api/calendar/v3"
)

// ListEvents pages through all events in the window and returns them as one
// materialized page, with the sync token Google issues on the last page.
func (c *Client) ListEvents(ctx context.Context, calendarID string, window TimeWindow) (*EventPage, error) {
	page := &EventPage{}
	pageToken := ""
	for {
		var events *calendar.Events
		err := c.withRetry(ctx, "events.list", func() error {
			call := c.srv.Events.List(calendarID).
				Context(ctx).
				SingleEvents(true).
				MaxResults(pageSize)
			if !window.Min.IsZero() {
				call = call.TimeMin(window.Min.Format(time.RFC3339))
			}
			if !window.Max.IsZero() {
				call = call.TimeMax(window.Max.Format(time.RFC3339))
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			events, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("unable to list events for calendar %s: %w", calendarID, err)
		}
		page.Events = append(page.Events, events.Items...)
		if events.NextPageToken == "" {
			page.NextSyncToken = events.NextSyncToken
			return page, nil
		}
		pageToken = events.NextPageToken
	}
}

// ListEventsSince fetches only events changed since the sync token was
// issued. A 410 surfaces as SyncTokenInvalidError without retrying; the
// orchestrator reacts by clearing the cursor and running a full sync.
func (c *Client) ListEventsSince(ctx context.Context, calendarID, syncToken string) (*EventPage, error) {
	page := &EventPage{}
	pageToken := ""
	for {
		var events *calendar.Events
		err := c.withRetry(ctx, "events.list(incremental)", func() error {
			call := c.srv.Events.List(calendarID).
				Context(ctx).
				MaxResults(pageSize)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			} else {
				call = call.SyncToken(syncToken)
			}
			var err error
			events, err = call.Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		page.Events = append(page.Events, events.Items...)
		if events.NextPageToken == "" {
			page.NextSyncToken = events.NextSyncToken
			return page, nil
		}
		pageToken = events.NextPageToken
	}
}

// GetEvent fetches a single event.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	var event *calendar.Event
	err := c.withRetry(ctx, "events.get", func() error {
		var err error
		event, err = c.srv.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	return event, err
}

// CreateEvent inserts an event.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	var created *calendar.Event
	err := c.withRetry(ctx, "events.insert", func() error {
		var err error
		created, err = c.srv.Events.Insert(calendarID, event).Context(ctx).Do()
		return err
	})
	return created, err
}

// UpdateEvent replaces an event wholesale.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	var updated *calendar.Event
	err := c.withRetry(ctx, "events.update", func() error {
		var err error
		updated, err = c.srv.Events.Update(calendarID, eventID, event).Context(ctx).Do()
		return err
	})
	return updated, err
}

// PatchEvent performs a partial update carrying only changed fields.
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) (*calendar.Event, error) {
	var updated *calendar.Event
	err := c.withRetry(ctx, "events.patch", func() error {
		var err error
		updated, err = c.srv.Events.Patch(calendarID, eventID, patch).Context(ctx).Do()
		return err
	})
	return updated, err
}

// DeleteEvent removes an event.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return c.withRetry(ctx, "events.delete", func() error {
		return c.srv.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
}

// FindEventByTaskID searches the calendar for the event carrying the task id
// in its private extended properties. Returns nil, nil when none exists.
func (c *Client) FindEventByTaskID(ctx context.Context, calendarID, taskID string) (*calendar.Event, error) {
	var events *calendar.Events
	err := c.withRetry(ctx, "events.list(byTaskID)", func() error {
		var err error
		events, err = c.srv.Events.List(calendarID).
			Context(ctx).
			PrivateExtendedProperty(fmt.Sprintf("%s=%s", mapper.PropertyTaskID, taskID)).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(events.Items) > 0 {
		return events.Items[0], nil
	}
	return nil, nil
}

