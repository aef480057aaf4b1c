// Package gcal wraps the Google Calendar REST surface behind a retrying,
// paginating client.
package gcal

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	defaultRetryAttempts = 3
	defaultBaseDelay     = time.Second
	pageSize             = 250
)

// EventPage is a fully materialized listing: pagination has been exhausted
// internally, never silently truncated. NextSyncToken enables the next
// incremental fetch.
type EventPage struct {
	Events        []*calendar.Event
	NextSyncToken string
}

// TimeWindow bounds a full listing. Zero values mean unbounded.
type TimeWindow struct {
	Min time.Time
	Max time.Time
}

// API is the calendar surface the orchestrator depends on. The Client
// implements it against Google Calendar; tests substitute fakes.
type API interface {
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
	ListEvents(ctx context.Context, calendarID string, window TimeWindow) (*EventPage, error)
	ListEventsSince(ctx context.Context, calendarID, syncToken string) (*EventPage, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	FindEventByTaskID(ctx context.Context, calendarID, taskID string) (*calendar.Event, error)
}

// Client is the Google Calendar implementation of API.
type Client struct {
	srv    *calendar.Service
	logger *log.Logger

	retryAttempts int
	baseDelay     time.Duration

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option tunes a Client.
type Option func(*Client)

// WithRetry overrides the retry attempt count and backoff base delay.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// NewClient builds a client over an authenticated token source. If logger is
// nil, a default logger writing to stderr is used.
func NewClient(ctx context.Context, ts oauth2.TokenSource, logger *log.Logger, opts ...Option) (*Client, error) {
	srv, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	return newClient(srv, logger, opts...), nil
}

func newClient(srv *calendar.Service, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[gcal] ", log.LstdFlags)
	}
	c := &Client{
		srv:           srv,
		logger:        logger,
		retryAttempts: defaultRetryAttempts,
		baseDelay:     defaultBaseDelay,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn up to retryAttempts times, backing off baseDelay*2^n
// between attempts on 429/5xx. The final error is classified and propagated,
// never swallowed. Non-retryable errors (410 included) surface immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return classify(err)
		}
		if attempt < c.retryAttempts-1 {
			delay := c.baseDelay * (1 << attempt)
			c.logger.Printf("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt+1, c.retryAttempts, delay, err)
			if serr := c.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return classify(err)
}

// ListCalendars returns every calendar on the owner's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var items []*calendar.CalendarListEntry
	pageToken := ""
	for {
		var list *calendar.CalendarList
		err := c.withRetry(ctx, "calendars.list", func() error {
			call := c.srv.CalendarList.List().Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			list, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve calendar list: %w", err)
		}
		items = append(items, list.Items...)
		if list.NextPageToken == "" {
			return items, nil
		}
		pageToken = list.NextPageToken
	}
}

// ResolveCalendarID maps a calendar display name to its id.
func (c *Client) ResolveCalendarID(ctx context.Context, name string) (string, error) {
	items, err := c.ListCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Summary == name {
			return item.Id, nil
		}
	}
	return "", fmt.Errorf("calendar %q not found", name)
}
