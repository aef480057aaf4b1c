package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// RateLimitedError is a 429 from the provider that survived every retry.
type RateLimitedError struct {
	Err error
}

func (e *RateLimitedError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// SyncTokenInvalidError is the provider's 410 on an incremental listing: the
// sync token has expired and only a full resync can recover. It is never
// retried here.
type SyncTokenInvalidError struct {
	Err error
}

func (e *SyncTokenInvalidError) Error() string { return fmt.Sprintf("sync token invalidated: %v", e.Err) }
func (e *SyncTokenInvalidError) Unwrap() error { return e.Err }

// TransientNetworkError is a 5xx or transport failure that survived every
// retry.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string { return fmt.Sprintf("transient network error: %v", e.Err) }
func (e *TransientNetworkError) Unwrap() error { return e.Err }

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsNotFound reports whether the provider says the resource is gone (404 or
// 410 on an event operation). Deleting an already deleted event is a no-op
// for callers.
func IsNotFound(err error) bool {
	code := statusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

// retryable: 429, 5xx, and transport failures that never produced an HTTP
// status (connection resets, DNS, TLS timeouts). 410 in particular must
// surface immediately. Context errors are the caller giving up, not the
// network failing.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := statusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

// classify wraps an exhausted or non-retryable provider error in the typed
// error the orchestrator branches on.
func classify(err error) error {
	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests:
		return &RateLimitedError{Err: err}
	case code == http.StatusGone:
		return &SyncTokenInvalidError{Err: err}
	case code >= 500:
		return &TransientNetworkError{Err: err}
	case code == 0 && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		return &TransientNetworkError{Err: err}
	default:
		return err
	}
}
