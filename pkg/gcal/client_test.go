package gcal

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func testClient(t *testing.T) (*Client, *[]time.Duration) {
	t.Helper()
	c := newClient(nil, log.New(io.Discard, "", 0))
	slept := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c, slept
}

func apiError(code int) error {
	return &googleapi.Error{Code: code, Message: "test"}
}

func TestWithRetry_RateLimitExhausted(t *testing.T) {
	c, slept := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.list", func() error {
		calls++
		return apiError(429)
	})

	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*slept))
	}
	if (*slept)[1] != 2*(*slept)[0] {
		t.Errorf("backoff did not double: %v then %v", (*slept)[0], (*slept)[1])
	}
}

func TestWithRetry_GoneNotRetried(t *testing.T) {
	c, slept := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.list", func() error {
		calls++
		return apiError(410)
	})

	var tokenInvalid *SyncTokenInvalidError
	if !errors.As(err, &tokenInvalid) {
		t.Fatalf("expected SyncTokenInvalidError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1: 410 must not be retried", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times on a non-retryable error", len(*slept))
	}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	c, _ := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.insert", func() error {
		calls++
		if calls < 2 {
			return apiError(503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry failed after recovery: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetry_TransientExhausted(t *testing.T) {
	c, _ := testClient(t)
	err := c.withRetry(context.Background(), "events.insert", func() error {
		return apiError(502)
	})
	var transient *TransientNetworkError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
}

func TestWithRetry_TransportErrorRetried(t *testing.T) {
	c, slept := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.list", func() error {
		calls++
		return &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	})

	var transient *TransientNetworkError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3: transport failures are retryable", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("sleeps = %d, want 2", len(*slept))
	}
}

func TestWithRetry_TransportErrorThenSuccess(t *testing.T) {
	c, _ := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.insert", func() error {
		calls++
		if calls < 2 {
			return errors.New("dial tcp: i/o timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry failed after recovery: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetry_ContextErrorNotRetried(t *testing.T) {
	c, slept := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.list", func() error {
		calls++
		return context.DeadlineExceeded
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		t.Error("context error wrapped as a network failure")
	}
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("context error retried: calls=%d sleeps=%d", calls, len(*slept))
	}
}

func TestWithRetry_ClientErrorPassthrough(t *testing.T) {
	c, slept := testClient(t)
	calls := 0
	err := c.withRetry(context.Background(), "events.get", func() error {
		calls++
		return apiError(400)
	})

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("expected bare 400, got %v", err)
	}
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("400 retried: calls=%d sleeps=%d", calls, len(*slept))
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	c, _ := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.withRetry(ctx, "events.list", func() error { return apiError(429) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(apiError(404)) {
		t.Error("404 not treated as not-found")
	}
	if !IsNotFound(apiError(410)) {
		t.Error("410 on a delete not treated as not-found")
	}
	if IsNotFound(apiError(500)) {
		t.Error("500 treated as not-found")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("non-API error treated as not-found")
	}
}

func TestClassifyWrapsOriginal(t *testing.T) {
	orig := apiError(429)
	err := classify(orig)
	if !errors.Is(err, orig) {
		t.Error("classified error lost the original cause")
	}
}
