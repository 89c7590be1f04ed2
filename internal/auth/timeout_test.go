package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessionforge/internal/auth"
)

type timeoutCapture struct {
	deadline    time.Time
	hasDeadline bool
}

func setupTimeoutTestServer(t *testing.T, timeout time.Duration, pre func(http.Handler) http.Handler) (*httptest.Server, *timeoutCapture) {
	t.Helper()

	capture := &timeoutCapture{}
	inner := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.deadline, capture.hasDeadline = r.Context().Deadline()
		w.WriteHeader(http.StatusOK)
	}))

	handler := auth.TimeoutMiddleware(func() time.Duration { return timeout })(inner)
	if pre != nil {
		handler = pre(handler)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, capture
}

func TestTimeoutMiddleware_AppliesDefaultTimeout(t *testing.T) {
	defaultTimeout := 5 * time.Second
	server, capture := setupTimeoutTestServer(t, defaultTimeout, nil)

	before := time.Now()

	resp, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, capture.hasDeadline, "expected context to have a deadline")

	expectedDeadline := before.Add(defaultTimeout)
	assert.WithinDuration(t, expectedDeadline, capture.deadline, 2*time.Second,
		"deadline should be approximately now + default timeout")
}

func TestTimeoutMiddleware_PreservesExistingDeadline(t *testing.T) {
	defaultTimeout := 5 * time.Second
	customDeadline := time.Now().Add(30 * time.Second)

	// Simulate an outer middleware (or a caller wiring a longer-lived
	// operation deadline) that already attached a deadline before this
	// middleware runs.
	withCustomDeadline := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithDeadline(r.Context(), customDeadline)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	server, capture := setupTimeoutTestServer(t, defaultTimeout, withCustomDeadline)

	resp, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, capture.hasDeadline, "expected context to have a deadline")
	assert.WithinDuration(t, customDeadline, capture.deadline, 2*time.Second,
		"original deadline should be preserved, not replaced by default timeout")
	assert.True(t, capture.deadline.After(time.Now().Add(defaultTimeout)),
		"deadline should be further out than the default timeout")
}
