package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessionforge/internal/auth"
)

func setupShutdownTestServer(t *testing.T, shutdownCh chan struct{}) *httptest.Server {
	t.Helper()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := auth.ShutdownMiddleware(shutdownCh)(inner)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestShutdownMiddleware_AllowsBeforeShutdown(t *testing.T) {
	shutdownCh := make(chan struct{})
	server := setupShutdownTestServer(t, shutdownCh)

	resp, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownMiddleware_RejectsAfterShutdown(t *testing.T) {
	shutdownCh := make(chan struct{})
	server := setupShutdownTestServer(t, shutdownCh)

	close(shutdownCh)

	resp, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownMiddleware_TransitionDuringOperation(t *testing.T) {
	shutdownCh := make(chan struct{})
	server := setupShutdownTestServer(t, shutdownCh)

	resp, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	close(shutdownCh)

	resp2, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
