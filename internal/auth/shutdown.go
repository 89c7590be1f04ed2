package auth

import "net/http"

// ShutdownMiddleware rejects all requests with 503 once shutdownCh is
// closed. It should be the outermost middleware so requests are rejected
// before auth or timeout handling runs.
func ShutdownMiddleware(shutdownCh <-chan struct{}) func(http.Handler) http.Handler {
	isShuttingDown := func() bool {
		select {
		case <-shutdownCh:
			return true
		default:
			return false
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isShuttingDown() {
				http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
