package auth

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware enforces a default deadline on the request context when
// none is already set. defaultTimeout is called on each request so callers
// can back it with a live config value (e.g. the apiTimeoutSeconds system
// setting). Stream endpoints (SSE/WebSocket) must not be wrapped with this,
// since they are expected to stay open for the session's lifetime.
func TimeoutMiddleware(defaultTimeout func() time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, defaultTimeout())
				defer cancel()
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
