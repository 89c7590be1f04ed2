package auth

import (
	"net/http"

	"github.com/sessionforge/sessionforge/internal/db"
)

// publicRoutes lists HTTP routes that do not require authentication.
var publicRoutes = map[string]bool{
	"/api/login":  true,
	"/api/signup": true,
	"/healthz":    true,
	"/metrics":    true,
}

// Middleware validates the Bearer token on every request except the
// public routes, attaching the resolved UserInfo to the request context.
// The SSE stream endpoints go through the same middleware, with the token
// read from the Authorization header. The WebSocket endpoint is mounted
// outside it and authenticates with an in-band auth message instead.
func Middleware(q *db.Queries) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicRoutes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := TokenFromHeader(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			userInfo, err := ValidateToken(r.Context(), q, token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userInfo)))
		})
	}
}
