// Package auth resolves bearer tokens to authenticated users and issues
// new session tokens on login.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/errs"
	"github.com/sessionforge/sessionforge/internal/id"
)

type contextKey int

const userKey contextKey = iota

// UserInfo contains the authenticated user's information.
type UserInfo struct {
	ID       string
	Username string
	IsAdmin  bool
}

// WithUser stores a UserInfo in the context.
func WithUser(ctx context.Context, u *UserInfo) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser retrieves UserInfo from the context. Returns nil if not authenticated.
func GetUser(ctx context.Context) *UserInfo {
	u, _ := ctx.Value(userKey).(*UserInfo)
	return u
}

// MustGetUser retrieves UserInfo from the context, returning an error if not
// authenticated.
func MustGetUser(ctx context.Context) (*UserInfo, error) {
	u := GetUser(ctx)
	if u == nil {
		return nil, errs.New(errs.KindUnauthorized, "not authenticated")
	}
	return u, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "hash password", err)
	}
	return string(hash), nil
}

// Login validates credentials and creates a new session token.
func Login(ctx context.Context, q *db.Queries, username, password string) (string, *db.User, error) {
	user, err := q.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, errs.New(errs.KindUnauthorized, "invalid credentials")
		}
		return "", nil, errs.Wrap(errs.KindInternal, "query user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, errs.New(errs.KindUnauthorized, "invalid credentials")
	}

	sessionID := id.Generate()
	expiresAt := time.Now().Add(24 * time.Hour).UTC()
	if err := q.CreateUserSession(ctx, db.CreateUserSessionParams{
		ID:        sessionID,
		UserID:    user.ID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", nil, errs.Wrap(errs.KindInternal, "create session", err)
	}

	return sessionID, &user, nil
}

// ValidateToken resolves a session token to a UserInfo. Returns an error if
// the token is invalid or expired.
func ValidateToken(ctx context.Context, q *db.Queries, token string) (*UserInfo, error) {
	sess, err := q.GetUserSessionByID(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindUnauthorized, "invalid or expired token")
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return nil, errs.New(errs.KindUnauthorized, "token expired")
	}

	user, err := q.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &UserInfo{
		ID:       user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin == 1,
	}, nil
}

// TokenFromHeader extracts a Bearer token from an Authorization header value.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}
