// Package bootstrap seeds a fresh database with the first admin user so a
// standalone deployment has something to log in with.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/id"
)

const (
	defaultUsername = "admin"
	defaultPassword = "admin"
)

// Run creates the default admin user if no users exist yet. This is a
// no-op if the database already has data.
func Run(ctx context.Context, q *db.Queries) error {
	count, err := q.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		slog.Info("bootstrap: skipped (users already exist)")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID := id.Generate()
	if err := q.CreateUser(ctx, db.CreateUserParams{
		ID:           userID,
		Username:     defaultUsername,
		PasswordHash: string(hash),
		DisplayName:  "Admin",
		IsAdmin:      1,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	if err := q.UpsertUserNotificationPrefs(ctx, db.UserNotificationPrefs{
		UserID:               userID,
		NotificationsEnabled: 1,
		NotificationEvents:   `["session:completed","session:error","session:waiting_for_input"]`,
	}); err != nil {
		return fmt.Errorf("create user notification prefs: %w", err)
	}

	slog.Info("bootstrap: created admin user",
		"user_id", userID,
		"username", defaultUsername,
	)

	return nil
}
