package db

import "time"

// User mirrors a row in the users table.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	Email        string
	IsAdmin      int64
	CreatedAt    time.Time
}

// Identity mirrors a row in the identities table. SSHKeyRef is an opaque
// reference resolved by an external collaborator into an actual private
// key string for the duration of a single git call.
type Identity struct {
	ID        string
	UserID    string
	Name      string
	SSHKeyRef string
	CreatedAt time.Time
}

// Repo mirrors a row in the repos table.
type Repo struct {
	ID        string
	UserID    string
	Name      string
	RepoURL   string
	CreatedAt time.Time
}

// Session mirrors a row in the sessions table.
type Session struct {
	SessionID    string
	RepoID       string
	UserID       string
	RefKey       string
	IdentityID   string
	RepoURL      string
	Branch       string
	Prompt       string
	Status       string
	Error        string
	Model        string
	Provider     string
	PinnedAt     *time.Time
	WorktreePath string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message mirrors a row in the messages table. Content holds the stored
// bytes as written; ContentCompression records which codec produced them,
// and callers decompress Content themselves.
type Message struct {
	ID                 string
	RefKey             string
	Role               string
	Content             string
	ContentCompression string
	CommitSha          string
	CreatedAt          time.Time
}

// SessionEvent mirrors a row in the session_events table.
type SessionEvent struct {
	RefKey          string
	Sequence        int64
	Type            string
	Data            string
	DataCompression string
	MessageID       string
	CreatedAt       time.Time
}

// NotificationChannel mirrors a row in the notification_channels table.
type NotificationChannel struct {
	ID        string
	UserID    string
	Kind      string
	Config    string
	Enabled   int64
	CreatedAt time.Time
}

// UserNotificationPrefs mirrors a row in the user_notification_prefs table.
type UserNotificationPrefs struct {
	UserID                string
	NotificationsEnabled  int64
	NotificationEvents    string // JSON array of event type strings
}

// SystemSetting mirrors the single row in the system_settings table.
type SystemSetting struct {
	ApiTimeoutSeconds            int64
	AgentStartupTimeoutSeconds   int64
	WorktreeCreateTimeoutSeconds int64
	WorktreeDeleteTimeoutSeconds int64
}
