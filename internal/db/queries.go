// Package db is the hand-written equivalent of a sqlc-generated data access
// layer: a Queries struct wrapping a single *sql.DB handle, one method per
// statement, typed Params structs for multi-column inputs. Single-row
// lookups return sql.ErrNoRows verbatim on a missing row so callers can
// match it with errors.Is the same way the rest of the codebase does. The
// exceptions are GetUserNotificationPrefs, which returns the default
// preferences, and GetSessionNotificationOverride, which reports that no
// override is set.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyExists is returned by CreateSession on a (user, repo, session)
// collision.
var ErrAlreadyExists = errors.New("already exists")

// Queries wraps a *sql.DB (or *sql.Tx) with typed accessors.
type Queries struct {
	db DBTX
}

// DBTX is satisfied by both *sql.DB and *sql.Tx, so callers can run a
// handful of queries inside a transaction via WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a Queries bound to the given handle.
func New(d DBTX) *Queries {
	return &Queries{db: d}
}

// WithTx returns a Queries bound to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// ---- users ----

type CreateUserParams struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	Email        string
	IsAdmin      int64
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, display_name, email, is_admin)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.Username, arg.PasswordHash, arg.DisplayName, arg.Email, arg.IsAdmin)
	return err
}

func (q *Queries) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, display_name, email, is_admin, created_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Email, &u.IsAdmin, &u.CreatedAt)
	return u, err
}

func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, display_name, email, is_admin, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Email, &u.IsAdmin, &u.CreatedAt)
	return u, err
}

func (q *Queries) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

type CreateUserSessionParams struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

func (q *Queries) CreateUserSession(ctx context.Context, arg CreateUserSessionParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_sessions (id, user_id, expires_at) VALUES (?, ?, ?)`,
		arg.ID, arg.UserID, arg.ExpiresAt)
	return err
}

type userSessionRow struct {
	UserID    string
	ExpiresAt time.Time
}

func (q *Queries) GetUserSessionByID(ctx context.Context, id string) (userSessionRow, error) {
	var s userSessionRow
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at FROM user_sessions
		WHERE id = ? AND expires_at > ?`, id, time.Now().UTC()).
		Scan(&s.UserID, &s.ExpiresAt)
	return s, err
}

// ---- identities ----

type CreateIdentityParams struct {
	ID        string
	UserID    string
	Name      string
	SSHKeyRef string
}

func (q *Queries) CreateIdentity(ctx context.Context, arg CreateIdentityParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO identities (id, user_id, name, ssh_key_ref) VALUES (?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.Name, arg.SSHKeyRef)
	return err
}

type GetOwnedIdentityParams struct {
	ID     string
	UserID string
}

func (q *Queries) GetOwnedIdentity(ctx context.Context, arg GetOwnedIdentityParams) (Identity, error) {
	var i Identity
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, ssh_key_ref, created_at
		FROM identities WHERE id = ? AND user_id = ?`, arg.ID, arg.UserID).
		Scan(&i.ID, &i.UserID, &i.Name, &i.SSHKeyRef, &i.CreatedAt)
	return i, err
}

// ---- repos ----

type CreateRepoParams struct {
	ID      string
	UserID  string
	Name    string
	RepoURL string
}

func (q *Queries) CreateRepo(ctx context.Context, arg CreateRepoParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO repos (id, user_id, name, repo_url) VALUES (?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.Name, arg.RepoURL)
	return err
}

type GetOwnedRepoParams struct {
	ID     string
	UserID string
}

func (q *Queries) GetOwnedRepo(ctx context.Context, arg GetOwnedRepoParams) (Repo, error) {
	var r Repo
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, repo_url, created_at
		FROM repos WHERE id = ? AND user_id = ?`, arg.ID, arg.UserID).
		Scan(&r.ID, &r.UserID, &r.Name, &r.RepoURL, &r.CreatedAt)
	return r, err
}

// ---- sessions ----

type CreateSessionParams struct {
	SessionID    string
	RepoID       string
	UserID       string
	RefKey       string
	IdentityID   string
	RepoURL      string
	Branch       string
	Prompt       string
	Status       string
	Model        string
	Provider     string
	WorktreePath string
}

// CreateSession inserts a new session row. Returns ErrAlreadyExists on a
// (user_id, repo_id, session_id) collision.
func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, repo_id, user_id, ref_key, identity_id, repo_url, branch,
			 prompt, status, model, provider, worktree_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		arg.SessionID, arg.RepoID, arg.UserID, arg.RefKey, arg.IdentityID, arg.RepoURL,
		arg.Branch, arg.Prompt, arg.Status, arg.Model, arg.Provider, arg.WorktreePath)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: session %s", ErrAlreadyExists, arg.SessionID)
	}
	return err
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.SessionID, &s.RepoID, &s.UserID, &s.RefKey, &s.IdentityID,
		&s.RepoURL, &s.Branch, &s.Prompt, &s.Status, &s.Error, &s.Model, &s.Provider,
		&s.PinnedAt, &s.WorktreePath, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

const sessionColumns = `session_id, repo_id, user_id, ref_key, identity_id, repo_url,
	branch, prompt, status, error, model, provider, pinned_at, worktree_path,
	created_at, updated_at`

func (q *Queries) GetSessionByRefKey(ctx context.Context, refKey string) (Session, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE ref_key = ?`, refKey)
	return scanSession(row)
}

type GetSessionByUserAndIDParams struct {
	UserID    string
	SessionID string
}

// GetSessionByUserAndID resolves a session ref by (userId, sessionId) alone,
// searching across all of the user's repos, per the base spec's
// `get(user, sessionId)` contract.
func (q *Queries) GetSessionByUserAndID(ctx context.Context, arg GetSessionByUserAndIDParams) (Session, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE user_id = ? AND session_id = ?`, arg.UserID, arg.SessionID)
	return scanSession(row)
}

func (q *Queries) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type ListSessionsByRepoParams struct {
	UserID string
	RepoID string
}

func (q *Queries) ListSessionsByRepo(ctx context.Context, arg ListSessionsByRepoParams) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE user_id = ? AND repo_id = ? ORDER BY created_at DESC`,
		arg.UserID, arg.RepoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type UpdateSessionStatusParams struct {
	RefKey string
	Status string
	Error  string
}

// UpdateSessionStatus writes status and error atomically and bumps updated_at,
// matching §4.5's `updateStatus(ref, status, error?)`.
func (q *Queries) UpdateSessionStatus(ctx context.Context, arg UpdateSessionStatusParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE ref_key = ?`,
		arg.Status, arg.Error, time.Now().UTC(), arg.RefKey)
	return err
}

type UpdateSessionModelParams struct {
	RefKey string
	Model  string
}

func (q *Queries) UpdateSessionModel(ctx context.Context, arg UpdateSessionModelParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET model = ?, updated_at = ? WHERE ref_key = ?`,
		arg.Model, time.Now().UTC(), arg.RefKey)
	return err
}

type SetSessionPinnedParams struct {
	RefKey string
	Pinned bool
}

func (q *Queries) SetSessionPinned(ctx context.Context, arg SetSessionPinnedParams) error {
	var pinnedAt any
	if arg.Pinned {
		pinnedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET pinned_at = ?, updated_at = ? WHERE ref_key = ?`,
		pinnedAt, time.Now().UTC(), arg.RefKey)
	return err
}

func (q *Queries) SetSessionWorktreePath(ctx context.Context, refKey, path string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET worktree_path = ?, updated_at = ? WHERE ref_key = ?`,
		path, time.Now().UTC(), refKey)
	return err
}

// DeleteSession removes the session row and cascades to messages, events,
// and file reviews keyed by the same ref_key (no DB-level FK links those
// tables to sessions, since ref_key is a derived string, not sessions' PK).
func (q *Queries) DeleteSession(ctx context.Context, refKey string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM session_events WHERE ref_key = ?`, refKey); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE ref_key = ?`, refKey); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM file_reviews WHERE ref_key = ?`, refKey); err != nil {
		return fmt.Errorf("delete file reviews: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM session_notification_overrides WHERE ref_key = ?`, refKey); err != nil {
		return fmt.Errorf("delete notification override: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE ref_key = ?`, refKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- messages ----

type CreateMessageParams struct {
	ID                  string
	RefKey              string
	Role                string
	Content             string
	ContentCompression  string
	CommitSha           string
}

func (q *Queries) CreateMessage(ctx context.Context, arg CreateMessageParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO messages (id, ref_key, role, content, content_compression, commit_sha)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.RefKey, arg.Role, arg.Content, arg.ContentCompression, arg.CommitSha)
	return err
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.RefKey, &m.Role, &m.Content, &m.ContentCompression, &m.CommitSha, &m.CreatedAt)
	return m, err
}

const messageColumns = `id, ref_key, role, content, content_compression, commit_sha, created_at`

func (q *Queries) ListMessagesBySession(ctx context.Context, refKey string) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE ref_key = ? ORDER BY created_at ASC, rowid ASC`, refKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) GetMessageByID(ctx context.Context, id string) (Message, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// DeleteMessagesAfter deletes every message in the session strictly after
// the target message's rowid, i.e. inserted after it.
func (q *Queries) DeleteMessagesAfter(ctx context.Context, refKey, messageID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM messages WHERE ref_key = ? AND rowid > (
			SELECT rowid FROM messages WHERE id = ? AND ref_key = ?
		)`, refKey, messageID, refKey)
	return err
}

func (q *Queries) DeleteMessage(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ---- session_events ----

// NextSequence returns the next sequence number for ref, i.e. one more than
// the current max (or 1 if none exist). Callers must serialize calls per ref
// themselves (the eventlog package does this); this method does not take a
// lock of its own.
func (q *Queries) NextSequence(ctx context.Context, refKey string) (int64, error) {
	var maxSeq sql.NullInt64
	err := q.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM session_events WHERE ref_key = ?`, refKey).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 1, nil
	}
	return maxSeq.Int64 + 1, nil
}

type AppendEventParams struct {
	RefKey          string
	Sequence        int64
	Type            string
	Data            string
	DataCompression string
	MessageID       string
}

func (q *Queries) AppendEvent(ctx context.Context, arg AppendEventParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO session_events (ref_key, sequence, type, data, data_compression, message_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.RefKey, arg.Sequence, arg.Type, arg.Data, arg.DataCompression, arg.MessageID)
	return err
}

func scanEvent(row interface{ Scan(...any) error }) (SessionEvent, error) {
	var e SessionEvent
	err := row.Scan(&e.RefKey, &e.Sequence, &e.Type, &e.Data, &e.DataCompression, &e.MessageID, &e.CreatedAt)
	return e, err
}

const eventColumns = `ref_key, sequence, type, data, data_compression, message_id, created_at`

type ListEventsAfterParams struct {
	RefKey   string
	AfterSeq int64
}

func (q *Queries) ListEventsAfter(ctx context.Context, arg ListEventsAfterParams) ([]SessionEvent, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM session_events WHERE ref_key = ? AND sequence > ? ORDER BY sequence ASC`,
		arg.RefKey, arg.AfterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindSnapshotEventForMessage finds the session:snapshot event whose data
// references messageID, via the indexed message_id column rather than a
// substring search over serialized JSON (the base spec explicitly rejects
// the substring approach).
func (q *Queries) FindSnapshotEventForMessage(ctx context.Context, refKey, messageID string) (SessionEvent, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+eventColumns+`
		FROM session_events
		WHERE ref_key = ? AND message_id = ? AND type = 'session:snapshot'`, refKey, messageID)
	return scanEvent(row)
}

// FindPrecedingUserMessageEvent finds the nearest user:message event at or
// before the given sequence, i.e. the turn boundary a revert must cut at.
func (q *Queries) FindPrecedingUserMessageEvent(ctx context.Context, refKey string, beforeOrAtSeq int64) (SessionEvent, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+eventColumns+`
		FROM session_events
		WHERE ref_key = ? AND type = 'user:message' AND sequence <= ?
		ORDER BY sequence DESC LIMIT 1`, refKey, beforeOrAtSeq)
	return scanEvent(row)
}

func (q *Queries) DeleteEventsFromSequence(ctx context.Context, refKey string, fromSeq int64) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM session_events WHERE ref_key = ? AND sequence >= ?`, refKey, fromSeq)
	return err
}

// ---- notifications ----

func (q *Queries) GetUserNotificationPrefs(ctx context.Context, userID string) (UserNotificationPrefs, error) {
	var p UserNotificationPrefs
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, notifications_enabled, notification_events
		FROM user_notification_prefs WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.NotificationsEnabled, &p.NotificationEvents)
	if errors.Is(err, sql.ErrNoRows) {
		// Default prefs for a user who has never configured notifications.
		return UserNotificationPrefs{
			UserID:               userID,
			NotificationsEnabled: 1,
			NotificationEvents:   `["session:completed","session:error","session:waiting_for_input"]`,
		}, nil
	}
	return p, err
}

func (q *Queries) UpsertUserNotificationPrefs(ctx context.Context, p UserNotificationPrefs) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_notification_prefs (user_id, notifications_enabled, notification_events)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			notifications_enabled = excluded.notifications_enabled,
			notification_events = excluded.notification_events`,
		p.UserID, p.NotificationsEnabled, p.NotificationEvents)
	return err
}

// GetSessionNotificationOverride returns (enabled, true) if the session has
// an explicit override, or (false, false) if it defers to the user default.
func (q *Queries) GetSessionNotificationOverride(ctx context.Context, refKey string) (bool, bool, error) {
	var enabled int64
	err := q.db.QueryRowContext(ctx, `
		SELECT notifications_enabled FROM session_notification_overrides WHERE ref_key = ?`, refKey).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return enabled != 0, true, nil
}

func (q *Queries) SetSessionNotificationOverride(ctx context.Context, refKey string, enabled bool) error {
	e := int64(0)
	if enabled {
		e = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO session_notification_overrides (ref_key, notifications_enabled)
		VALUES (?, ?)
		ON CONFLICT(ref_key) DO UPDATE SET notifications_enabled = excluded.notifications_enabled`,
		refKey, e)
	return err
}

type CreateNotificationChannelParams struct {
	ID     string
	UserID string
	Kind   string
	Config string
}

func (q *Queries) CreateNotificationChannel(ctx context.Context, arg CreateNotificationChannelParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notification_channels (id, user_id, kind, config) VALUES (?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.Kind, arg.Config)
	return err
}

func (q *Queries) ListEnabledNotificationChannelsByUser(ctx context.Context, userID string) ([]NotificationChannel, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, kind, config, enabled, created_at
		FROM notification_channels WHERE user_id = ? AND enabled = 1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NotificationChannel
	for rows.Next() {
		var c NotificationChannel
		if err := rows.Scan(&c.ID, &c.UserID, &c.Kind, &c.Config, &c.Enabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- system settings ----

func (q *Queries) GetSystemSettings(ctx context.Context) (SystemSetting, error) {
	var s SystemSetting
	err := q.db.QueryRowContext(ctx, `
		SELECT api_timeout_seconds, agent_startup_timeout_seconds,
		       worktree_create_timeout_seconds, worktree_delete_timeout_seconds
		FROM system_settings WHERE id = 1`).
		Scan(&s.ApiTimeoutSeconds, &s.AgentStartupTimeoutSeconds,
			&s.WorktreeCreateTimeoutSeconds, &s.WorktreeDeleteTimeoutSeconds)
	return s, err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps the sqlite3 result code in its error string;
	// there is no typed sentinel, so match the message the way the driver
	// documents it (mirrors sqlite's "UNIQUE constraint failed" text).
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
