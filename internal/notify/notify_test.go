package notify_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/id"
	"github.com/sessionforge/sessionforge/internal/notify"
)

type fakeProvider struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (f *fakeProvider) Send(_ context.Context, config json.RawMessage, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, subject)
	return f.err
}

func newTestQueries(t *testing.T) *db.Queries {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return db.New(sqlDB)
}

func seedUser(t *testing.T, q *db.Queries, enabled bool, events []string) string {
	t.Helper()
	ctx := context.Background()
	userID := id.Generate()
	require.NoError(t, q.CreateUser(ctx, db.CreateUserParams{ID: userID, Username: id.Generate(), PasswordHash: "h"}))

	enabledInt := int64(0)
	if enabled {
		enabledInt = 1
	}
	eventsJSON, err := json.Marshal(events)
	require.NoError(t, err)
	require.NoError(t, q.UpsertUserNotificationPrefs(ctx, db.UserNotificationPrefs{
		UserID: userID, NotificationsEnabled: enabledInt, NotificationEvents: string(eventsJSON),
	}))
	return userID
}

func seedChannel(t *testing.T, q *db.Queries, userID, kind string) {
	t.Helper()
	require.NoError(t, q.CreateNotificationChannel(context.Background(), db.CreateNotificationChannelParams{
		ID: id.Generate(), UserID: userID, Kind: kind, Config: `{"address":"a@b.com"}`,
	}))
}

func TestDispatch_SkipsWhenGloballyDisabled(t *testing.T) {
	q := newTestQueries(t)
	userID := seedUser(t, q, false, []string{"session:completed"})
	seedChannel(t, q, userID, "email")

	p := &fakeProvider{}
	d := notify.New(q, map[string]notify.Provider{"email": p})
	d.Dispatch(context.Background(), userID, "u/r/s", "session:completed", json.RawMessage(`{"summary":"done"}`))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Empty(t, p.sends)
}

func TestDispatch_SkipsWhenEventNotWhitelisted(t *testing.T) {
	q := newTestQueries(t)
	userID := seedUser(t, q, true, []string{"session:error"})
	seedChannel(t, q, userID, "email")

	p := &fakeProvider{}
	d := notify.New(q, map[string]notify.Provider{"email": p})
	d.Dispatch(context.Background(), userID, "u/r/s", "session:completed", json.RawMessage(`{"summary":"done"}`))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Empty(t, p.sends)
}

func TestDispatch_SendsToEnabledChannel(t *testing.T) {
	q := newTestQueries(t)
	userID := seedUser(t, q, true, []string{"session:completed"})
	seedChannel(t, q, userID, "email")

	p := &fakeProvider{}
	d := notify.New(q, map[string]notify.Provider{"email": p})
	d.Dispatch(context.Background(), userID, "u/r/s", "session:completed", json.RawMessage(`{"summary":"done"}`))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.sends, 1)
}

func TestDispatch_SessionOverrideWinsOverUserDefault(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()
	userID := seedUser(t, q, true, []string{"session:completed"})
	seedChannel(t, q, userID, "email")
	require.NoError(t, q.SetSessionNotificationOverride(ctx, "u/r/s", false))

	p := &fakeProvider{}
	d := notify.New(q, map[string]notify.Provider{"email": p})
	d.Dispatch(ctx, userID, "u/r/s", "session:completed", json.RawMessage(`{"summary":"done"}`))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Empty(t, p.sends)
}

func TestDispatch_OneChannelFailureDoesNotBlockOthers(t *testing.T) {
	q := newTestQueries(t)
	userID := seedUser(t, q, true, []string{"session:error"})
	seedChannel(t, q, userID, "email")
	seedChannel(t, q, userID, "webhook")

	failing := &fakeProvider{err: context.DeadlineExceeded}
	ok := &fakeProvider{}
	d := notify.New(q, map[string]notify.Provider{"email": failing, "webhook": ok})
	d.Dispatch(context.Background(), userID, "u/r/s", "session:error", json.RawMessage(`{"error":"boom"}`))

	failing.mu.Lock()
	require.Len(t, failing.sends, 1)
	failing.mu.Unlock()

	ok.mu.Lock()
	require.Len(t, ok.sends, 1)
	ok.mu.Unlock()
}
