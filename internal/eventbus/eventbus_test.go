package eventbus_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/eventbus"
	"github.com/sessionforge/sessionforge/internal/eventlog"
)

func newTestBus(t *testing.T, notify eventbus.NotifyFunc) *eventbus.Bus {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return eventbus.New(eventlog.New(db.New(sqlDB)), notify)
}

func TestSubscribe_ReceivesInSequenceOrder(t *testing.T) {
	b := newTestBus(t, nil)
	ctx := context.Background()
	ref := "u/r/s"

	listener, unsubscribe := b.Subscribe(ref)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		_, err := b.Emit(ctx, ref, "agent:output", json.RawMessage(`{}`), "")
		require.NoError(t, err)
	}

	for want := int64(1); want <= 3; want++ {
		select {
		case e := <-listener:
			require.Equal(t, want, e.Sequence)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscribeUser_ReceivesStatusEvents(t *testing.T) {
	b := newTestBus(t, nil)
	ctx := context.Background()
	ref := "u/r/s"
	b.RegisterSession(ref, "u1")

	userListener, unsubscribe := b.SubscribeUser("u1")
	defer unsubscribe()

	_, err := b.Emit(ctx, ref, "agent:output", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	_, err = b.Emit(ctx, ref, "session:status", json.RawMessage(`{"status":"idle"}`), "")
	require.NoError(t, err)

	select {
	case ue := <-userListener:
		require.Equal(t, "session:status", ue.Type)
		require.Equal(t, "u1", ue.UserID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for user event")
	}

	select {
	case <-userListener:
		t.Fatal("should not have received a second user event for agent:output")
	default:
	}
}

func TestEmit_InvokesNotifyOnlyForNotifiableKinds(t *testing.T) {
	var mu sync.Mutex
	var notified []string
	b := newTestBus(t, func(ctx context.Context, userID, ref, eventType string, data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, eventType)
	})
	ctx := context.Background()
	ref := "u/r/s"
	b.RegisterSession(ref, "u1")

	_, err := b.Emit(ctx, ref, "agent:output", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = b.Emit(ctx, ref, "session:completed", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = b.Emit(ctx, ref, "session:error", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"session:completed", "session:error"}, notified)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := newTestBus(t, nil)
	ctx := context.Background()
	ref := "u/r/s"

	listener, unsubscribe := b.Subscribe(ref)
	unsubscribe()

	_, err := b.Emit(ctx, ref, "agent:output", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	select {
	case <-listener:
		t.Fatal("should not receive after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemove_ClearsRoutingState(t *testing.T) {
	b := newTestBus(t, nil)
	ctx := context.Background()
	ref := "u/r/s"
	b.RegisterSession(ref, "u1")

	listener, _ := b.Subscribe(ref)
	b.Remove(ref)

	_, err := b.Emit(ctx, ref, "agent:output", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	select {
	case <-listener:
		t.Fatal("should not receive after Remove")
	case <-time.After(50 * time.Millisecond):
	}
}
