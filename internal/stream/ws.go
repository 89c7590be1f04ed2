package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sessionforge/sessionforge/internal/auth"
	"github.com/sessionforge/sessionforge/internal/eventbus"
	"github.com/sessionforge/sessionforge/internal/metrics"
)

// wsCloseUnauthorized is the close code sent when the auth handshake
// fails or times out.
const wsCloseUnauthorized = 4001

type wsClientMessage struct {
	Type          string `json:"type"`
	Token         string `json:"token"`
	SessionID     string `json:"sessionId"`
	AfterSequence int64  `json:"afterSequence"`
}

type wsServerMessage struct {
	Kind         string          `json:"kind"`
	Event        json.RawMessage `json:"event,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	Sequence     int64           `json:"sequence,omitempty"`
	LastSequence int64           `json:"lastSequence,omitempty"`
}

// WS serves /api/ws: a single multiplexed WebSocket that, after an auth
// handshake, lets the client subscribe/unsubscribe to any number of
// session event streams plus its own user-event stream.
func (s *Streams) WS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx := r.Context()

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	user, err := s.authenticate(handshakeCtx, conn)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "unauthorized")
		return
	}
	if err := wsWriteJSON(ctx, conn, wsServerMessage{Kind: "auth:ok"}); err != nil {
		return
	}

	h := &wsSession{
		streams: s,
		conn:    conn,
		userID:  user.ID,
		subs:    make(map[string]context.CancelFunc),
	}
	defer h.closeAll()

	userEvents, unsubUser := s.bus.SubscribeUser(user.ID)
	defer unsubUser()
	go h.forwardUserEvents(ctx, userEvents)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			h.subscribe(ctx, msg.SessionID, msg.AfterSequence)
		case "unsubscribe":
			h.unsubscribe(msg.SessionID)
		}
	}
}

// authenticate reads the first client frame as {type:"auth", token} and
// validates it before any subscription traffic is accepted.
func (s *Streams) authenticate(ctx context.Context, conn *websocket.Conn) (*auth.UserInfo, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg wsClientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
		return nil, context.DeadlineExceeded
	}
	return auth.ValidateToken(ctx, s.q, msg.Token)
}

func wsWriteJSON(ctx context.Context, conn *websocket.Conn, v wsServerMessage) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

// wsSession tracks one connection's live subscriptions so resubscribing
// to the same session cancels the prior one, and socket close drops all
// of them.
type wsSession struct {
	streams *Streams
	conn    *websocket.Conn
	userID  string

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (h *wsSession) forwardUserEvents(ctx context.Context, events eventbus.UserListener) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = wsWriteJSON(ctx, h.conn, wsServerMessage{Kind: "user:event", Event: ev.Data})
		}
	}
}

func (h *wsSession) subscribe(parent context.Context, sessionID string, after int64) {
	sess, err := h.streams.q.GetSessionByRefKey(parent, sessionID)
	if err != nil || sess.UserID != h.userID {
		return
	}

	h.unsubscribe(sessionID)

	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	h.subs[sessionID] = cancel
	h.mu.Unlock()

	go h.streamSession(ctx, sessionID, after)
}

func (h *wsSession) unsubscribe(sessionID string) {
	h.mu.Lock()
	cancel, ok := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

func (h *wsSession) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cancel := range h.subs {
		cancel()
		delete(h.subs, id)
	}
}

// streamSession performs the same buffer-replay-sync-flush sequence as
// the SSE session endpoint, but writes framed JSON over the shared
// socket instead of raw SSE frames.
func (h *wsSession) streamSession(ctx context.Context, sessionID string, after int64) {
	live, unsubscribe := h.streams.bus.Subscribe(sessionID)
	defer unsubscribe()

	var buffered []eventbus.Event
	lastSequence := after

drain:
	for {
		select {
		case ev := <-live:
			buffered = append(buffered, ev)
		default:
			break drain
		}
	}

	events, err := h.streams.log.List(ctx, sessionID, after)
	if err != nil {
		slog.Debug("ws subscribe: list history", "session", sessionID, "error", err)
	}
	for _, ev := range events {
		if wsWriteJSON(ctx, h.conn, wsServerMessage{Kind: "session:event", SessionID: sessionID, Event: json.RawMessage(ev.Data), Sequence: ev.Sequence}) != nil {
			return
		}
		lastSequence = ev.Sequence
	}

	if wsWriteJSON(ctx, h.conn, wsServerMessage{Kind: "sync", SessionID: sessionID, LastSequence: lastSequence}) != nil {
		return
	}

	for _, ev := range buffered {
		if ev.Sequence <= lastSequence {
			continue
		}
		if wsWriteJSON(ctx, h.conn, wsServerMessage{Kind: "session:event", SessionID: sessionID, Event: ev.Data, Sequence: ev.Sequence}) != nil {
			return
		}
		lastSequence = ev.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Sequence <= lastSequence {
				continue
			}
			if wsWriteJSON(ctx, h.conn, wsServerMessage{Kind: "session:event", SessionID: sessionID, Event: ev.Data, Sequence: ev.Sequence}) != nil {
				return
			}
			lastSequence = ev.Sequence
		}
	}
}
