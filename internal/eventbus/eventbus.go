// Package eventbus fans out SessionEvents to per-ref and per-user
// subscribers, persisting each event through the Event Log before
// delivery and handing notifiable events to an optional dispatcher hook.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sessionforge/sessionforge/internal/eventlog"
	"github.com/sessionforge/sessionforge/internal/metrics"
)

// notifiableTypes are the SessionEvent kinds the Notification Dispatcher
// cares about.
var notifiableTypes = map[string]bool{
	"session:completed":         true,
	"session:error":             true,
	"session:waiting_for_input": true,
}

// Event is a single delivered SessionEvent, carrying the sequence number
// the log assigned it.
type Event struct {
	Ref       string
	Sequence  int64
	Type      string
	Data      json.RawMessage
	MessageID string
}

// UserEvent is delivered to a ref's owning user whenever the ref's status
// changes, independent of which ref-level stream (if any) is attached.
type UserEvent struct {
	UserID string
	Ref    string
	Type   string
	Data   json.RawMessage
}

// Listener receives events for a single subscription. Delivery is
// non-blocking: a slow listener drops events rather than stall emit.
type Listener chan Event

// UserListener receives UserEvents for a single user subscription.
type UserListener chan UserEvent

// NotifyFunc is invoked for notifiable event kinds after fan-out. It must
// not block emit for long; the dispatcher is expected to do its own
// fan-out/collection internally.
type NotifyFunc func(ctx context.Context, userID, ref, eventType string, data json.RawMessage)

const listenerBufferSize = 64

// Bus fans out events for live refs. It is safe for concurrent use.
type Bus struct {
	log    *eventlog.Log
	notify NotifyFunc

	mu       sync.RWMutex
	refOwner map[string]string
	refSubs  map[string]map[Listener]struct{}
	userSubs map[string]map[UserListener]struct{}
}

// New creates a Bus backed by log. notify may be nil if no Notification
// Dispatcher is wired.
func New(log *eventlog.Log, notify NotifyFunc) *Bus {
	return &Bus{
		log:      log,
		notify:   notify,
		refOwner: make(map[string]string),
		refSubs:  make(map[string]map[Listener]struct{}),
		userSubs: make(map[string]map[UserListener]struct{}),
	}
}

// RegisterSession declares which user owns ref, for UserEvent routing.
func (b *Bus) RegisterSession(ref, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refOwner[ref] = userID
}

// Emit assigns a sequence, persists the event, and delivers it to every
// ref-subscriber and (for session:status) user-subscriber. Notifiable
// event kinds are additionally handed to the NotifyFunc.
func (b *Bus) Emit(ctx context.Context, ref, eventType string, data json.RawMessage, messageID string) (int64, error) {
	start := time.Now()
	defer func() { metrics.EventBusFanoutDuration.Observe(time.Since(start).Seconds()) }()

	seq, err := b.log.Append(ctx, ref, eventType, string(data), messageID)
	if err != nil {
		return 0, fmt.Errorf("emit %s on %s: %w", eventType, ref, err)
	}

	event := Event{Ref: ref, Sequence: seq, Type: eventType, Data: data, MessageID: messageID}

	b.mu.RLock()
	for l := range b.refSubs[ref] {
		select {
		case l <- event:
		default:
		}
	}

	userID := b.refOwner[ref]
	if eventType == "session:status" && userID != "" {
		ue := UserEvent{UserID: userID, Ref: ref, Type: eventType, Data: data}
		for l := range b.userSubs[userID] {
			select {
			case l <- ue:
			default:
			}
		}
	}
	b.mu.RUnlock()

	if b.notify != nil && notifiableTypes[eventType] && userID != "" {
		b.notify(ctx, userID, ref, eventType, data)
	}

	return seq, nil
}

// Subscribe registers a listener for ref and returns an unsubscribe func.
func (b *Bus) Subscribe(ref string) (Listener, func()) {
	l := make(Listener, listenerBufferSize)

	b.mu.Lock()
	if b.refSubs[ref] == nil {
		b.refSubs[ref] = make(map[Listener]struct{})
	}
	b.refSubs[ref][l] = struct{}{}
	b.mu.Unlock()

	return l, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.refSubs[ref]; ok {
			delete(subs, l)
			if len(subs) == 0 {
				delete(b.refSubs, ref)
			}
		}
	}
}

// SubscribeUser registers a listener for all of a user's ref status
// changes and returns an unsubscribe func.
func (b *Bus) SubscribeUser(userID string) (UserListener, func()) {
	l := make(UserListener, listenerBufferSize)

	b.mu.Lock()
	if b.userSubs[userID] == nil {
		b.userSubs[userID] = make(map[UserListener]struct{})
	}
	b.userSubs[userID][l] = struct{}{}
	b.mu.Unlock()

	return l, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.userSubs[userID]; ok {
			delete(subs, l)
			if len(subs) == 0 {
				delete(b.userSubs, userID)
			}
		}
	}
}

// Remove drops all subscribers and routing state for ref. The caller is
// responsible for removing the persisted log state via the session store.
func (b *Bus) Remove(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refSubs, ref)
	delete(b.refOwner, ref)
	b.log.Remove(ref)
}
