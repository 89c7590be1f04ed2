// Package notify dispatches push notifications for notifiable session
// events, gated by per-session overrides and per-user preferences.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"

	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/metrics"
)

// Provider delivers one notification to one recipient over one channel
// kind (email, webhook, ...). Config is the channel's raw JSON config blob.
type Provider interface {
	Send(ctx context.Context, config json.RawMessage, subject, body string) error
}

// Dispatcher fans out notifiable events to every enabled channel owned by
// the event's user. Each provider call is independent; a failing channel
// never blocks or fails the others.
type Dispatcher struct {
	q         *db.Queries
	providers map[string]Provider
	sanitizer *bluemonday.Policy
}

// New creates a Dispatcher backed by q, with one Provider registered per
// notification_channels.kind value it should handle.
func New(q *db.Queries, providers map[string]Provider) *Dispatcher {
	return &Dispatcher{
		q:         q,
		providers: providers,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// eventPayload is the common shape of the notifiable event kinds' data,
// used only to build a human-readable preview.
type eventPayload struct {
	Summary string `json:"summary"`
	Error   string `json:"error"`
	Prompt  string `json:"prompt"`
}

// Dispatch implements eventbus.NotifyFunc. It computes the effective
// enabled state (session override, else user global), checks the user's
// event-type whitelist, and fans out to every enabled channel.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, ref, eventType string, data json.RawMessage) {
	enabled, err := d.effectiveEnabled(ctx, ref, userID)
	if err != nil {
		slog.Error("notify: resolve effective enabled", "ref", ref, "err", err)
		return
	}
	if !enabled {
		return
	}

	prefs, err := d.q.GetUserNotificationPrefs(ctx, userID)
	if err != nil {
		slog.Error("notify: load user prefs", "user_id", userID, "err", err)
		return
	}
	var whitelist []string
	if err := json.Unmarshal([]byte(prefs.NotificationEvents), &whitelist); err != nil {
		slog.Error("notify: parse notification_events", "user_id", userID, "err", err)
		return
	}
	if !contains(whitelist, eventType) {
		return
	}

	channels, err := d.q.ListEnabledNotificationChannelsByUser(ctx, userID)
	if err != nil {
		slog.Error("notify: list channels", "user_id", userID, "err", err)
		return
	}

	subject, body := d.renderPreview(ref, eventType, data)

	for _, ch := range channels {
		provider, ok := d.providers[ch.Kind]
		if !ok {
			continue
		}
		outcome := "delivered"
		if err := provider.Send(ctx, json.RawMessage(ch.Config), subject, body); err != nil {
			outcome = "failed"
			slog.Error("notify: channel delivery failed", "kind", ch.Kind, "user_id", userID, "err", err)
		}
		metrics.NotificationDispatchTotal.WithLabelValues(ch.Kind, outcome).Inc()
	}
}

func (d *Dispatcher) effectiveEnabled(ctx context.Context, ref, userID string) (bool, error) {
	enabled, hasOverride, err := d.q.GetSessionNotificationOverride(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("get session override: %w", err)
	}
	if hasOverride {
		return enabled, nil
	}

	prefs, err := d.q.GetUserNotificationPrefs(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user prefs: %w", err)
	}
	return prefs.NotificationsEnabled != 0, nil
}

func (d *Dispatcher) renderPreview(ref, eventType string, data json.RawMessage) (subject, body string) {
	var p eventPayload
	_ = json.Unmarshal(data, &p)

	switch eventType {
	case "session:completed":
		subject = fmt.Sprintf("Session %s completed", ref)
		body = p.Summary
	case "session:error":
		subject = fmt.Sprintf("Session %s failed", ref)
		body = p.Error
	case "session:waiting_for_input":
		subject = fmt.Sprintf("Session %s is waiting for input", ref)
		body = p.Prompt
	default:
		subject = fmt.Sprintf("Session %s update", ref)
	}

	body = d.sanitizer.Sanitize(body)
	return subject, body
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
