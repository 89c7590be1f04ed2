// Package stream serves session and user events over SSE and a
// multiplexed WebSocket, replaying persisted history before handing off
// to live bus delivery without gap or duplication.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sessionforge/sessionforge/internal/auth"
	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/eventbus"
	"github.com/sessionforge/sessionforge/internal/eventlog"
)

// Streams wires the Event Bus and Event Log into the HTTP-facing
// SSE/WebSocket endpoints.
type Streams struct {
	bus *eventbus.Bus
	log *eventlog.Log
	q   *db.Queries
}

func New(bus *eventbus.Bus, log *eventlog.Log, q *db.Queries) *Streams {
	return &Streams{bus: bus, log: log, q: q}
}

func writeSSEFrame(w http.ResponseWriter, id, event string, data []byte) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// SessionEvents serves GET /api/sessions/{id}/events?after=N. It performs
// the buffer-replay-sync-flush sequence so no event is lost or duplicated
// across the replay/live boundary.
func (s *Streams) SessionEvents(refKeyFor func(r *http.Request) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := refKeyFor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			after, _ = strconv.ParseInt(v, 10, 64)
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Subscribe before replay so no live event emitted during replay is
		// missed; it is buffered here until replay completes.
		live, unsubscribe := s.bus.Subscribe(ref)
		defer unsubscribe()

		ctx := r.Context()
		var buffered []eventbus.Event
		var lastSequence int64 = after

		// Drain whatever the bus already queued for this subscriber while
		// we were registering it; these are buffered, not written, until
		// the history replay below establishes lastSequence.
	drain:
		for {
			select {
			case ev := <-live:
				buffered = append(buffered, ev)
			default:
				break drain
			}
		}

		events, err := s.log.List(ctx, ref, after)
		if err != nil {
			slog.Debug("sse session events: list history", "ref", ref, "error", err)
		}
		for _, ev := range events {
			writeSSEFrame(w, strconv.FormatInt(ev.Sequence, 10), ev.Type, json.RawMessage(ev.Data))
			lastSequence = ev.Sequence
		}

		syncData, _ := json.Marshal(map[string]int64{"lastSequence": lastSequence})
		writeSSEFrame(w, "", "sync", syncData)
		flusher.Flush()

		for _, ev := range buffered {
			if ev.Sequence <= lastSequence {
				continue
			}
			writeSSEFrame(w, strconv.FormatInt(ev.Sequence, 10), ev.Type, ev.Data)
			lastSequence = ev.Sequence
		}
		flusher.Flush()

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
				writeSSEFrame(w, strconv.FormatInt(ev.Sequence, 10), ev.Type, ev.Data)
				lastSequence = ev.Sequence
				flusher.Flush()
			}
		}
	}
}

// UserEvents serves GET /api/events: a bare subscription to the
// authenticated user's status-change events, with no history replay.
func (s *Streams) UserEvents(w http.ResponseWriter, r *http.Request) {
	user, err := auth.MustGetUser(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	live, unsubscribe := s.bus.SubscribeUser(user.ID)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			writeSSEFrame(w, "", ev.Type, ev.Data)
			flusher.Flush()
		}
	}
}
