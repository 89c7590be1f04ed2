// Package eventlog serializes sequence assignment and persistence of
// SessionEvents per ref, and replays them back in sequence order.
package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/msgcodec"
)

// Log assigns monotonically increasing sequence numbers to events for a
// given ref and persists them. nextSequence+append are serialized per ref
// so concurrent emitters never race on sequence assignment.
type Log struct {
	q *db.Queries

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Log backed by q.
func New(q *db.Queries) *Log {
	return &Log{q: q, locks: make(map[string]*sync.Mutex)}
}

func (l *Log) refLock(ref string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[ref]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ref] = m
	}
	return m
}

// Append assigns the next sequence number for ref and persists the event.
// It returns the assigned sequence. Concurrent callers for the same ref
// are serialized so persisted order matches assigned order.
func (l *Log) Append(ctx context.Context, ref, eventType, data, messageID string) (int64, error) {
	lock := l.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	seq, err := l.q.NextSequence(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", ref, err)
	}

	compressed, kind := msgcodec.Compress([]byte(data))
	if err := l.q.AppendEvent(ctx, db.AppendEventParams{
		RefKey:          ref,
		Sequence:        seq,
		Type:            eventType,
		Data:            string(compressed),
		DataCompression: string(kind),
		MessageID:       messageID,
	}); err != nil {
		return 0, fmt.Errorf("append event for %s: %w", ref, err)
	}

	return seq, nil
}

// List replays every event persisted for ref with sequence > afterSeq, in
// ascending sequence order. Each event's Data is returned decompressed.
func (l *Log) List(ctx context.Context, ref string, afterSeq int64) ([]db.SessionEvent, error) {
	events, err := l.q.ListEventsAfter(ctx, db.ListEventsAfterParams{RefKey: ref, AfterSeq: afterSeq})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", ref, err)
	}
	for i, ev := range events {
		raw, err := msgcodec.Decompress([]byte(ev.Data), msgcodec.Compression(ev.DataCompression))
		if err != nil {
			return nil, fmt.Errorf("decompress event %d for %s: %w", ev.Sequence, ref, err)
		}
		events[i].Data = string(raw)
		events[i].DataCompression = string(msgcodec.CompressionNone)
	}
	return events, nil
}

// Remove drops in-memory serialization state for ref. The persisted events
// themselves are removed by the session store's cascading delete.
func (l *Log) Remove(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, ref)
}
