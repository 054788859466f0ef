// Package queue is the session's durable outbox: events captured but not yet
// acknowledged by the collector, plus the append-only audit mirror of every
// event ever created locally.
//
// Every mutation is write-through: the new state is persisted before the call
// returns. Drained events move to a persisted in-flight slot until they are
// acknowledged or requeued, so a crash mid-transmission restores them in front
// of the pending queue on the next load.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	platformlog "proctorlog/internal/platform/logger"
	"proctorlog/internal/session/storage"
	"proctorlog/pkg/domain"
)

// Persisted keys.
const (
	KeyPending  = "logs_queue"
	KeyInflight = "logs_inflight"
	KeyAudit    = "logs_all_events"
)

// Queue holds not-yet-delivered events in creation order.
type Queue struct {
	mu       sync.Mutex
	store    storage.Store
	logger   *slog.Logger
	pending  []domain.Event
	inflight []domain.Event
	audit    *Mirror
}

// Load reconstructs the queue and mirror from their last persisted snapshots.
// Unreadable or absent snapshots start empty; Load never fails.
func Load(ctx context.Context, store storage.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = platformlog.Discard()
	}
	q := &Queue{store: store, logger: logger}

	pending := readEvents(ctx, store, KeyPending, logger)
	inflight := readEvents(ctx, store, KeyInflight, logger)
	if len(inflight) > 0 {
		logger.WarnContext(ctx, "restoring in-flight events from interrupted delivery",
			"count", len(inflight),
		)
	}
	q.pending = append(inflight, withoutIDs(pending, inflight)...)
	q.audit = newMirror(readEvents(ctx, store, KeyAudit, logger))

	// Restored events now live only in the pending snapshot.
	if len(inflight) > 0 {
		_ = q.persistLocked(ctx, KeyPending, KeyInflight)
	}
	return q
}

// Mirror returns the audit mirror.
func (q *Queue) Mirror() *Mirror {
	return q.audit
}

// Enqueue appends freshly captured events to the queue and the audit mirror.
// On a persistence error the events stay queued in memory and the error is
// returned; the next successful write carries them.
func (q *Queue) Enqueue(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, events...)
	q.audit.append(events)
	return q.persistLocked(ctx, KeyPending, KeyAudit)
}

// Stage records freshly created events in the audit mirror and directly in the
// in-flight slot, for events that are transmitted as soon as they exist.
func (q *Queue) Stage(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight = append(q.inflight, events...)
	q.audit.append(events)
	return q.persistLocked(ctx, KeyInflight, KeyAudit)
}

// Drain removes up to maxItems events from the front of the queue and moves
// them in flight. It returns an empty slice when nothing is pending.
func (q *Queue) Drain(ctx context.Context, maxItems int) ([]domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(ctx, maxItems)
}

func (q *Queue) drainLocked(ctx context.Context, maxItems int) ([]domain.Event, error) {
	if maxItems <= 0 || len(q.pending) == 0 {
		return []domain.Event{}, nil
	}
	n := min(maxItems, len(q.pending))
	batch := slices.Clone(q.pending[:n])
	q.pending = slices.Clone(q.pending[n:])
	q.inflight = append(q.inflight, batch...)

	if err := q.persistLocked(ctx, KeyPending, KeyInflight); err != nil {
		return batch, err
	}
	return batch, nil
}

// DrainBeforeMarker is Drain for periodic delivery: it never drains a
// terminal marker nor anything queued behind one. Those leave only with the
// final submission.
func (q *Queue) DrainBeforeMarker(ctx context.Context, maxItems int) ([]domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.IndexFunc(q.pending, isTerminal); i >= 0 {
		maxItems = min(maxItems, i)
	}
	return q.drainLocked(ctx, maxItems)
}

// HasMarker reports whether a terminal marker from an unfinished submission
// waits in the queue.
func (q *Queue) HasMarker() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.pending, isTerminal) || slices.ContainsFunc(q.inflight, isTerminal)
}

// Requeue puts an undelivered batch back at the front of the queue, ahead of
// anything captured while it was in flight.
func (q *Queue) Requeue(ctx context.Context, batch []domain.Event) error {
	if len(batch) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight = withoutIDs(q.inflight, batch)
	q.pending = append(slices.Clone(batch), q.pending...)
	return q.persistLocked(ctx, KeyPending, KeyInflight)
}

// Ack forgets a batch the collector has accepted (or terminally refused).
func (q *Queue) Ack(ctx context.Context, batch []domain.Event) error {
	if len(batch) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight = withoutIDs(q.inflight, batch)
	return q.persistLocked(ctx, KeyInflight)
}

// HasPending reports whether any event waits for delivery.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns a copy of the pending events in order.
func (q *Queue) Snapshot() []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// Inflight returns a copy of the events currently being transmitted.
func (q *Queue) Inflight() []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.inflight)
}

func (q *Queue) persistLocked(ctx context.Context, keys ...string) error {
	entries := make(map[string]string, len(keys))
	for _, key := range keys {
		var events []domain.Event
		switch key {
		case KeyPending:
			events = q.pending
		case KeyInflight:
			events = q.inflight
		case KeyAudit:
			events = q.audit.events
		}
		raw, err := json.Marshal(nonNil(events))
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		entries[key] = string(raw)
	}
	if err := q.store.SetMany(ctx, entries); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist queue state",
			"keys", keys,
			"error", err,
		)
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func readEvents(ctx context.Context, store storage.Store, key string, logger *slog.Logger) []domain.Event {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "unreadable persisted state, starting empty",
			"key", key,
			"error", err,
		)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var events []domain.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		logger.WarnContext(ctx, "malformed persisted state, starting empty",
			"key", key,
			"error", err,
		)
		return nil
	}
	return events
}

func withoutIDs(events, remove []domain.Event) []domain.Event {
	ids := make(map[string]struct{}, len(remove))
	for _, ev := range remove {
		ids[ev.EventID] = struct{}{}
	}
	return slices.DeleteFunc(slices.Clone(events), func(ev domain.Event) bool {
		_, drop := ids[ev.EventID]
		return drop
	})
}

func isTerminal(ev domain.Event) bool {
	return ev.EventType.IsTerminal()
}

func nonNil(events []domain.Event) []domain.Event {
	if events == nil {
		return []domain.Event{}
	}
	return events
}

// Mirror is the append-only record of every event created locally, in
// creation order, independent of delivery status.
type Mirror struct {
	mu     sync.RWMutex
	events []domain.Event
	last   map[domain.EventType]time.Time
}

func newMirror(events []domain.Event) *Mirror {
	m := &Mirror{last: make(map[domain.EventType]time.Time)}
	m.append(events)
	return m
}

func (m *Mirror) append(events []domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	for _, ev := range events {
		if ev.Timestamp.After(m.last[ev.EventType]) {
			m.last[ev.EventType] = ev.Timestamp
		}
	}
}

// All returns a copy of the mirrored events.
func (m *Mirror) All() []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

// Len returns the number of mirrored events.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// LastOf returns the capture time of the most recent event of eventType.
func (m *Mirror) LastOf(eventType domain.EventType) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.last[eventType]
	return t, ok
}
