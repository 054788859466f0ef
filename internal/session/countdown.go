package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proctorlog/internal/session/storage"
)

// KeyDeadline persists the countdown so a restart resumes it.
const KeyDeadline = "countdown_deadline"

// DefaultDuration is the length of an attempt.
const DefaultDuration = 30 * time.Minute

// countdown is the attempt's wall-clock deadline.
type countdown struct {
	store storage.Store
	now   func() time.Time

	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	stopped  bool
}

func loadCountdown(ctx context.Context, store storage.Store, now func() time.Time) *countdown {
	c := &countdown{store: store, now: now}
	raw, ok, err := store.Get(ctx, KeyDeadline)
	if err != nil || !ok {
		return c
	}
	if deadline, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
		c.deadline = deadline
	}
	return c
}

// begin fixes the deadline on first use. It reports whether an earlier
// deadline was resumed.
func (c *countdown) begin(ctx context.Context, d time.Duration) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.deadline.IsZero() {
		return c.deadline, true, nil
	}
	deadline := c.now().Add(d).UTC()
	if err := c.store.Set(ctx, KeyDeadline, deadline.Format(time.RFC3339Nano)); err != nil {
		return time.Time{}, false, fmt.Errorf("persist countdown deadline: %w", err)
	}
	c.deadline = deadline
	return deadline, false, nil
}

// arm calls fn once the deadline passes; immediately when it already has.
func (c *countdown) arm(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.deadline.IsZero() || c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(max(c.deadline.Sub(c.now()), 0), fn)
}

func (c *countdown) remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline.IsZero() {
		return 0
	}
	return max(c.deadline.Sub(c.now()), 0)
}

func (c *countdown) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
