// Package attempt owns the persisted identity of the current attempt and its
// submission state machine.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"proctorlog/internal/session/storage"
	"proctorlog/pkg/domain"
)

// Persisted keys.
const (
	KeyAttemptID = "attempt_id"
	KeyState     = "submission_state"
)

// State is the submission lifecycle of an attempt. Absence of a persisted
// state means NotSubmitted.
type State string

const (
	NotSubmitted State = "NOT_SUBMITTED"
	Submitting   State = "SUBMITTING"
	Submitted    State = "SUBMITTED"
)

func (s State) rank() int {
	switch s {
	case Submitting:
		return 1
	case Submitted:
		return 2
	default:
		return 0
	}
}

func (s State) String() string {
	return string(s)
}

var (
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("invalid submission state transition")
	// ErrAlreadySubmitted is returned by operations refused on a sealed attempt.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	// ErrSubmissionInProgress is returned for captures while a submission runs.
	ErrSubmissionInProgress = errors.New("submission in progress")
)

// GetOrCreateAttemptID returns the persisted attempt id, minting and
// persisting one on first use. An unreadable or invalid persisted value is
// replaced.
func GetOrCreateAttemptID(ctx context.Context, store storage.Store) (string, error) {
	raw, ok, err := store.Get(ctx, KeyAttemptID)
	if err == nil && ok {
		if id, perr := domain.ParseAttemptID(raw); perr == nil {
			return id, nil
		}
	}
	id := domain.NewAttemptID()
	if err := store.Set(ctx, KeyAttemptID, id); err != nil {
		return "", fmt.Errorf("persist attempt id: %w", err)
	}
	return id, nil
}

// Tracker is the durable submission state of one attempt. Transitions are
// persisted before they are visible.
type Tracker struct {
	mu    sync.RWMutex
	store storage.Store
	state State
}

// LoadTracker reads the persisted state. Unknown or unreadable values load as
// NotSubmitted.
func LoadTracker(ctx context.Context, store storage.Store) *Tracker {
	t := &Tracker{store: store, state: NotSubmitted}
	raw, ok, err := store.Get(ctx, KeyState)
	if err != nil || !ok {
		return t
	}
	switch s := State(raw); s {
	case Submitting, Submitted:
		t.state = s
	}
	return t
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// IsSubmitted reports whether the attempt reached its terminal state.
func (t *Tracker) IsSubmitted() bool {
	return t.State() == Submitted
}

// WhileOpen runs fn with the state held at NotSubmitted: no transition can
// complete until fn returns.
func (t *Tracker) WhileOpen(fn func() error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch t.state {
	case Submitted:
		return ErrAlreadySubmitted
	case Submitting:
		return ErrSubmissionInProgress
	}
	return fn()
}

// BeginSubmission moves NotSubmitted to Submitting. Calling it while already
// Submitting is a no-op; calling it once Submitted fails.
func (t *Tracker) BeginSubmission(ctx context.Context) error {
	return t.advance(ctx, Submitting)
}

// MarkSubmitted moves the attempt to its terminal state from any state.
func (t *Tracker) MarkSubmitted(ctx context.Context) error {
	return t.advance(ctx, Submitted)
}

// Revert returns a failed submission to NotSubmitted so it can be retried.
// It is the only backwards transition and only leaves Submitting.
func (t *Tracker) Revert(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case NotSubmitted:
		return nil
	case Submitted:
		return fmt.Errorf("revert from %s: %w", t.state, ErrInvalidTransition)
	}
	if err := t.store.Delete(ctx, KeyState); err != nil {
		return fmt.Errorf("persist submission state: %w", err)
	}
	t.state = NotSubmitted
	return nil
}

func (t *Tracker) advance(ctx context.Context, next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == next {
		return nil
	}
	if next.rank() < t.state.rank() {
		return fmt.Errorf("%s to %s: %w", t.state, next, ErrInvalidTransition)
	}
	if err := t.store.Set(ctx, KeyState, string(next)); err != nil {
		return fmt.Errorf("persist submission state: %w", err)
	}
	t.state = next
	return nil
}
