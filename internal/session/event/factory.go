// Package event stamps raw detector observations into fully-formed,
// globally identifiable events.
package event

import (
	"maps"
	"time"

	"proctorlog/pkg/domain"
)

// Base metadata keys merged into every event before caller metadata.
const (
	MetaBrowser    = "browser"
	MetaFullscreen = "fullscreen"
	MetaHasFocus   = "hasFocus"
)

// UnknownBrowser is recorded when the environment cannot be probed.
const UnknownBrowser = "unknown"

// Environment is the ambient session state captured with each event.
type Environment struct {
	Browser    string
	Fullscreen bool
	Focused    bool
}

// Probe reads ambient session state. Implementations may fail (for example
// outside an interactive context); the factory then falls back to defaults.
type Probe interface {
	Snapshot() (Environment, error)
}

// Factory creates events for a single attempt.
type Factory struct {
	attemptID string
	probe     Probe
	now       func() time.Time
	newID     func() string
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		if now != nil {
			f.now = now
		}
	}
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(f *Factory) {
		if gen != nil {
			f.newID = gen
		}
	}
}

// NewFactory binds a factory to attemptID. A nil probe is allowed.
func NewFactory(attemptID string, probe Probe, opts ...Option) *Factory {
	f := &Factory{
		attemptID: attemptID,
		probe:     probe,
		now:       time.Now,
		newID:     domain.NewEventID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AttemptID returns the attempt every created event belongs to.
func (f *Factory) AttemptID() string {
	return f.attemptID
}

// CreateOption adjusts a single created event.
type CreateOption func(*domain.Event)

// WithQuestionID ties the event to the question on screen.
func WithQuestionID(questionID string) CreateOption {
	return func(e *domain.Event) {
		if questionID != "" {
			e.QuestionID = &questionID
		}
	}
}

// Create stamps a fresh event. Caller metadata wins over the base snapshot.
// Create never fails.
func (f *Factory) Create(eventType domain.EventType, metadata map[string]any, opts ...CreateOption) domain.Event {
	env := f.environment()
	merged := map[string]any{
		MetaBrowser:    env.Browser,
		MetaFullscreen: env.Fullscreen,
		MetaHasFocus:   env.Focused,
	}
	maps.Copy(merged, metadata)

	ev := domain.Event{
		EventID:   f.newID(),
		EventType: eventType,
		Timestamp: f.now().UTC(),
		AttemptID: f.attemptID,
		Metadata:  merged,
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

func (f *Factory) environment() (env Environment) {
	fallback := Environment{Browser: UnknownBrowser}
	if f.probe == nil {
		return fallback
	}
	defer func() {
		if recover() != nil {
			env = fallback
		}
	}()
	snap, err := f.probe.Snapshot()
	if err != nil {
		return fallback
	}
	if snap.Browser == "" {
		snap.Browser = UnknownBrowser
	}
	return snap
}
