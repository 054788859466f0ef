package domain

import (
	"fmt"
	"time"
)

// EventType is the closed set of security-relevant observations recorded
// during an attempt.
type EventType string

const (
	EventBrowserDetected     EventType = "BROWSER_DETECTED"
	EventAccessBlocked       EventType = "ACCESS_BLOCKED"
	EventTimerStarted        EventType = "TIMER_STARTED"
	EventFullscreenEnter     EventType = "FULLSCREEN_ENTER"
	EventFullscreenExit      EventType = "FULLSCREEN_EXIT"
	EventFocusGained         EventType = "FOCUS_GAINED"
	EventFocusLost           EventType = "FOCUS_LOST"
	EventCopyAttempt         EventType = "COPY_ATTEMPT"
	EventCutAttempt          EventType = "CUT_ATTEMPT"
	EventPasteAttempt        EventType = "PASTE_ATTEMPT"
	EventTimerExpired        EventType = "TIMER_EXPIRED"
	EventAutoSubmitted       EventType = "AUTO_SUBMITTED"
	EventAssessmentSubmitted EventType = "ASSESSMENT_SUBMITTED"
)

var knownEventTypes = map[EventType]struct{}{
	EventBrowserDetected:     {},
	EventAccessBlocked:       {},
	EventTimerStarted:        {},
	EventFullscreenEnter:     {},
	EventFullscreenExit:      {},
	EventFocusGained:         {},
	EventFocusLost:           {},
	EventCopyAttempt:         {},
	EventCutAttempt:          {},
	EventPasteAttempt:        {},
	EventTimerExpired:        {},
	EventAutoSubmitted:       {},
	EventAssessmentSubmitted: {},
}

// ParseEventType validates s against the known event types.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown event type: %q", s)
	}
	return t, nil
}

// IsValid reports whether t belongs to the closed enumeration.
func (t EventType) IsValid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// IsTerminal reports whether t is the marker that closes an attempt's log.
func (t EventType) IsTerminal() bool {
	return t == EventAssessmentSubmitted
}

func (t EventType) String() string {
	return string(t)
}

// Event is the wire and storage shape of a single observation. Events are
// immutable once created; EventID is the only deduplication key.
type Event struct {
	EventID    string         `json:"eventId"`
	EventType  EventType      `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	AttemptID  string         `json:"attemptId"`
	QuestionID *string        `json:"questionId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
