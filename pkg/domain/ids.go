package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "proctorlog/pkg/domain-errors"
)

// NewEventID returns a random identifier for a freshly captured event.
func NewEventID() string {
	return uuid.NewString()
}

// NewAttemptID returns a random identifier for a new attempt.
func NewAttemptID() string {
	return uuid.NewString()
}

// ParseAttemptID trims and validates an attempt identifier received at a
// trust boundary. Attempt identifiers are client-generated and opaque, so
// only emptiness and length are enforced.
func ParseAttemptID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "attemptId is required")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "attemptId must be valid UTF-8")
	}
	if len(s) > 128 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "attemptId must be at most 128 characters")
	}
	return s, nil
}

// ParseEventID validates an event identifier. Client event IDs are UUIDs.
func ParseEventID(s string) (string, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "eventId is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "eventId must be a UUID")
	}
	if parsed == uuid.Nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "eventId must not be the nil UUID")
	}
	return parsed.String(), nil
}
