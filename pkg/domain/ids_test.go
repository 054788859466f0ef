package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "proctorlog/pkg/domain-errors"
)

// TestParseAttemptID_Invariants validates the boundary invariant:
// "attempt IDs are non-empty, trimmed, bounded strings"
func TestParseAttemptID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseAttemptID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects whitespace only", func(t *testing.T) {
		_, err := ParseAttemptID("   ")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects oversized identifiers", func(t *testing.T) {
		_, err := ParseAttemptID(strings.Repeat("a", 129))
		require.Error(t, err)
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		id, err := ParseAttemptID("  attempt-1 ")
		require.NoError(t, err)
		assert.Equal(t, "attempt-1", id)
	})

	t.Run("accepts generated identifiers", func(t *testing.T) {
		generated := NewAttemptID()
		id, err := ParseAttemptID(generated)
		require.NoError(t, err)
		assert.Equal(t, generated, id)
	})
}

func TestParseEventID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseEventID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseEventID("not-a-uuid")
		require.Error(t, err)
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseEventID(uuid.Nil.String())
		require.Error(t, err)
	})

	t.Run("normalizes case", func(t *testing.T) {
		id := uuid.New()
		parsed, err := ParseEventID(strings.ToUpper(id.String()))
		require.NoError(t, err)
		assert.Equal(t, id.String(), parsed)
	})

	t.Run("generated IDs are unique", func(t *testing.T) {
		seen := make(map[string]struct{})
		for range 1000 {
			id := NewEventID()
			_, dup := seen[id]
			require.False(t, dup)
			seen[id] = struct{}{}
		}
	})
}

func TestEventType(t *testing.T) {
	t.Run("parses every known type", func(t *testing.T) {
		for known := range knownEventTypes {
			parsed, err := ParseEventType(string(known))
			require.NoError(t, err)
			assert.Equal(t, known, parsed)
		}
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := ParseEventType("SCREEN_RECORDING")
		require.Error(t, err)
		assert.False(t, EventType("").IsValid())
	})

	t.Run("only the submission marker is terminal", func(t *testing.T) {
		for known := range knownEventTypes {
			assert.Equal(t, known == EventAssessmentSubmitted, known.IsTerminal(), "type %s", known)
		}
	})
}
