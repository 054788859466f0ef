// Package detector turns detector signals, one JSON object per line, into
// session captures. It is the agent's stand-in for the browser detectors.
//
//	{"action":"fullscreen","value":false}
//	{"action":"focus","value":true}
//	{"type":"COPY_ATTEMPT","questionId":"q3","metadata":{"length":42}}
//	{"action":"submit"}
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"proctorlog/internal/session/event"
	"proctorlog/pkg/domain"
)

// Actions understood besides plain event capture.
const (
	ActionFullscreen = "fullscreen"
	ActionFocus      = "focus"
	ActionSubmit     = "submit"
)

var ErrMalformedSignal = errors.New("malformed detector signal")

// Signal is one decoded detector line.
type Signal struct {
	Action     string         `json:"action"`
	Type       string         `json:"type"`
	Value      *bool          `json:"value"`
	QuestionID string         `json:"questionId"`
	Metadata   map[string]any `json:"metadata"`
}

// Capturer is the session surface signals drive.
type Capturer interface {
	LogEvent(ctx context.Context, eventType domain.EventType, metadata map[string]any, opts ...event.CreateOption) (domain.Event, bool, error)
	Submit(ctx context.Context) error
}

// Environment receives the fullscreen and focus flags stamped on later events.
type Environment interface {
	SetFullscreen(on bool)
	SetFocused(on bool)
}

// Outcome reports what a signal did.
type Outcome struct {
	Event     *domain.Event `json:"event,omitempty"`
	Recorded  bool          `json:"recorded"`
	Submitted bool          `json:"submitted,omitempty"`
}

// Parse decodes a single line. Blank lines yield ok=false.
func Parse(line []byte) (sig Signal, ok bool, err error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Signal{}, false, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &sig); err != nil {
		return Signal{}, false, fmt.Errorf("%w: %w", ErrMalformedSignal, err)
	}
	sig.Action = strings.ToLower(strings.TrimSpace(sig.Action))
	return sig, true, nil
}

// Apply performs sig against the session. Environment flags are updated
// before the matching event is captured so the event carries the new state.
func Apply(ctx context.Context, sig Signal, c Capturer, env Environment) (Outcome, error) {
	var opts []event.CreateOption
	if sig.QuestionID != "" {
		opts = append(opts, event.WithQuestionID(sig.QuestionID))
	}

	switch sig.Action {
	case "":
		eventType, err := domain.ParseEventType(strings.ToUpper(strings.TrimSpace(sig.Type)))
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrMalformedSignal, err)
		}
		return capture(ctx, c, eventType, sig.Metadata, opts)

	case ActionFullscreen, ActionFocus:
		if sig.Value == nil {
			return Outcome{}, fmt.Errorf("%w: %s requires a boolean value", ErrMalformedSignal, sig.Action)
		}
		on := *sig.Value
		var eventType domain.EventType
		if sig.Action == ActionFullscreen {
			env.SetFullscreen(on)
			eventType = pick(on, domain.EventFullscreenEnter, domain.EventFullscreenExit)
		} else {
			env.SetFocused(on)
			eventType = pick(on, domain.EventFocusGained, domain.EventFocusLost)
		}
		return capture(ctx, c, eventType, sig.Metadata, opts)

	case ActionSubmit:
		if err := c.Submit(ctx); err != nil {
			return Outcome{}, err
		}
		return Outcome{Submitted: true}, nil

	default:
		return Outcome{}, fmt.Errorf("%w: unknown action %q", ErrMalformedSignal, sig.Action)
	}
}

func capture(ctx context.Context, c Capturer, eventType domain.EventType, metadata map[string]any, opts []event.CreateOption) (Outcome, error) {
	ev, recorded, err := c.LogEvent(ctx, eventType, metadata, opts...)
	if err != nil {
		return Outcome{}, err
	}
	if !recorded {
		return Outcome{}, nil
	}
	return Outcome{Event: &ev, Recorded: true}, nil
}

func pick(on bool, whenOn, whenOff domain.EventType) domain.EventType {
	if on {
		return whenOn
	}
	return whenOff
}
