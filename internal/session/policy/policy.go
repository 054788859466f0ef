// Package policy decides whether a captured observation becomes an event.
//
// A decision is a pure function of the event type, the capture time and the
// attempt's history of recorded events; no hidden state is kept.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"proctorlog/pkg/domain"
)

// Mode selects how repeated observations of one type are filtered.
type Mode string

const (
	ModeAlways         Mode = "always"
	ModeDebounce       Mode = "debounce"
	ModeOncePerAttempt Mode = "once_per_attempt"
)

// DefaultDebounceWindow applies to the noisy detector signals.
const DefaultDebounceWindow = 500 * time.Millisecond

// Rule is the policy for one event type.
type Rule struct {
	Mode   Mode          `yaml:"mode"`
	Window time.Duration `yaml:"window,omitempty"`
}

// Always records every observation.
func Always() Rule { return Rule{Mode: ModeAlways} }

// Debounce drops an observation that follows a recorded one of the same type
// by less than window.
func Debounce(window time.Duration) Rule { return Rule{Mode: ModeDebounce, Window: window} }

// OncePerAttempt records only the first observation of the attempt.
func OncePerAttempt() Rule { return Rule{Mode: ModeOncePerAttempt} }

func (r Rule) validate() error {
	switch r.Mode {
	case ModeAlways, ModeOncePerAttempt:
		return nil
	case ModeDebounce:
		if r.Window <= 0 {
			return errors.New("debounce window must be positive")
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
}

// History is the attempt's record of previously accepted events.
type History interface {
	LastOf(eventType domain.EventType) (time.Time, bool)
}

// Set maps event types to rules. Types without a rule are always recorded.
type Set struct {
	rules map[domain.EventType]Rule
}

// Defaults debounces fullscreen exits and focus loss.
func Defaults() Set {
	return Set{rules: map[domain.EventType]Rule{
		domain.EventFullscreenExit: Debounce(DefaultDebounceWindow),
		domain.EventFocusLost:      Debounce(DefaultDebounceWindow),
	}}
}

// New builds a Set from explicit rules.
func New(rules map[domain.EventType]Rule) (Set, error) {
	for t, r := range rules {
		if !t.IsValid() {
			return Set{}, fmt.Errorf("policy for %q: unknown event type", t)
		}
		if err := r.validate(); err != nil {
			return Set{}, fmt.Errorf("policy for %s: %w", t, err)
		}
	}
	return Set{rules: maps.Clone(rules)}, nil
}

// Rule returns the rule for eventType.
func (s Set) Rule(eventType domain.EventType) Rule {
	if r, ok := s.rules[eventType]; ok {
		return r
	}
	return Always()
}

// Allow reports whether an observation of eventType at now should be
// recorded given history.
func (s Set) Allow(eventType domain.EventType, now time.Time, history History) bool {
	rule := s.Rule(eventType)
	if rule.Mode == ModeAlways || history == nil {
		return true
	}
	last, seen := history.LastOf(eventType)
	if !seen {
		return true
	}
	switch rule.Mode {
	case ModeOncePerAttempt:
		return false
	case ModeDebounce:
		return now.Sub(last) >= rule.Window
	default:
		return true
	}
}

type file struct {
	Policies map[string]Rule `yaml:"policies"`
}

// Parse reads a YAML policy document. Rules in the document replace the
// defaults for their event type; other defaults stay in effect.
func Parse(data []byte) (Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Set{}, fmt.Errorf("parse policy file: %w", err)
	}
	rules := maps.Clone(Defaults().rules)
	for name, rule := range f.Policies {
		t, err := domain.ParseEventType(name)
		if err != nil {
			return Set{}, fmt.Errorf("parse policy file: %w", err)
		}
		rules[t] = rule
	}
	return New(rules)
}

// LoadFile reads policies from path. An empty path yields Defaults.
func LoadFile(path string) (Set, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}
