// Package probe supplies the ambient environment captured with every event:
// the browser identity parsed from the user agent plus the fullscreen and
// focus flags last reported by the detectors.
package probe

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/mssola/useragent"

	"proctorlog/internal/session/event"
)

// Browser is a parsed user-agent identity.
type Browser struct {
	Name    string
	Version string
}

// String renders "Name Version", or just the name when no version is known.
func (b Browser) String() string {
	return strings.TrimSpace(b.Name + " " + b.Version)
}

// ParseBrowser extracts the browser identity from a user-agent string.
func ParseBrowser(userAgent string) Browser {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return Browser{Name: event.UnknownBrowser}
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	if name == "" {
		name = event.UnknownBrowser
	}
	return Browser{Name: name, Version: version}
}

// Environment tracks the live session environment. Detectors update the
// fullscreen and focus flags; the event factory reads a snapshot.
type Environment struct {
	browser    Browser
	fullscreen atomic.Bool
	focused    atomic.Bool
}

// New builds an Environment for userAgent. Sessions start focused and out of
// fullscreen until a detector says otherwise.
func New(userAgent string) *Environment {
	env := &Environment{browser: ParseBrowser(userAgent)}
	env.focused.Store(true)
	return env
}

// Browser returns the parsed browser identity.
func (e *Environment) Browser() Browser {
	return e.browser
}

// Allowed reports whether the browser name is in allowed (case-insensitive).
// An empty allow list admits every browser.
func (e *Environment) Allowed(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.ContainsFunc(allowed, func(name string) bool {
		return strings.EqualFold(strings.TrimSpace(name), e.browser.Name)
	})
}

func (e *Environment) SetFullscreen(on bool) { e.fullscreen.Store(on) }

func (e *Environment) SetFocused(on bool) { e.focused.Store(on) }

// Snapshot implements event.Probe.
func (e *Environment) Snapshot() (event.Environment, error) {
	return event.Environment{
		Browser:    e.browser.String(),
		Fullscreen: e.fullscreen.Load(),
		Focused:    e.focused.Load(),
	}, nil
}
