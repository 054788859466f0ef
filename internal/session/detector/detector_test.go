package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorlog/internal/session/event"
	"proctorlog/internal/session/probe"
	"proctorlog/pkg/domain"
)

type fakeSession struct {
	factory   *event.Factory
	captured  []domain.Event
	drop      bool
	submitted int
	submitErr error
}

func (f *fakeSession) LogEvent(_ context.Context, t domain.EventType, metadata map[string]any, opts ...event.CreateOption) (domain.Event, bool, error) {
	if f.drop {
		return domain.Event{}, false, nil
	}
	ev := f.factory.Create(t, metadata, opts...)
	f.captured = append(f.captured, ev)
	return ev, true, nil
}

func (f *fakeSession) Submit(context.Context) error {
	f.submitted++
	return f.submitErr
}

func newFake() (*fakeSession, *probe.Environment) {
	env := probe.New("")
	return &fakeSession{factory: event.NewFactory("attempt-1", env)}, env
}

func apply(t *testing.T, line string, f *fakeSession, env *probe.Environment) (Outcome, error) {
	t.Helper()
	sig, ok, err := Parse([]byte(line))
	require.NoError(t, err)
	require.True(t, ok)
	return Apply(context.Background(), sig, f, env)
}

func TestParseSkipsBlankAndComments(t *testing.T) {
	for _, line := range []string{"", "   ", "# focus test"} {
		_, ok, err := Parse([]byte(line))
		assert.NoError(t, err)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, _, err := Parse([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedSignal)
}

func TestApplyCapturesEventType(t *testing.T) {
	f, env := newFake()

	out, err := apply(t, `{"type":"copy_attempt","questionId":"q3","metadata":{"length":42}}`, f, env)
	require.NoError(t, err)
	require.True(t, out.Recorded)
	assert.Equal(t, domain.EventCopyAttempt, out.Event.EventType)
	require.NotNil(t, out.Event.QuestionID)
	assert.Equal(t, "q3", *out.Event.QuestionID)
	assert.Equal(t, float64(42), out.Event.Metadata["length"])
}

func TestApplyFlagsUpdateBeforeCapture(t *testing.T) {
	f, env := newFake()

	out, err := apply(t, `{"action":"fullscreen","value":true}`, f, env)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFullscreenEnter, out.Event.EventType)
	assert.Equal(t, true, out.Event.Metadata[event.MetaFullscreen])

	out, err = apply(t, `{"action":"focus","value":false}`, f, env)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFocusLost, out.Event.EventType)
	assert.Equal(t, false, out.Event.Metadata[event.MetaHasFocus])
	assert.Equal(t, true, out.Event.Metadata[event.MetaFullscreen])
}

func TestApplySuppressedCapture(t *testing.T) {
	f, env := newFake()
	f.drop = true

	out, err := apply(t, `{"action":"focus","value":false}`, f, env)
	require.NoError(t, err)
	assert.False(t, out.Recorded)
	assert.Nil(t, out.Event)
}

func TestApplySubmit(t *testing.T) {
	f, env := newFake()

	out, err := apply(t, `{"action":"submit"}`, f, env)
	require.NoError(t, err)
	assert.True(t, out.Submitted)
	assert.Equal(t, 1, f.submitted)

	f.submitErr = errors.New("collector down")
	_, err = apply(t, `{"action":"SUBMIT"}`, f, env)
	assert.EqualError(t, err, "collector down")
}

func TestApplyRejectsBadSignals(t *testing.T) {
	f, env := newFake()
	for _, line := range []string{
		`{"type":"SNEEZE"}`,
		`{"action":"fullscreen"}`,
		`{"action":"teleport"}`,
	} {
		_, err := apply(t, line, f, env)
		assert.ErrorIs(t, err, ErrMalformedSignal, "line %s", line)
	}
	assert.Empty(t, f.captured)
}
