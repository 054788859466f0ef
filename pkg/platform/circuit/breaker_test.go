package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("collector")
	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())
	assert.Equal(t, "collector", b.Name())
}

func TestBreaker_Transitions(t *testing.T) {
	type step struct {
		fail       bool
		wantOpen   bool
		wantChange StateChange
	}
	tests := []struct {
		name  string
		opts  []Option
		steps []step
	}{
		{
			name: "opens on the third consecutive failure",
			opts: []Option{WithFailureThreshold(3)},
			steps: []step{
				{fail: true},
				{fail: true},
				{fail: true, wantOpen: true, wantChange: StateChange{Opened: true}},
				{fail: true, wantOpen: true},
			},
		},
		{
			name: "a delivered batch resets the failure streak",
			opts: []Option{WithFailureThreshold(2)},
			steps: []step{
				{fail: true},
				{fail: false},
				{fail: true},
				{fail: true, wantOpen: true, wantChange: StateChange{Opened: true}},
			},
		},
		{
			name: "closes after enough consecutive successes",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			steps: []step{
				{fail: true, wantOpen: true, wantChange: StateChange{Opened: true}},
				{fail: false, wantOpen: true},
				{fail: true, wantOpen: true},
				{fail: false, wantOpen: true},
				{fail: false, wantChange: StateChange{Closed: true}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("collector", tt.opts...)
			for i, st := range tt.steps {
				var change StateChange
				if st.fail {
					_, change = b.RecordFailure()
				} else {
					_, change = b.RecordSuccess()
				}
				require.Equal(t, st.wantChange, change, "step %d", i)
				require.Equal(t, st.wantOpen, b.IsOpen(), "step %d", i)
			}
		})
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New("collector", WithFailureThreshold(1))
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_AllowHonorsCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := New("collector", WithFailureThreshold(2), WithCooldown(10*time.Second, 40*time.Second), WithClock(clock))

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())

	now = now.Add(10 * time.Second)
	assert.True(t, b.Allow(), "probe admitted after cooldown")

	// Failed probe doubles the cooldown.
	b.RecordFailure()
	now = now.Add(10 * time.Second)
	assert.False(t, b.Allow())
	now = now.Add(10 * time.Second)
	assert.True(t, b.Allow())

	// Cooldown is capped.
	b.RecordFailure()
	b.RecordFailure()
	now = now.Add(40 * time.Second)
	assert.True(t, b.Allow())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
}
