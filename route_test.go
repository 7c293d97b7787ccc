package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguaflow/realtime/shared"
)

type recordingMicGate struct {
	mu      sync.Mutex
	states  []bool
	failure error
}

func (g *recordingMicGate) SetEnabled(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failure != nil {
		return g.failure
	}
	g.states = append(g.states, enabled)
	return nil
}

func (g *recordingMicGate) last() (bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.states) == 0 {
		return false, false
	}
	return g.states[len(g.states)-1], true
}

type recordingSpeakerRoute struct {
	mu      sync.Mutex
	calls   int
	failure error
}

func (r *recordingSpeakerRoute) EnforceSpeaker() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.failure
}

func (r *recordingSpeakerRoute) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestEffectiveMutedIsOrOfBothFlags(t *testing.T) {
	tests := []struct {
		name          string
		userMuted     bool
		agentSpeaking bool
		expected      bool
	}{
		{"both clear", false, false, false},
		{"user muted only", true, false, true},
		{"agent speaking only", false, true, true},
		{"both set", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, err := NewAudioRouteGuard(shared.NewNopLogger(), nil)
			require.NoError(t, err)
			gate := new(recordingMicGate)
			guard.Bind(gate)

			guard.SetUserMuted(tt.userMuted)
			if tt.agentSpeaking {
				guard.AgentSpeechStarted()
			}

			assert.Equal(t, tt.expected, guard.EffectiveMuted())
			enabled, ok := gate.last()
			require.True(t, ok)
			assert.Equal(t, !tt.expected, enabled)
		})
	}
}

func TestToggleWhileAgentSpeakingKeepsMicDisabled(t *testing.T) {
	guard, err := NewAudioRouteGuard(shared.NewNopLogger(), nil, WithReleaseDelay(20*time.Millisecond))
	require.NoError(t, err)
	gate := new(recordingMicGate)
	guard.Bind(gate)

	guard.AgentSpeechStarted()
	enabled, _ := gate.last()
	require.False(t, enabled)

	// User unmutes and re-mutes while the agent is talking; the applied
	// state must stay disabled throughout.
	assert.True(t, guard.ToggleUserMuted())
	enabled, _ = gate.last()
	assert.False(t, enabled)
	assert.False(t, guard.ToggleUserMuted())
	enabled, _ = gate.last()
	assert.False(t, enabled)

	guard.AgentSpeechStopped()
	assert.True(t, guard.EffectiveMuted(), "release must not be immediate")
	require.Eventually(t, func() bool {
		return !guard.EffectiveMuted()
	}, time.Second, 5*time.Millisecond)
	enabled, _ = gate.last()
	assert.True(t, enabled)
}

func TestFeedbackMuteDebounce(t *testing.T) {
	guard, err := NewAudioRouteGuard(shared.NewNopLogger(), nil, WithReleaseDelay(40*time.Millisecond))
	require.NoError(t, err)
	gate := new(recordingMicGate)
	guard.Bind(gate)

	guard.AgentSpeechStarted()
	assert.True(t, guard.EffectiveMuted())

	// A new speech burst before the release fires cancels it.
	guard.AgentSpeechStopped()
	time.Sleep(10 * time.Millisecond)
	guard.AgentSpeechStarted()
	time.Sleep(60 * time.Millisecond)
	assert.True(t, guard.EffectiveMuted(), "restarted speech must keep the mic muted")

	guard.AgentSpeechStopped()
	require.Eventually(t, func() bool {
		return !guard.EffectiveMuted()
	}, time.Second, 5*time.Millisecond)
}

func TestExpiredReleaseCannotUnmuteAfterSpeechRestarts(t *testing.T) {
	// A release timer that has already expired may have its callback parked
	// on the guard's lock when the next speech burst begins. The burst must
	// win: the stale callback cannot clear the feedback mute.
	guard, err := NewAudioRouteGuard(shared.NewNopLogger(), nil, WithReleaseDelay(time.Microsecond))
	require.NoError(t, err)
	gate := new(recordingMicGate)
	guard.Bind(gate)

	for i := 0; i < 200; i++ {
		guard.AgentSpeechStarted()
		guard.AgentSpeechStopped()
		// Let the timer expire so its callback is in flight, then restart
		// speech before the callback has necessarily run.
		time.Sleep(50 * time.Microsecond)
		guard.AgentSpeechStarted()
		require.True(t, guard.EffectiveMuted(), "iteration %d: mic unmuted while agent speaking", i)
		time.Sleep(50 * time.Microsecond)
		require.True(t, guard.EffectiveMuted(), "iteration %d: stale release cleared the feedback mute", i)
	}

	guard.AgentSpeechStopped()
	require.Eventually(t, func() bool {
		return !guard.EffectiveMuted()
	}, time.Second, 5*time.Millisecond, "final release must still go through")
}

func TestUserMuteToggleReEnforcesSpeaker(t *testing.T) {
	speaker := new(recordingSpeakerRoute)
	guard, err := NewAudioRouteGuard(shared.NewNopLogger(), speaker)
	require.NoError(t, err)

	guard.ToggleUserMuted()
	guard.SetUserMuted(false)
	assert.Equal(t, 2, speaker.count())
}

func TestRouteFailuresAreDegradedNotFatal(t *testing.T) {
	var mu sync.Mutex
	var degraded []error
	speaker := &recordingSpeakerRoute{failure: errors.New("route rejected")}
	guard, err := NewAudioRouteGuard(
		shared.NewNopLogger(),
		speaker,
		WithDegradedHandler(func(err error) {
			mu.Lock()
			degraded = append(degraded, err)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	gate := &recordingMicGate{failure: errors.New("gate rejected")}
	guard.Bind(gate)

	guard.EnforceSpeakerOutput()
	guard.SetUserMuted(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(degraded) >= 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, err := range degraded {
		assert.ErrorIs(t, err, shared.ErrAudioRouteDegraded)
	}
}

func TestResetClearsFeedbackMuteButKeepsUserMute(t *testing.T) {
	guard, err := NewAudioRouteGuard(shared.NewNopLogger(), nil)
	require.NoError(t, err)
	guard.Bind(new(recordingMicGate))

	guard.SetUserMuted(true)
	guard.AgentSpeechStarted()
	guard.Reset()

	assert.True(t, guard.UserMuted())
	assert.True(t, guard.EffectiveMuted(), "user mute survives reset")

	guard.SetUserMuted(false)
	assert.False(t, guard.EffectiveMuted(), "feedback mute must not survive reset")
}
