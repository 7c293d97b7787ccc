package realtime

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linguaflow/realtime/shared"
)

// MicGate enables or disables the captured microphone audio.
type MicGate interface {
	SetEnabled(enabled bool) error
}

// SpeakerRoute forces audio output to the speaker in communication mode.
// Some platform audio stacks silently revert the routing on mode changes, so
// it is re-applied after data-channel open and after every user mute toggle.
type SpeakerRoute interface {
	EnforceSpeaker() error
}

const defaultFeedbackReleaseDelay = 100 * time.Millisecond

// AudioRouteGuard is the single authority for the effective microphone state.
// Two independent signals feed it: the learner's explicit mute and the
// transient feedback-prevention mute held while the agent is speaking. The
// microphone is enabled only when neither is set.
type AudioRouteGuard struct {
	logger shared.LoggerAdapter

	mu            sync.Mutex
	mic           MicGate
	speaker       SpeakerRoute
	userMuted     bool
	feedbackMuted bool
	release       *time.Timer
	releaseGen    uint64
	releaseDelay  time.Duration
	onDegraded    func(error)
}

type RouteGuardOption func(*AudioRouteGuard)

// WithReleaseDelay overrides the feedback-mute release debounce.
func WithReleaseDelay(d time.Duration) RouteGuardOption {
	return func(g *AudioRouteGuard) {
		g.releaseDelay = d
	}
}

// WithDegradedHandler registers a callback for non-fatal audio-routing
// failures.
func WithDegradedHandler(f func(error)) RouteGuardOption {
	return func(g *AudioRouteGuard) {
		g.onDegraded = f
	}
}

func NewAudioRouteGuard(logger shared.LoggerAdapter, speaker SpeakerRoute, opts ...RouteGuardOption) (*AudioRouteGuard, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	g := &AudioRouteGuard{
		logger:       logger,
		speaker:      speaker,
		releaseDelay: defaultFeedbackReleaseDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Bind attaches the gate of the active transport and applies the current
// effective state to it. Called with nil when the transport goes away.
func (g *AudioRouteGuard) Bind(mic MicGate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mic = mic
	g.applyLocked()
}

func (g *AudioRouteGuard) SetUserMuted(muted bool) {
	g.mu.Lock()
	g.userMuted = muted
	g.applyLocked()
	g.mu.Unlock()
	g.EnforceSpeakerOutput()
}

// ToggleUserMuted flips the explicit mute and returns the new value.
func (g *AudioRouteGuard) ToggleUserMuted() bool {
	g.mu.Lock()
	g.userMuted = !g.userMuted
	muted := g.userMuted
	g.applyLocked()
	g.mu.Unlock()
	g.EnforceSpeakerOutput()
	return muted
}

func (g *AudioRouteGuard) UserMuted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userMuted
}

func (g *AudioRouteGuard) EffectiveMuted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userMuted || g.feedbackMuted
}

// AgentSpeechStarted mutes the microphone immediately so the agent's output
// is not captured back in.
func (g *AudioRouteGuard) AgentSpeechStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseGen++
	if g.release != nil {
		g.release.Stop()
		g.release = nil
	}
	g.feedbackMuted = true
	g.applyLocked()
}

// AgentSpeechStopped releases the feedback mute after the debounce delay, so
// the tail of agent speech is never clipped into the microphone. A new
// AgentSpeechStarted before the delay elapses invalidates the pending
// release. Stop alone cannot do that: an expired timer's callback may already
// be waiting on g.mu, so the callback re-checks the generation it was armed
// under before clearing the flag.
func (g *AudioRouteGuard) AgentSpeechStopped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseGen++
	gen := g.releaseGen
	if g.release != nil {
		g.release.Stop()
	}
	g.release = time.AfterFunc(g.releaseDelay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.releaseGen != gen {
			return
		}
		g.release = nil
		g.feedbackMuted = false
		g.applyLocked()
	})
}

// EnforceSpeakerOutput re-applies speaker routing. Failures degrade audio but
// never the session.
func (g *AudioRouteGuard) EnforceSpeakerOutput() {
	g.mu.Lock()
	speaker := g.speaker
	g.mu.Unlock()
	if speaker == nil {
		return
	}
	if err := speaker.EnforceSpeaker(); err != nil {
		g.degraded(fmt.Errorf("%w: enforcing speaker output: %s", shared.ErrAudioRouteDegraded, err))
	}
}

// Reset clears the transient feedback mute and detaches the gate. The
// explicit user mute survives across sessions.
func (g *AudioRouteGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseGen++
	if g.release != nil {
		g.release.Stop()
		g.release = nil
	}
	g.feedbackMuted = false
	g.mic = nil
}

// applyLocked pushes the effective state to the gate. Callers hold g.mu.
func (g *AudioRouteGuard) applyLocked() {
	if g.mic == nil {
		return
	}
	enabled := !(g.userMuted || g.feedbackMuted)
	if err := g.mic.SetEnabled(enabled); err != nil {
		go g.degraded(fmt.Errorf("%w: applying microphone state: %s", shared.ErrAudioRouteDegraded, err))
	}
}

func (g *AudioRouteGuard) degraded(err error) {
	g.logger.Warn("audio route degraded", zap.Error(err))
	g.mu.Lock()
	handler := g.onDegraded
	g.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}
