package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linguaflow/realtime/shared"
)

// Status is the session connection status. Valid transitions are
// disconnected → connecting → connected, connecting → failed, and
// connected/failed → disconnected on an explicit Stop. There is no
// connected → failed transition: transport-level failures after a successful
// connect are logged and exposed through LastConnectionState, nothing more.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutcomeFunc receives the level-completed signal, at most once per session.
// levelID is -1 when the session was started without one.
type OutcomeFunc func(levelID int, passed bool)

// ServerEventHook observes every applied server event, after it has been
// applied to the transcript and audio route.
type ServerEventHook func(event *ServerEvent)

const (
	defaultConnectTimeout = 30 * time.Second
	// Settle before building the offer; some audio stacks need a beat after
	// route changes before the first track is usable.
	defaultSettleDelay = 200 * time.Millisecond
	// Gap between session.update and the response.create that makes the
	// agent speak first.
	defaultResponseDelay = 500 * time.Millisecond
)

type ManagerOption func(*Manager)

func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithSettleDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.settleDelay = d }
}

func WithResponseDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.responseDelay = d }
}

func WithOutcomeFunc(f OutcomeFunc) ManagerOption {
	return func(m *Manager) { m.outcome = f }
}

func WithServerEventHook(f ServerEventHook) ManagerOption {
	return func(m *Manager) { m.eventHook = f }
}

// Manager owns one realtime voice session at a time: it drives the
// negotiation sequence, serializes all inbound transport events, and is the
// only writer of the connection status.
type Manager struct {
	logger       shared.LoggerAdapter
	fetcher      *SessionConfigFetcher
	signaler     *SignalingExchanger
	newTransport TransportFactory
	guard        *AudioRouteGuard
	store        *TranscriptStore

	connectTimeout time.Duration
	settleDelay    time.Duration
	responseDelay  time.Duration
	outcome        OutcomeFunc
	eventHook      ServerEventHook

	mu            sync.Mutex
	status        Status
	epoch         uint64
	transport     Transport
	cfg           *SessionConfig
	watchdog      *time.Timer
	attemptCancel context.CancelFunc
	levelID       int
	pendingText   string
	lastEventType string
	lastError     string
	lastConnState string
	outcomeSent   bool
}

func NewManager(
	logger shared.LoggerAdapter,
	fetcher *SessionConfigFetcher,
	signaler *SignalingExchanger,
	guard *AudioRouteGuard,
	factory TransportFactory,
	opts ...ManagerOption,
) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if fetcher == nil {
		return nil, shared.ErrNoFetcher
	}
	if signaler == nil {
		return nil, shared.ErrNoSignaler
	}
	if guard == nil {
		return nil, errors.New("no audio route guard provided")
	}
	if factory == nil {
		return nil, shared.ErrNoTransport
	}
	m := &Manager{
		logger:         logger,
		fetcher:        fetcher,
		signaler:       signaler,
		newTransport:   factory,
		guard:          guard,
		store:          NewTranscriptStore(),
		connectTimeout: defaultConnectTimeout,
		settleDelay:    defaultSettleDelay,
		responseDelay:  defaultResponseDelay,
		levelID:        -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start negotiates a new session and blocks until it is connected or has
// failed. Any previous session is torn down first. The 30-second watchdog
// races the negotiation; whichever finishes first decides the terminal
// status, and the loser's result is discarded.
func (m *Manager) Start(ctx context.Context, levelID *int, speed float64) error {
	m.mu.Lock()
	m.teardownAttemptLocked()
	m.epoch++
	ep := m.epoch
	m.status = StatusConnecting
	m.lastError = ""
	m.outcomeSent = false
	if levelID != nil {
		m.levelID = *levelID
	} else {
		m.levelID = -1
	}
	m.store.Reset()
	actx, cancel := context.WithCancel(ctx)
	m.attemptCancel = cancel
	m.watchdog = time.AfterFunc(m.connectTimeout, func() { m.onTimeout(ep) })
	m.mu.Unlock()
	m.guard.Reset()

	m.logger.Info(
		"starting session",
		zap.Intp("level", levelID),
		zap.Float64("speed", speed),
	)
	if err := m.connect(actx, ep, levelID, speed); err != nil {
		return m.fail(ep, err)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, ep uint64, levelID *int, speed float64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settleDelay):
	}

	cfg, err := m.fetcher.Fetch(ctx, levelID, speed)
	if err != nil {
		return err
	}

	tr, err := m.newTransport(ctx, m.logger)
	if err != nil {
		return fmt.Errorf("%w: %s", shared.ErrTransportSetup, err)
	}

	// Install before the remaining steps so a timeout or Stop can close it.
	m.mu.Lock()
	if m.epoch != ep || m.status != StatusConnecting {
		m.mu.Unlock()
		_ = tr.Close()
		return shared.ErrSessionStopped
	}
	m.transport = tr
	m.cfg = cfg
	m.mu.Unlock()

	offer, err := tr.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("%w: creating offer: %s", shared.ErrSignaling, err)
	}
	answer, err := m.signaler.Exchange(ctx, offer, cfg.Model, cfg.ClientSecret)
	if err != nil {
		return err
	}
	if err := tr.ApplyAnswer(ctx, answer); err != nil {
		return fmt.Errorf("%w: applying answer: %s", shared.ErrSignaling, err)
	}

	m.mu.Lock()
	if m.epoch != ep || m.status != StatusConnecting {
		m.mu.Unlock()
		return shared.ErrSessionStopped
	}
	m.status = StatusConnected
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.mu.Unlock()

	m.guard.Bind(tr.MicGate())
	go m.eventLoop(ep, tr)
	m.logger.Info("session connected", zap.String("model", cfg.Model))
	return nil
}

// fail moves a still-connecting attempt to failed. A late error from an
// attempt the watchdog or Stop already resolved changes nothing.
func (m *Manager) fail(ep uint64, err error) error {
	m.mu.Lock()
	if m.epoch == ep && m.status == StatusConnecting {
		m.status = StatusFailed
		m.lastError = err.Error()
		m.teardownAttemptLocked()
	}
	m.mu.Unlock()
	if !errors.Is(err, shared.ErrSessionStopped) {
		m.logger.Error("session start failed", err)
	}
	return err
}

func (m *Manager) onTimeout(ep uint64) {
	m.mu.Lock()
	if m.epoch != ep || m.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.status = StatusFailed
	m.lastError = shared.ErrConnectionTimeout.Error()
	m.teardownAttemptLocked()
	m.mu.Unlock()
	m.logger.Error("connection attempt timed out", shared.ErrConnectionTimeout)
}

// Stop tears the session down and returns to disconnected. Idempotent; also
// invalidates any in-flight negotiation so its eventual result is discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.epoch++
	m.teardownAttemptLocked()
	m.status = StatusDisconnected
	m.cfg = nil
	m.pendingText = ""
	m.mu.Unlock()
	m.guard.Reset()
	m.logger.Info("session stopped")
}

// teardownAttemptLocked releases the watchdog, the attempt context, and the
// transport. Callers hold m.mu and own the status transition.
func (m *Manager) teardownAttemptLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("closing transport", err)
		}
		m.transport = nil
	}
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// eventLoop consumes the transport's events serially for the lifetime of one
// connected session. It exits when the transport closes its channel.
func (m *Manager) eventLoop(ep uint64, tr Transport) {
	for ev := range tr.Events() {
		if m.currentEpoch() != ep {
			return
		}
		switch ev.Kind {
		case TransportEventDataChannelOpen:
			m.onDataChannelOpen(ep, tr)
		case TransportEventDataChannelClosed:
			m.logger.Info("data channel closed")
		case TransportEventConnectionState:
			m.mu.Lock()
			m.lastConnState = ev.State
			m.mu.Unlock()
			m.logger.Info("transport connection state changed", zap.String("state", ev.State))
		case TransportEventMessage:
			m.handleMessage(ev.Data)
		}
	}
}

func (m *Manager) onDataChannelOpen(ep uint64, tr Transport) {
	m.logger.Info("data channel opened")
	m.guard.EnforceSpeakerOutput()

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if cfg == nil {
		return
	}
	if err := m.sendEvent(tr, NewSessionUpdateEvent(cfg)); err != nil {
		m.logger.Error("sending session.update", err)
		return
	}
	time.AfterFunc(m.responseDelay, func() {
		if m.currentEpoch() != ep {
			return
		}
		if err := m.sendEvent(tr, NewResponseCreateEvent()); err != nil {
			m.logger.Error("prompting initial response", err)
		}
	})
}

func (m *Manager) sendEvent(tr Transport, event *ClientEvent) error {
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: marshaling %s: %s", shared.ErrSendFailed, event.Type, err)
	}
	if err := tr.Send(data); err != nil {
		return fmt.Errorf("%w: sending %s: %s", shared.ErrSendFailed, event.Type, err)
	}
	m.logger.Debug("client event sent", zap.String("type", string(event.Type)))
	return nil
}

func (m *Manager) handleMessage(data []byte) {
	event, err := DecodeServerEvent(data)
	if err != nil {
		if errors.Is(err, shared.ErrUnknownServerEvent) {
			m.logger.Debug("ignoring unrecognized server event", zap.Error(err))
			return
		}
		m.logger.Error("decoding server event", err, zap.ByteString("data", data))
		return
	}
	m.mu.Lock()
	m.lastEventType = string(event.Type)
	m.mu.Unlock()
	m.applyServerEvent(event)
	if m.eventHook != nil {
		m.eventHook(event)
	}
}

func (m *Manager) applyServerEvent(event *ServerEvent) {
	switch p := event.Param.(type) {
	case *ServerEventParamConversationItemCreated:
		id := p.ItemId()
		role := Role(p.ItemRole())
		if id == "" || !role.Valid() {
			return
		}
		if !m.store.Add(id, role, p.ItemText()) {
			m.logger.Debug("duplicate conversation item ignored", zap.String("item_id", id))
		}
	case *ServerEventParamAudioTranscriptDelta:
		m.store.AppendText(p.ItemId, p.Delta)
	case *ServerEventParamAudioTranscriptDone:
		m.store.SetText(p.ItemId, p.Transcript)
	case *ServerEventParamInputAudioTranscriptionCompleted:
		m.store.SetText(p.ItemId, p.Transcript)
	case *ServerEventParamOutputAudioBufferStarted:
		m.guard.AgentSpeechStarted()
	case *ServerEventParamOutputAudioBufferStopped:
		m.guard.AgentSpeechStopped()
	case *ServerEventParamError:
		m.logger.Error(
			"server error event",
			errors.New(p.Message),
			zap.String("code", p.Code),
			zap.String("error_type", p.Type),
		)
	}
}

// SendText sends a learner-authored text message as a user conversation item
// and asks the agent to respond. A send failure leaves the connection status
// untouched; the caller may retry.
func (m *Manager) SendText(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty message", shared.ErrSendFailed)
	}
	m.mu.Lock()
	if m.status != StatusConnected || m.transport == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", shared.ErrSendFailed, shared.ErrNotConnected)
	}
	tr := m.transport
	m.pendingText = text
	m.mu.Unlock()

	if err := m.sendEvent(tr, NewUserTextItemEvent(text)); err != nil {
		return err
	}
	m.mu.Lock()
	m.pendingText = ""
	m.mu.Unlock()
	return m.sendEvent(tr, NewResponseCreateEvent())
}

func (m *Manager) SetMuted(muted bool) {
	m.guard.SetUserMuted(muted)
}

// ToggleMuted flips the explicit user mute and returns the new value.
func (m *Manager) ToggleMuted() bool {
	return m.guard.ToggleUserMuted()
}

// Muted reports the effective microphone mute, including the transient
// feedback-prevention mute.
func (m *Manager) Muted() bool {
	return m.guard.EffectiveMuted()
}

// CompleteLevel emits the level outcome signal. The decision itself comes
// from an external evaluation; this only guarantees at-most-once delivery
// per session.
func (m *Manager) CompleteLevel(passed bool) {
	m.mu.Lock()
	if m.outcomeSent || m.outcome == nil {
		m.mu.Unlock()
		return
	}
	m.outcomeSent = true
	levelID := m.levelID
	m.mu.Unlock()
	m.outcome(levelID, passed)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transcript returns an immutable snapshot of the conversation so far.
func (m *Manager) Transcript() []ConversationItem {
	return m.store.Snapshot()
}

func (m *Manager) LastEventType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventType
}

func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// LastConnectionState is the transport's most recent connection state, for
// diagnostics.
func (m *Manager) LastConnectionState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnState
}
