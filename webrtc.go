package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/linguaflow/realtime/shared"
)

// TrackRemoteHandler receives the agent's audio track once it arrives.
type TrackRemoteHandler func(track *webrtc.TrackRemote)

const transportEventBuffer = 64

// WebRTCTransport is the production Transport over a pion peer connection:
// one opus track for the microphone, one ordered data channel for the event
// protocol.
type WebRTCTransport struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	audioL *webrtc.TrackLocalStaticSample
	closed bool

	events     chan TransportEvent
	micEnabled atomic.Bool
	audioTRH   TrackRemoteHandler
}

var _ Transport = (*WebRTCTransport)(nil)

func NewWebRTCTransport(logger shared.LoggerAdapter, remoteTrack TrackRemoteHandler) (t *WebRTCTransport, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	t = &WebRTCTransport{
		logger:   logger,
		events:   make(chan TransportEvent, transportEventBuffer),
		audioTRH: remoteTrack,
	}
	t.micEnabled.Store(true)

	t.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		t.push(TransportEvent{Kind: TransportEventConnectionState, State: state.String()})
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.mu.Lock()
		handler := t.audioTRH
		t.mu.Unlock()
		if handler != nil {
			go handler(track)
		}
	})

	// Microphone track
	t.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		_ = t.pc.Close()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = t.pc.AddTrack(t.audioL); err != nil {
		_ = t.pc.Close()
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}

	// Data channel defaults are ordered and reliable, which the event
	// protocol depends on.
	t.dc, err = t.pc.CreateDataChannel("oai", nil)
	if err != nil {
		_ = t.pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	t.dc.OnOpen(func() {
		t.push(TransportEvent{Kind: TransportEventDataChannelOpen})
	})
	t.dc.OnClose(func() {
		t.push(TransportEvent{Kind: TransportEventDataChannelClosed})
	})
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			t.logger.Warn("received non-string message on data channel")
			return
		}
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		t.push(TransportEvent{Kind: TransportEventMessage, Data: data})
	})
	return t, nil
}

func (t *WebRTCTransport) push(ev TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transport event dropped", zap.String("kind", ev.Kind.String()))
	}
}

func (t *WebRTCTransport) CreateOffer(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", shared.ErrSessionStopped
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *WebRTCTransport) ApplyAnswer(ctx context.Context, answerSDP string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrSessionStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	closed := t.closed
	t.mu.Unlock()
	if closed || dc == nil {
		return errors.New("data channel not available")
	}
	return dc.Send(data)
}

// LocalTrack is the microphone-facing track; the capture loop writes encoded
// samples into it.
func (t *WebRTCTransport) LocalTrack() *webrtc.TrackLocalStaticSample {
	return t.audioL
}

func (t *WebRTCTransport) MicGate() MicGate {
	return t
}

// SetEnabled implements MicGate. The capture loop observes the flag and
// drops microphone frames while disabled.
func (t *WebRTCTransport) SetEnabled(enabled bool) error {
	t.micEnabled.Store(enabled)
	return nil
}

// MicEnabled reports whether microphone frames should be forwarded.
func (t *WebRTCTransport) MicEnabled() bool {
	return t.micEnabled.Load()
}

func (t *WebRTCTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var err error
	if t.pc != nil {
		if cerr := t.pc.Close(); cerr != nil {
			err = fmt.Errorf("closing peer connection: %w", cerr)
		}
		t.pc = nil
		t.dc = nil
	}
	close(t.events)
	return err
}
