package realtime

import (
	"context"

	"github.com/linguaflow/realtime/shared"
)

type TransportEventKind int

const (
	// TransportEventConnectionState carries a peer-connection state change.
	TransportEventConnectionState TransportEventKind = iota
	// TransportEventDataChannelOpen fires once the data channel is usable.
	TransportEventDataChannelOpen
	// TransportEventDataChannelClosed fires when the data channel closes.
	TransportEventDataChannelClosed
	// TransportEventMessage carries one inbound data-channel message.
	TransportEventMessage
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportEventConnectionState:
		return "connection_state"
	case TransportEventDataChannelOpen:
		return "data_channel_open"
	case TransportEventDataChannelClosed:
		return "data_channel_closed"
	case TransportEventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// TransportEvent is one item of the closed event set a transport emits.
// State is set for connection-state events, Data for messages.
type TransportEvent struct {
	Kind  TransportEventKind
	State string
	Data  []byte
}

// Transport is the client-facing contract of the media engine: one peer
// connection with one audio track and one ordered data channel. All its
// asynchronous signals arrive on the single Events channel, which the session
// manager consumes serially. The channel is closed by Close.
type Transport interface {
	// CreateOffer builds the local SDP offer and applies it as the local
	// description.
	CreateOffer(ctx context.Context) (string, error)
	// ApplyAnswer applies the remote SDP answer.
	ApplyAnswer(ctx context.Context, answerSDP string) error
	// Send writes one message to the data channel.
	Send(data []byte) error
	// MicGate exposes the microphone gate for the AudioRouteGuard.
	MicGate() MicGate
	Events() <-chan TransportEvent
	Close() error
}

// TransportFactory creates the transport for one connection attempt.
type TransportFactory func(ctx context.Context, logger shared.LoggerAdapter) (Transport, error)
