package shared

import "errors"

// Construction-time sentinels.
var (
	ErrNoLogger    = errors.New("no logger provided")
	ErrNoEndpoint  = errors.New("no endpoint provided")
	ErrNoFetcher   = errors.New("no config fetcher provided")
	ErrNoSignaler  = errors.New("no signaling exchanger provided")
	ErrNoTransport = errors.New("no transport factory provided")
)

// Session error taxonomy. Fatal kinds force the session to the failed
// status; ErrSendFailed and ErrAudioRouteDegraded never change it.
var (
	ErrConfigFetch        = errors.New("config fetch failed")
	ErrSignaling          = errors.New("signaling failed")
	ErrTransportSetup     = errors.New("transport setup failed")
	ErrConnectionTimeout  = errors.New("connection timed out")
	ErrSendFailed         = errors.New("send failed")
	ErrAudioRouteDegraded = errors.New("audio route degraded")
)

var (
	ErrSessionStopped     = errors.New("session stopped")
	ErrNotConnected       = errors.New("session not connected")
	ErrUnknownServerEvent = errors.New("unknown server event type")
)
