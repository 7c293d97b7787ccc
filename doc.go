// # Realtime Voice-Tutor Session Core
//
// This package manages a single realtime, two-way voice conversation between a
// learner and a cloud speech agent over WebRTC. It fetches short-lived session
// credentials from the app backend, performs the SDP offer/answer exchange
// against the realtime endpoint, streams audio both ways, reconstructs an
// ordered transcript from the JSON events on the data channel, and keeps the
// microphone muted while the agent is speaking so the speaker output never
// feeds back into the conversation.
package realtime
