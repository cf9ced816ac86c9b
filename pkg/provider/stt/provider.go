// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider opens one streaming session per call; the session accepts raw
// PCM audio and emits timed transcript events on channels. Resilience
// behaviour (buffering, reconnection, keepalive scheduling) lives above this
// interface in internal/transcribe; implementations here only speak the
// vendor protocol.
package stt

import (
	"context"

	"github.com/parlancehq/parlance/pkg/types"
)

// StreamConfig carries the per-session audio parameters.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the channel count. Sessions are mono (1) unless stated.
	Channels int

	// Language is the BCP-47 language code for recognition (e.g., "en-US").
	Language string

	// InterimResults requests advisory partial transcripts in addition to
	// finals.
	InterimResults bool
}

// SessionHandle is a live streaming transcription session.
//
// The Partials and Finals channels are closed by the implementation when the
// upstream link ends, whether by Close or by an upstream failure. Consumers
// detect link loss by observing the Finals channel closing.
type SessionHandle interface {
	// SendAudio queues a PCM audio chunk for delivery upstream.
	// Returns an error if the session is closed.
	SendAudio(chunk []byte) error

	// Partials returns the channel of interim transcripts.
	Partials() <-chan types.Transcript

	// Finals returns the channel of final transcripts.
	Finals() <-chan types.Transcript

	// KeepAlive sends a liveness signal upstream so the vendor does not drop
	// an idle connection.
	KeepAlive() error

	// Close terminates the session cleanly. Safe to call multiple times.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a streaming transcription session. The returned
	// handle is live once StartStream returns without error.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
