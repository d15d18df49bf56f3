// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio and emits two
// streams of Transcript values: low-latency partials for interim display and
// authoritative finals for the conversation.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/speechquery/pkg/types"
)

// ErrNotSupported is returned by optional SessionHandle operations a provider
// does not implement.
var ErrNotSupported = errors.New("stt: operation not supported")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the speech-query default.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition probability
	// for uncommon words.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods must
// be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes matching the StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim Transcript values. Implementations
	// drop partials nobody reads rather than block. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a channel of authoritative Transcript values. Closed when
	// the session ends.
	Finals() <-chan types.Transcript

	// Close flushes pending audio, delivers the remaining finals and releases all
	// resources. Callers that need every final must keep reading Finals while
	// Close runs. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately; the caller owns it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
