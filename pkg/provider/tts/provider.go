// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a synthesis service (e.g., Deepgram Aura or a local
// Piper instance) behind a single batch call: the pipeline hands over a
// complete reply and receives raw PCM ready for chunking into the playback
// stream.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g., "aura-asteria-en").
	ID string

	// SampleRate is the requested output sample rate in Hz. Zero means use
	// the provider default.
	SampleRate int
}

// Synthesis is the audio produced for one reply.
type Synthesis struct {
	// PCM is 16-bit little-endian mono audio.
	PCM []byte

	// SampleRate is the rate of PCM in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation promptly.
type Provider interface {
	// Synthesize renders text as speech in the given voice. An empty text
	// returns an error rather than silent audio.
	Synthesize(ctx context.Context, text string, voice Voice) (*Synthesis, error)
}
