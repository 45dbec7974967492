// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram or a local
// Whisper server) behind a single batch call: the relay hands over a complete
// utterance of raw PCM audio and receives the recognised text. Providers that
// natively stream may buffer internally; the relay's unit of work is one
// utterance, not a continuous stream.
//
// Implementations must be safe for concurrent use. One relay process serves
// many sessions, each of which may transcribe at the same time.
package stt

import (
	"context"
	"time"
)

// AudioConfig describes the format of the PCM handed to Transcribe.
type AudioConfig struct {
	// SampleRate is the audio sample rate in Hz. The relay's internal rate is
	// 16000 unless configured otherwise.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono, which is what
	// most recognition backends expect.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// Result is a committed transcription for one utterance.
type Result struct {
	// Text is the transcribed speech content. May be empty when the audio
	// contained no recognisable speech.
	Text string

	// Confidence is the overall confidence score (0.0-1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of audio the provider processed.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation promptly; a hung provider call must not pin a session's
// pipeline worker forever.
type Provider interface {
	// Transcribe recognises speech in pcm, which must be 16-bit little-endian
	// PCM in the format described by cfg. Returns an error if the provider
	// cannot be reached or rejects the request; an utterance with no speech is
	// not an error and yields a Result with empty Text.
	Transcribe(ctx context.Context, pcm []byte, cfg AudioConfig) (*Result, error)
}
