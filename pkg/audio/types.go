// Package audio defines the PCM chunk type shared across the relay pipeline
// and the pure sample-rate / channel-layout conversion routines applied on the
// playback path.
//
// All audio in this package is 16-bit signed little-endian PCM. Chunks are the
// atomic unit of transport: received from the network, queued for playback, or
// produced by the TTS stage.
//
// This package lives under pkg/ because output-device adapters and external
// tooling are expected to consume these types.
package audio

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Chunk is an immutable buffer of PCM samples flowing through the relay.
// Produced by the network receive path or by the TTS output path; consumed
// exactly once by the playback buffer or the outbound sender.
type Chunk struct {
	// Data holds raw little-endian int16 PCM bytes. Treated as immutable
	// after construction.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the telephony wire format).
	SampleRate int

	// Channels is the channel count of Data. 1 for everything received from
	// the wire; playback may up-mix.
	Channels int

	// Seq is a per-session monotonically increasing sequence id, assigned at
	// the point the chunk enters the pipeline.
	Seq uint64
}

// Samples returns the number of PCM sample frames in the chunk.
func (c Chunk) Samples() int {
	if c.Channels <= 0 {
		return len(c.Data) / 2
	}
	return len(c.Data) / 2 / c.Channels
}
