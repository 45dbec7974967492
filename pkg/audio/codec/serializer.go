// Package codec converts between raw wire payloads and the pipeline's
// internal audio frame representation.
//
// The wire format is uncompressed 16-bit signed little-endian PCM, so the
// serializer is a lossless wrapper: Deserialize tags raw bytes with the
// session's negotiated format, Serialize unwraps them unchanged. Alternate
// inbound encodings (µ-law, A-law, Opus) are decoded to linear PCM by the
// payload decoders in this package before entering the pipeline.
package codec

import (
	"log/slog"

	"github.com/sonobridge/sonobridge/pkg/audio"
)

// Kind classifies a pipeline frame.
type Kind int

const (
	// KindAudio marks a frame carrying PCM sample data.
	KindAudio Kind = iota

	// KindControl marks a non-audio frame passing through the pipeline
	// (stage progress markers and similar). Control frames carry no sample
	// data and are never serialized to the wire as binary.
	KindControl
)

// String returns the human-readable name of the frame kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "AUDIO"
	case KindControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Frame is the internal representation of one unit of pipeline traffic.
type Frame struct {
	Kind       Kind
	Data       []byte
	SampleRate int
	Channels   int
	Seq        uint64
}

// Serializer converts between raw PCM byte buffers and Frames using the
// session's negotiated audio format. It holds no mutable state and is safe
// for concurrent use.
type Serializer struct {
	// Format is the audio format stamped onto deserialized frames.
	Format audio.Format
}

// NewSerializer returns a Serializer for the given negotiated format.
func NewSerializer(format audio.Format) *Serializer {
	return &Serializer{Format: format}
}

// Deserialize wraps a raw PCM payload in an audio Frame tagged with the
// serializer's format. Returns nil for an empty payload; the caller must
// treat nil as "drop, do not forward".
func (s *Serializer) Deserialize(data []byte) *Frame {
	if len(data) == 0 {
		slog.Warn("codec: dropping empty audio payload")
		return nil
	}
	return &Frame{
		Kind:       KindAudio,
		Data:       data,
		SampleRate: s.Format.SampleRate,
		Channels:   s.Format.Channels,
	}
}

// Serialize returns the frame's raw PCM bytes unchanged, or nil for frame
// kinds that carry no audio. The wire format is raw PCM matching the
// negotiated rate, so no re-encoding takes place:
// Serialize(*Deserialize(b)) == b for any non-empty b.
func (s *Serializer) Serialize(f Frame) []byte {
	if f.Kind != KindAudio {
		return nil
	}
	return f.Data
}
