package codec

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMillis bounds the decode buffer: Opus packets carry at most
// 60ms of audio.
const maxOpusFrameMillis = 60

// OpusDecoder decodes Opus packets to linear 16-bit little-endian PCM.
// The underlying decoder is stateful (packet loss concealment), so create
// one per inbound stream and do not share across sessions.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder producing PCM at the given rate and
// channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode expands one Opus packet to interleaved PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, errors.New("codec: empty opus packet")
	}
	frameSize := d.sampleRate * maxOpusFrameMillis / 1000
	samples, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// Wire format names accepted in JSON audio messages.
const (
	FormatLinear16 = "linear16"
	FormatMuLaw    = "mulaw"
	FormatALaw     = "alaw"
	FormatOpus     = "opus"
)

// DecodePayload converts a payload in the named wire format to linear PCM.
// linear16 is a passthrough. opus requires a non-nil decoder; the caller
// owns its lifecycle.
func DecodePayload(format string, payload []byte, opus *OpusDecoder) ([]byte, error) {
	switch format {
	case "", FormatLinear16:
		return payload, nil
	case FormatMuLaw:
		return DecodeMuLaw(payload), nil
	case FormatALaw:
		return DecodeALaw(payload), nil
	case FormatOpus:
		if opus == nil {
			return nil, errors.New("codec: no opus decoder for this stream")
		}
		return opus.Decode(payload)
	default:
		return nil, fmt.Errorf("codec: unsupported audio format %q", format)
	}
}
