package codec_test

import (
	"bytes"
	"testing"

	"github.com/sonobridge/sonobridge/pkg/audio"
	"github.com/sonobridge/sonobridge/pkg/audio/codec"
)

func TestSerializerRoundTrip(t *testing.T) {
	s := codec.NewSerializer(audio.Format{SampleRate: 16000, Channels: 1})

	payloads := [][]byte{
		{0x01},
		{0x00, 0x00},
		bytes.Repeat([]byte{0xAB, 0xCD}, 320),
	}
	for _, p := range payloads {
		f := s.Deserialize(p)
		if f == nil {
			t.Fatalf("Deserialize(%d bytes) returned nil", len(p))
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame format = %d/%d, want 16000/1", f.SampleRate, f.Channels)
		}
		got := s.Serialize(*f)
		if !bytes.Equal(got, p) {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(p))
		}
	}
}

func TestSerializerEmptyInput(t *testing.T) {
	s := codec.NewSerializer(audio.Format{SampleRate: 16000, Channels: 1})
	if f := s.Deserialize(nil); f != nil {
		t.Errorf("Deserialize(nil) = %+v, want nil", f)
	}
	if f := s.Deserialize([]byte{}); f != nil {
		t.Errorf("Deserialize(empty) = %+v, want nil", f)
	}
}

func TestSerializeControlFrame(t *testing.T) {
	s := codec.NewSerializer(audio.Format{SampleRate: 16000, Channels: 1})
	f := codec.Frame{Kind: codec.KindControl, Data: []byte{1, 2, 3}}
	if got := s.Serialize(f); got != nil {
		t.Errorf("Serialize(control) = %v, want nil", got)
	}
}

func TestDecodeMuLaw(t *testing.T) {
	// 0xFF encodes zero; 0x7F encodes zero on the negative branch.
	out := codec.DecodeMuLaw([]byte{0xFF, 0x7F})
	if len(out) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(out))
	}
	s0 := int16(out[0]) | int16(out[1])<<8
	s1 := int16(out[2]) | int16(out[3])<<8
	if s0 != 0 {
		t.Errorf("decode 0xFF: got %d, want 0", s0)
	}
	if s1 != 0 {
		t.Errorf("decode 0x7F: got %d, want 0", s1)
	}
}

func TestDecodeMuLawExtremes(t *testing.T) {
	// 0x00 is the most negative µ-law code, 0x80 the most positive.
	out := codec.DecodeMuLaw([]byte{0x00, 0x80})
	neg := int16(out[0]) | int16(out[1])<<8
	pos := int16(out[2]) | int16(out[3])<<8
	if neg != -32124 {
		t.Errorf("decode 0x00: got %d, want -32124", neg)
	}
	if pos != 32124 {
		t.Errorf("decode 0x80: got %d, want 32124", pos)
	}
}

func TestDecodeALaw(t *testing.T) {
	// 0xD5 (0x80 after XOR 0x55) decodes to +8, the smallest positive step.
	out := codec.DecodeALaw([]byte{0xD5, 0x55})
	s0 := int16(out[0]) | int16(out[1])<<8
	s1 := int16(out[2]) | int16(out[3])<<8
	if s0 != 8 {
		t.Errorf("decode 0xD5: got %d, want 8", s0)
	}
	if s1 != -8 {
		t.Errorf("decode 0x55: got %d, want -8", s1)
	}
}

func TestDecodePayloadDispatch(t *testing.T) {
	pcm := []byte{0x10, 0x20, 0x30, 0x40}

	t.Run("linear16 passthrough", func(t *testing.T) {
		out, err := codec.DecodePayload(codec.FormatLinear16, pcm, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, pcm) {
			t.Error("linear16 must pass through unchanged")
		}
	})

	t.Run("empty format defaults to linear16", func(t *testing.T) {
		out, err := codec.DecodePayload("", pcm, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, pcm) {
			t.Error("empty format must pass through unchanged")
		}
	})

	t.Run("mulaw expands", func(t *testing.T) {
		out, err := codec.DecodePayload(codec.FormatMuLaw, []byte{0xFF, 0xFF}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 4 {
			t.Errorf("expected 4 bytes, got %d", len(out))
		}
	})

	t.Run("opus without decoder", func(t *testing.T) {
		if _, err := codec.DecodePayload(codec.FormatOpus, []byte{1}, nil); err == nil {
			t.Error("expected error for opus payload without decoder")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := codec.DecodePayload("g729", pcm, nil); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}
