package codec

// G.711 companded formats carried by telephony peers. Both decoders expand
// one companded byte per sample to linear 16-bit little-endian PCM.

// DecodeMuLaw expands µ-law (PCMU) bytes to linear PCM.
func DecodeMuLaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := muLawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeALaw expands A-law (PCMA) bytes to linear PCM.
func DecodeALaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := aLawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// muLawBias is the µ-law companding bias (ITU-T G.711).
const muLawBias = 0x84

func muLawToLinear(u byte) int16 {
	u = ^u
	t := int16(uint16(u&0x0f)<<3) + muLawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return muLawBias - t
	}
	return t - muLawBias
}

func aLawToLinear(a byte) int16 {
	a ^= 0x55
	t := int16(a&0x0f) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return t
	}
	return -t
}
