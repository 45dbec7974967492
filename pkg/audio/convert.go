package audio

import "math"

// sincTaps is the number of kernel taps on each side of the interpolation
// point. 8 taps per side keeps aliasing below audibility for speech while
// staying cheap enough for the per-chunk playback path.
const sincTaps = 8

// ResampleMono16 resamples 16-bit mono little-endian PCM from srcRate to
// dstRate using windowed-sinc (band-limited) interpolation. The output length
// is round(srcSamples * dstRate / srcRate) samples; every output sample is
// clamped to the int16 range. If srcRate == dstRate the input is returned
// unchanged.
//
// The function is stateless and safe for concurrent use from multiple
// sessions.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(math.Round(float64(srcSamples) * float64(dstRate) / float64(srcRate)))
	if dstSamples == 0 {
		return nil
	}

	src := make([]float64, srcSamples)
	for i := range src {
		src[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}

	// When downsampling, the kernel cutoff must drop to the new Nyquist
	// frequency to suppress aliasing.
	cutoff := 1.0
	if dstRate < srcRate {
		cutoff = float64(dstRate) / float64(srcRate)
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		center := float64(i) * step
		left := int(math.Floor(center)) - sincTaps + 1
		right := int(math.Floor(center)) + sincTaps

		var acc, norm float64
		for j := left; j <= right; j++ {
			w := windowedSinc((float64(j)-center)*cutoff, float64(j)-center)
			norm += w
			idx := j
			if idx < 0 {
				idx = 0
			} else if idx >= srcSamples {
				idx = srcSamples - 1
			}
			acc += src[idx] * w
		}
		if norm != 0 {
			acc /= norm
		}

		s := clamp16(acc)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// windowedSinc evaluates sinc(x) shaped by a Hann window over the tap span.
// x is the cutoff-scaled offset; t is the raw offset used for the window.
func windowedSinc(x, t float64) float64 {
	if math.Abs(t) >= sincTaps {
		return 0
	}
	window := 0.5 + 0.5*math.Cos(math.Pi*t/sincTaps)
	if x == 0 {
		return window
	}
	px := math.Pi * x
	return window * math.Sin(px) / px
}

// clamp16 rounds v to the nearest integer and clamps it to the int16 range.
func clamp16(v float64) int16 {
	r := math.Round(v)
	if r > 32767 {
		return 32767
	}
	if r < -32768 {
		return -32768
	}
	return int16(r)
}

// MonoToChannels expands mono int16 PCM to an interleaved buffer with the
// given channel count by repeating each sample. channels <= 1 is a
// passthrough. Stateless and safe for concurrent use.
func MonoToChannels(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, samples*channels*2)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		base := i * channels * 2
		for c := range channels {
			out[base+c*2] = lo
			out[base+c*2+1] = hi
		}
	}
	return out
}

// ConvertMono resamples mono PCM to the target rate and then expands it to the
// target channel count. This is the playback-path conversion: input is always
// mono (the wire format), output matches the device format.
func ConvertMono(pcm []byte, srcRate int, target Format) []byte {
	out := ResampleMono16(pcm, srcRate, target.SampleRate)
	return MonoToChannels(out, target.Channels)
}
