// Package playback implements the bounded playback buffer that decouples
// network arrival rate from output-device consumption rate.
//
// The buffer is deliberately lossy in both directions: on overflow the oldest
// chunk is evicted (live audio prefers recency over completeness), and on
// starvation the consumer proceeds after a short timeout without inserting
// silence. Both events are counted and surfaced in the final stats rather
// than treated as errors.
package playback

import "github.com/sonobridge/sonobridge/pkg/audio"

// Device is an audio output sink exclusively owned by one session's playback
// buffer. Implementations wrap a sound API or a test double.
type Device interface {
	// Open prepares the device for PCM writes in the given format.
	Open(format audio.Format) error

	// Write sends one interleaved PCM buffer to the device. Write may block
	// for the duration of the audio it accepts.
	Write(pcm []byte) error

	// Close releases the device. Write after Close returns an error.
	Close() error
}
