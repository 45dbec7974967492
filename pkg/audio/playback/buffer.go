package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sonobridge/sonobridge/pkg/audio"
)

const (
	// DefaultCapacity bounds the queue at 20 chunks, roughly 400ms of audio
	// at 20ms per chunk.
	DefaultCapacity = 20

	// DefaultWaitTimeout is how long the consumer waits for the next chunk
	// before counting an underrun and looping again.
	DefaultWaitTimeout = 100 * time.Millisecond
)

// State is the lifecycle state of a Buffer.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateStopping
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Stats reports playback counters. Returned by value; safe to retain.
type Stats struct {
	// ChunksPlayed is the number of chunks written to the device.
	ChunksPlayed uint64

	// BytesPlayed is the total source PCM bytes written (before resampling).
	BytesPlayed uint64

	// Overruns counts oldest-chunk evictions forced by a full queue.
	Overruns uint64

	// Underruns counts consumer wait timeouts with no chunk available.
	Underruns uint64

	// Rejected counts chunks offered while the buffer was not started.
	Rejected uint64
}

// Option is a functional option for configuring a Buffer.
type Option func(*Buffer)

// WithCapacity overrides the default queue capacity.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithWaitTimeout overrides the consumer's per-chunk wait timeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.waitTimeout = d
		}
	}
}

// Buffer is a bounded FIFO of audio chunks with a drop-oldest overflow
// policy, driving a continuous consumer loop that resamples each chunk to
// the device format and writes it out.
//
// All methods are safe for concurrent use. Enqueue never blocks.
type Buffer struct {
	device      Device
	target      audio.Format
	capacity    int
	waitTimeout time.Duration

	mu    sync.Mutex
	queue []audio.Chunk
	state State
	stats Stats

	// notify wakes the consumer when a chunk is enqueued or state changes.
	notify chan struct{}

	// done is closed when the consumer loop exits.
	done chan struct{}
}

// New creates a Buffer writing to device in the given target format.
func New(device Device, target audio.Format, opts ...Option) *Buffer {
	b := &Buffer{
		device:      device,
		target:      target,
		capacity:    DefaultCapacity,
		waitTimeout: DefaultWaitTimeout,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start opens the device and launches the consumer loop. A device open
// failure leaves the buffer in IDLE so the session can degrade to
// playback-disabled instead of refusing the connection.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("playback: start from state %s", state)
	}
	b.mu.Unlock()

	if err := b.device.Open(b.target); err != nil {
		return fmt.Errorf("playback: open device: %w", err)
	}

	b.mu.Lock()
	b.state = StateStarted
	b.mu.Unlock()

	go b.consume(ctx)
	return nil
}

// Enqueue offers a chunk without blocking. If the queue is at capacity the
// oldest chunk is evicted first and the overrun counter incremented. A chunk
// offered while the buffer is not started is rejected with a warning.
func (b *Buffer) Enqueue(chunk audio.Chunk) bool {
	b.mu.Lock()
	if b.state != StateStarted {
		b.stats.Rejected++
		state := b.state
		b.mu.Unlock()
		slog.Warn("playback: chunk rejected, buffer not started",
			"state", state.String(),
			"bytes", len(chunk.Data),
		)
		return false
	}
	if len(b.queue) >= b.capacity {
		// Drop oldest: late audio is useless in a live stream.
		b.queue = b.queue[1:]
		b.stats.Overruns++
	}
	b.queue = append(b.queue, chunk)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Stop transitions to STOPPING, lets the consumer flush every remaining
// chunk through the normal resample/write path, closes the device, and
// returns the final counters. Safe to call more than once; subsequent calls
// return the same stats.
func (b *Buffer) Stop() Stats {
	b.mu.Lock()
	switch b.state {
	case StateIdle:
		b.state = StateStopped
		b.mu.Unlock()
		return b.Stats()
	case StateStopped:
		b.mu.Unlock()
		return b.Stats()
	case StateStarted:
		b.state = StateStopping
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	<-b.done

	// The consumer may have entered STOPPING on its own when its context was
	// cancelled; whichever Stop call wins the transition closes the device.
	b.mu.Lock()
	if b.state == StateStopped {
		stats := b.stats
		b.mu.Unlock()
		return stats
	}
	b.state = StateStopped
	stats := b.stats
	b.mu.Unlock()

	if err := b.device.Close(); err != nil {
		slog.Warn("playback: close device", "err", err)
	}

	slog.Info("playback stopped",
		"chunks_played", stats.ChunksPlayed,
		"bytes_played", stats.BytesPlayed,
		"overruns", stats.Overruns,
		"underruns", stats.Underruns,
	)
	return stats
}

// State returns the current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Len returns the number of queued chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// consume is the per-buffer consumer goroutine. It runs until the buffer
// leaves STARTED and the queue is drained. Context cancellation moves the
// buffer to STOPPING, so the remaining queue still drains before exit.
func (b *Buffer) consume(ctx context.Context) {
	defer close(b.done)

	timer := time.NewTimer(b.waitTimeout)
	defer timer.Stop()

	for {
		chunk, ok, stopping := b.pop()
		if ok {
			b.play(chunk)
			continue
		}
		if stopping {
			return
		}

		// Queue empty: wait up to the timeout for the next chunk. On
		// timeout the loop continues without writing silence; live audio
		// is lossy.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.waitTimeout)

		select {
		case <-ctx.Done():
			// Cancellation stops intake but not the drain: chunks already
			// accepted still play before the loop exits.
			b.mu.Lock()
			if b.state == StateStarted {
				b.state = StateStopping
			}
			b.mu.Unlock()
		case <-b.notify:
		case <-timer.C:
			b.mu.Lock()
			b.stats.Underruns++
			b.mu.Unlock()
		}
	}
}

// pop removes the oldest queued chunk. stopping reports whether the buffer
// has left STARTED, in which case an empty queue means the drain is done.
func (b *Buffer) pop() (chunk audio.Chunk, ok bool, stopping bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		chunk = b.queue[0]
		b.queue = b.queue[1:]
		return chunk, true, false
	}
	return audio.Chunk{}, false, b.state != StateStarted
}

// play converts one chunk to the device format and writes it. Write failures
// are logged with diagnostic context but never terminate the loop.
func (b *Buffer) play(chunk audio.Chunk) {
	pcm := audio.ConvertMono(chunk.Data, chunk.SampleRate, b.target)
	if err := b.device.Write(pcm); err != nil {
		b.mu.Lock()
		queued := len(b.queue)
		state := b.state
		b.mu.Unlock()
		slog.Error("playback: device write failed",
			"err", err,
			"chunk_seq", chunk.Seq,
			"chunk_bytes", len(chunk.Data),
			"queued", queued,
			"state", state.String(),
		)
		return
	}
	b.mu.Lock()
	b.stats.ChunksPlayed++
	b.stats.BytesPlayed += uint64(len(chunk.Data))
	b.mu.Unlock()
}
