// Package mock provides an in-memory Device for tests.
package mock

import (
	"sync"

	"github.com/sonobridge/sonobridge/pkg/audio"
)

// Device records every call made to it. The zero value is ready to use.
type Device struct {
	// OpenErr, if set, is returned from Open.
	OpenErr error

	// WriteErr, if set, is returned from every Write.
	WriteErr error

	mu      sync.Mutex
	opened  bool
	closed  bool
	format  audio.Format
	writes  [][]byte
	written int
}

// Open records the requested format.
func (d *Device) Open(format audio.Format) error {
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.format = format
	return nil
}

// Write records a copy of the PCM payload.
func (d *Device) Write(pcm []byte) error {
	if d.WriteErr != nil {
		return d.WriteErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.writes = append(d.writes, cp)
	d.written += len(pcm)
	return nil
}

// Close marks the device closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Opened reports whether Open was called.
func (d *Device) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Format returns the format passed to Open.
func (d *Device) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Writes returns copies of all recorded payloads in write order.
func (d *Device) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

// BytesWritten returns the total payload bytes across all writes.
func (d *Device) BytesWritten() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}
