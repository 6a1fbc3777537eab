// Package devicemux provides an abstraction over a lap-timer device link
// with serialized frame writes and a single monitored read loop feeding
// raw bytes downstream.
package devicemux

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/trackbox/internal/wire"
)

var ErrWriteFailed = fmt.Errorf("failed to write to device port")

const readBufSize = 512

// Mux owns a single device port. Frame writes from concurrent callers are
// serialized; reads happen on one Monitor loop.
type Mux[T DevicePorter] struct {
	port      T
	writeMu   sync.Mutex
	closing   bool
	closingMu sync.Mutex
}

// NewMux creates a Mux backed by the given port.
func NewMux[T DevicePorter](port T) *Mux[T] {
	return &Mux[T]{port: port}
}

// WriteFrame encodes and writes a single frame to the device.
func (m *Mux[T]) WriteFrame(f wire.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	buf := wire.Encode(f)
	n, err := m.port.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads raw byte chunks from the device and hands each one to
// sink. Chunk boundaries carry no meaning; the sink is expected to run
// its own frame assembly. Monitor returns when the context is cancelled,
// the port reaches EOF, or a read fails.
func (m *Mux[T]) Monitor(ctx context.Context, sink func([]byte)) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// The blocking port.Read runs in its own goroutine so the outer loop
	// can await chunks and context cancellation together.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, readBufSize)
		for {
			n, err := m.port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			return err

		case chunk, ok := <-chunkChan:
			if !ok {
				return nil
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			sink(chunk)
		}
	}
}

// Close closes the device port and stops delivery of any read in flight.
func (m *Mux[T]) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()
	return m.port.Close()
}
