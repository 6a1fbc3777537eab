// Package command implements the request/response side of the logger
// protocol: building outgoing command frames, correlating them with
// terminal ACK/NACK responses, and managing streaming bulk transfers
// (history download, memory erase).
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/trackbox/internal/monitoring"
	"github.com/banshee-data/trackbox/internal/telemetry"
	"github.com/banshee-data/trackbox/internal/timeutil"
	"github.com/banshee-data/trackbox/internal/wire"
)

// DefaultTimeout bounds how long a command waits for its terminal
// response.
const DefaultTimeout = 3 * time.Second

// FrameWriter is the outgoing half of the transport.
type FrameWriter interface {
	WriteFrame(wire.Frame) error
}

// ProgressFunc receives the completion fraction (0..1) of a streaming
// operation, invoked once per intermediate frame.
type ProgressFunc func(fraction float64)

// Protocol serializes commands to the device one at a time. Callers may
// invoke it from any goroutine; commands queue behind each other and at
// most one is in flight on the transport.
type Protocol struct {
	w       FrameWriter
	clock   timeutil.Clock
	timeout time.Duration
	decoder *telemetry.Decoder

	// sendMu serializes command execution: the transport is never
	// asked to carry a second command before the first resolves.
	sendMu sync.Mutex

	mu          sync.Mutex
	pending     *pending
	memOpActive bool
	connected   bool
	status      *telemetry.DeviceStatus
}

type pending struct {
	msgID    byte
	done     chan error
	progress ProgressFunc
	samples  []telemetry.Sample
	expected int // total history records, for download progress

	// lastActivity is when the device last produced a frame for this
	// command, guarded by Protocol.mu. Streaming frames push it
	// forward, so the deadline measures inactivity rather than total
	// operation time.
	lastActivity time.Time
}

// New creates a Protocol over the given writer. A nil clock gets the
// real clock; a zero timeout gets DefaultTimeout. The decoder supplies
// the device-model battery interpretation for downloaded history.
func New(w FrameWriter, clock timeutil.Clock, timeout time.Duration, decoder *telemetry.Decoder) *Protocol {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if decoder == nil {
		decoder = &telemetry.Decoder{}
	}
	return &Protocol{
		w:         w,
		clock:     clock,
		timeout:   timeout,
		decoder:   decoder,
		connected: w != nil,
	}
}

// SetStatus records the latest device status. The command layer uses it
// for the memory lock precondition and download progress totals.
func (p *Protocol) SetStatus(st *telemetry.DeviceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = st
}

// Disconnect marks the transport gone and fails any pending command
// with ErrNotConnected. Safe to call more than once.
func (p *Protocol) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	if p.pending != nil {
		p.pending.done <- ErrNotConnected
		p.pending = nil
	}
}

// Unlock sends the 4-byte security code. On acknowledgement the cached
// lock state flips to unlocked. Unlock is itself a memory operation
// (exclusive with erase/download) but is exempt from the lock
// precondition, else a locked device could never be unlocked.
func (p *Protocol) Unlock(ctx context.Context, code uint32) error {
	if err := p.beginMemoryOp(false); err != nil {
		return err
	}
	defer p.endMemoryOp()

	p.mu.Lock()
	noSecurity := p.status != nil && !p.status.SecurityEnabled
	p.mu.Unlock()
	if noSecurity {
		// the device has no security feature to unlock; nothing is
		// written to the transport
		return ErrUnsupported
	}

	_, err := p.execute(ctx, unlockFrame(code), nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.status != nil {
		st := *p.status
		st.Unlocked = true
		p.status = &st
	}
	p.mu.Unlock()
	return nil
}

// SetPlatformConfig configures the GNSS dynamic platform model.
func (p *Protocol) SetPlatformConfig(ctx context.Context, cfg PlatformConfig) error {
	_, err := p.execute(ctx, platformConfigFrame(cfg), nil)
	return err
}

// SetRecordingConfig configures standalone recording.
func (p *Protocol) SetRecordingConfig(ctx context.Context, cfg RecordingConfig) error {
	_, err := p.execute(ctx, recordingConfigFrame(cfg), nil)
	return err
}

// Erase wipes recorded data. The device streams progress frames before
// the terminal acknowledgement; progress may be nil.
func (p *Protocol) Erase(ctx context.Context, progress ProgressFunc) error {
	if err := p.beginMemoryOp(true); err != nil {
		return err
	}
	defer p.endMemoryOp()

	_, err := p.execute(ctx, eraseFrame(), progress)
	return err
}

// Download streams all recorded history from the device, returning the
// decoded samples in device order. progress may be nil.
func (p *Protocol) Download(ctx context.Context, progress ProgressFunc) ([]telemetry.Sample, error) {
	if err := p.beginMemoryOp(true); err != nil {
		return nil, err
	}
	defer p.endMemoryOp()

	pd, err := p.execute(ctx, downloadFrame(), progress)
	if err != nil {
		return nil, err
	}
	return pd.samples, nil
}

// HandleFrame offers an incoming frame to the command layer for
// correlation. It reports whether the frame was consumed; the pipeline
// routes unconsumed frames to the live decode path.
func (p *Protocol) HandleFrame(f wire.Frame) bool {
	if f.Class != wire.ClassDevice {
		return false
	}

	p.mu.Lock()
	pd := p.pending
	p.mu.Unlock()

	switch f.ID {
	case wire.MsgIDAck, wire.MsgIDNack:
		if len(f.Payload) < 1 {
			monitoring.Logf("command: dropping truncated acknowledgement")
			return true
		}
		msgID := f.Payload[0]
		if pd == nil || pd.msgID != msgID {
			// stale response from an earlier timed-out command
			monitoring.Logf("command: uncorrelated response for 0x%02X", msgID)
			return true
		}
		if f.ID == wire.MsgIDAck {
			pd.done <- nil
		} else {
			nack := &NackError{MsgID: msgID}
			if len(f.Payload) > 1 {
				nack.Reason = f.Payload[1]
			}
			pd.done <- nack
		}
		return true

	case wire.MsgIDHistoryData:
		if pd == nil || pd.msgID != wire.MsgIDDownload {
			return false
		}
		p.touch(pd)
		msg, err := p.decoder.Decode(f)
		if err != nil {
			monitoring.Logf("command: bad history record: %v", err)
			return true
		}
		if s, ok := msg.(*telemetry.Sample); ok {
			pd.samples = append(pd.samples, *s)
			if pd.progress != nil && pd.expected > 0 {
				pd.progress(float64(len(pd.samples)) / float64(pd.expected))
			}
		}
		return true

	case wire.MsgIDErase:
		// one-byte progress percentage frames during an erase
		if pd == nil || pd.msgID != wire.MsgIDErase || len(f.Payload) != 1 {
			return false
		}
		p.touch(pd)
		if pd.progress != nil {
			pd.progress(float64(f.Payload[0]) / 100)
		}
		return true
	}
	return false
}

// execute performs one command round trip: register pending, write the
// frame, and wait for the terminal response, timeout, or cancellation.
func (p *Protocol) execute(ctx context.Context, f wire.Frame, progress ProgressFunc) (*pending, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	pd := &pending{
		msgID:        f.ID,
		done:         make(chan error, 1),
		progress:     progress,
		lastActivity: p.clock.Now(),
	}
	if f.ID == wire.MsgIDDownload && p.status != nil {
		pd.expected = int(p.status.StoredSamples)
	}
	p.pending = pd
	p.mu.Unlock()

	if err := p.w.WriteFrame(f); err != nil {
		p.clearPending(pd)
		return nil, fmt.Errorf("write command 0x%02X: %w", f.ID, err)
	}

	timer := p.clock.NewTimer(p.timeout)
	// the success path stops the timer so a stale expiry cannot fire
	// after the command already resolved
	defer func() { timer.Stop() }()

	for {
		select {
		case err := <-pd.done:
			p.clearPending(pd)
			return pd, err
		case <-timer.C():
			// Streaming frames count as responses: a download still
			// producing history records has not timed out. Only a
			// full quiet window fails the command.
			p.mu.Lock()
			idle := p.clock.Since(pd.lastActivity)
			p.mu.Unlock()
			if idle < p.timeout {
				timer = p.clock.NewTimer(p.timeout - idle)
				continue
			}
			p.clearPending(pd)
			return nil, ErrTimeout
		case <-ctx.Done():
			p.clearPending(pd)
			return nil, ctx.Err()
		}
	}
}

// touch restarts the inactivity window for the pending command.
func (p *Protocol) touch(pd *pending) {
	p.mu.Lock()
	pd.lastActivity = p.clock.Now()
	p.mu.Unlock()
}

func (p *Protocol) clearPending(pd *pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == pd {
		p.pending = nil
	}
}

func (p *Protocol) beginMemoryOp(requireUnlocked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	if p.memOpActive {
		return ErrOperationInProgress
	}
	if requireUnlocked && p.status != nil && p.status.Locked() {
		return ErrMemoryLocked
	}
	p.memOpActive = true
	return nil
}

func (p *Protocol) endMemoryOp() {
	p.mu.Lock()
	p.memOpActive = false
	p.mu.Unlock()
}
