// Package pipeline runs the single-consumer decode loop: raw transport
// chunks are queued, assembled into frames, decoded, and dispatched to
// the command correlator, the lap detector, and the session aggregator
// in strict arrival order.
package pipeline

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/banshee-data/trackbox/internal/command"
	"github.com/banshee-data/trackbox/internal/geo"
	"github.com/banshee-data/trackbox/internal/monitoring"
	"github.com/banshee-data/trackbox/internal/session"
	"github.com/banshee-data/trackbox/internal/telemetry"
	"github.com/banshee-data/trackbox/internal/track"
	"github.com/banshee-data/trackbox/internal/wire"
)

// DefaultQueueDepth bounds the transport chunk queue. At 25 Hz and one
// record per frame this is several seconds of headroom.
const DefaultQueueDepth = 256

// Event is one pipeline output delivered to subscribers. Exactly one
// field is set.
type Event struct {
	Sample *telemetry.Sample
	Lap    *session.LapRecord
	Status *telemetry.DeviceStatus
}

// Config wires the pipeline's collaborators. Commands, Detector and
// Aggregator may each be nil; the corresponding dispatch step is then
// skipped.
type Config struct {
	Model      telemetry.DeviceModel
	QueueDepth int
	Commands   *command.Protocol
	Detector   *track.Detector
	Aggregator *session.Aggregator
}

// Pipeline is the owning consumer of the decode path. OnBytes may be
// called from any goroutine; everything downstream of the queue runs on
// the single Run goroutine.
type Pipeline struct {
	queue     chan []byte
	assembler wire.Assembler
	decoder   telemetry.Decoder
	cmd       *command.Protocol
	detector  *track.Detector

	aggMu sync.Mutex
	agg   *session.Aggregator

	subscriberMu sync.Mutex
	subscribers  map[string]chan Event

	statusMu    sync.Mutex
	status      telemetry.DeviceStatus
	statusKnown bool

	droppedMu     sync.Mutex
	droppedChunks uint64
}

// New creates a pipeline from the given configuration.
func New(cfg Config) *Pipeline {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Pipeline{
		queue:       make(chan []byte, depth),
		decoder:     telemetry.Decoder{Model: cfg.Model},
		cmd:         cfg.Commands,
		detector:    cfg.Detector,
		agg:         cfg.Aggregator,
		subscribers: make(map[string]chan Event),
	}
}

// SetAggregator attaches the session aggregator. The aggregator usually
// publishes completed laps back through PublishLap, so it is constructed
// after the pipeline and attached here before Run starts.
func (p *Pipeline) SetAggregator(agg *session.Aggregator) {
	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	p.agg = agg
}

func (p *Pipeline) aggregator() *session.Aggregator {
	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	return p.agg
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving pipeline events. The
// returned ID identifies the channel when unsubscribing. Slow consumers
// miss events rather than stalling the decode loop.
func (p *Pipeline) Subscribe() (string, chan Event) {
	id := randomID()
	ch := make(chan Event, 16)
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Pipeline) Unsubscribe(id string) {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

func (p *Pipeline) publish(e Event) {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- e:
		default:
			// never block the decode loop on a slow subscriber
		}
	}
}

// PublishLap fans a completed lap out to subscribers. Wired as the
// aggregator's lap callback.
func (p *Pipeline) PublishLap(lap session.LapRecord) {
	p.publish(Event{Lap: &lap})
}

// OnBytes enqueues one transport chunk. If the queue is full the chunk is
// dropped and counted; the assembler resynchronizes on the gap.
func (p *Pipeline) OnBytes(chunk []byte) {
	select {
	case p.queue <- chunk:
	default:
		p.droppedMu.Lock()
		p.droppedChunks++
		n := p.droppedChunks
		p.droppedMu.Unlock()
		monitoring.Logf("pipeline: queue full, dropped chunk (%d total)", n)
	}
}

// DroppedChunks reports how many transport chunks were discarded because
// the queue was full.
func (p *Pipeline) DroppedChunks() uint64 {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	return p.droppedChunks
}

// Status returns the most recent device status, if one has been seen.
func (p *Pipeline) Status() (telemetry.DeviceStatus, bool) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status, p.statusKnown
}

// Run consumes the chunk queue until the context is cancelled. It must
// only be called once; detector and aggregator state is owned by this
// goroutine.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-p.queue:
			for _, f := range p.assembler.Feed(chunk) {
				p.dispatch(f)
			}
		}
	}
}

func (p *Pipeline) dispatch(f wire.Frame) {
	// Command responses and in-download history frames are consumed by
	// the correlator; everything else is live traffic.
	if p.cmd != nil && p.cmd.HandleFrame(f) {
		return
	}

	msg, err := p.decoder.Decode(f)
	if err != nil {
		monitoring.Logf("pipeline: dropping frame class=%#02x id=%#02x: %v", f.Class, f.ID, err)
		return
	}

	switch m := msg.(type) {
	case *telemetry.Sample:
		p.handleSample(m)
	case *telemetry.DeviceStatus:
		p.handleStatus(m)
	case *telemetry.AckNack:
		// terminal response with no pending command; already logged by
		// the correlator path when relevant
	case *telemetry.Unrecognized:
		monitoring.Logf("pipeline: unrecognized message class=%#02x id=%#02x len=%d", f.Class, f.ID, len(f.Payload))
	}
}

func (p *Pipeline) handleSample(s *telemetry.Sample) {
	agg := p.aggregator()
	if agg != nil {
		agg.AddSample(*s)
	}
	// positions without a valid fix would feed garbage distances into
	// the geofences, and a zero timestamp (date/time validity bits
	// unset) would corrupt lap durations
	if p.detector != nil && s.FixValid && !s.Time.IsZero() {
		events := p.detector.Observe(s.Time, geo.Point{Lat: s.Latitude, Lon: s.Longitude})
		if agg != nil {
			for _, ev := range events {
				agg.HandleEvent(ev)
			}
		}
	}
	p.publish(Event{Sample: s})
}

func (p *Pipeline) handleStatus(st *telemetry.DeviceStatus) {
	p.statusMu.Lock()
	p.status = *st
	p.statusKnown = true
	p.statusMu.Unlock()

	if p.cmd != nil {
		p.cmd.SetStatus(st)
	}
	p.publish(Event{Status: st})
}

// Shutdown tears the pipeline down after Run has been cancelled: pending
// commands fail with a not-connected error, an open lap is finalized as
// invalid rather than lost, and subscriber channels are closed.
func (p *Pipeline) Shutdown(at time.Time) {
	if p.cmd != nil {
		p.cmd.Disconnect()
	}
	if agg := p.aggregator(); agg != nil {
		agg.Abort(session.InvalidReasonInterrupted, at)
	}

	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
}
