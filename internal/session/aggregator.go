package session

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trackbox/internal/monitoring"
	"github.com/banshee-data/trackbox/internal/telemetry"
	"github.com/banshee-data/trackbox/internal/track"
)

// DefaultBufferCap bounds the session-wide rolling sample buffer.
// Overflow batches are handed to the flush callback so memory stays
// bounded across long sessions.
const DefaultBufferCap = 10000

// FlushFunc receives overflow batches from the session sample buffer.
// It must not block: the aggregator calls it from the decode path and
// implementations hand the batch to a background writer.
type FlushFunc func(sessionID string, samples []telemetry.Sample)

// LapFunc receives each finalized lap record.
type LapFunc func(LapRecord)

// RecordFunc is signalled when a valid lap beats the provided track
// record.
type RecordFunc func(lap LapRecord)

// Aggregator owns the active session: it buffers samples per lap,
// consumes detector events, and produces lap records and session
// statistics. Like the detector it belongs to the single pipeline
// consumer goroutine.
type Aggregator struct {
	session *Record

	lapOpen    bool
	lapNumber  int
	lapStarted time.Time
	lapSamples []telemetry.Sample

	buffer    []telemetry.Sample
	bufferCap int

	bestLap     time.Duration
	trackRecord time.Duration

	onLap    LapFunc
	onRecord RecordFunc
	flush    FlushFunc
}

// NewAggregator creates an aggregator. trackRecord is the persisted
// best lap for this track (0 when none); onRecord fires when a valid
// lap improves on it. Any callback may be nil.
func NewAggregator(trackRecord time.Duration, onLap LapFunc, onRecord RecordFunc, flush FlushFunc) *Aggregator {
	return &Aggregator{
		bufferCap:   DefaultBufferCap,
		trackRecord: trackRecord,
		onLap:       onLap,
		onRecord:    onRecord,
		flush:       flush,
	}
}

// SetBufferCap overrides the rolling buffer bound (test hook and tuning
// knob for small devices).
func (a *Aggregator) SetBufferCap(n int) {
	if n > 0 {
		a.bufferCap = n
	}
}

// Start opens a new session over the given track. Any previous session
// must have been ended first.
func (a *Aggregator) Start(geom track.Geometry, started time.Time) *Record {
	a.session = &Record{
		ID:      uuid.New().String(),
		Track:   geom,
		Started: started,
	}
	a.lapOpen = false
	a.lapSamples = nil
	a.buffer = nil
	a.bestLap = 0
	return a.session
}

// Session returns the active session, or nil.
func (a *Aggregator) Session() *Record { return a.session }

// AddSample appends a decoded sample to the active lap's buffer and the
// session-wide rolling buffer.
func (a *Aggregator) AddSample(s telemetry.Sample) {
	if a.session == nil {
		return
	}
	if a.lapOpen {
		a.lapSamples = append(a.lapSamples, s)
	}
	a.buffer = append(a.buffer, s)
	if len(a.buffer) >= a.bufferCap {
		overflow := a.buffer
		a.buffer = nil
		if a.flush != nil {
			a.flush(a.session.ID, overflow)
		} else {
			monitoring.Logf("session: dropping %d buffered samples (no flush sink)", len(overflow))
		}
	}
}

// HandleEvent consumes one detector event.
func (a *Aggregator) HandleEvent(e track.Event) {
	if a.session == nil {
		return
	}
	switch e.Type {
	case track.LapOpened:
		a.lapOpen = true
		a.lapNumber = e.Lap
		a.lapStarted = e.Time
		a.lapSamples = nil
	case track.LapCompleted:
		a.closeLap(e)
	case track.SectorCrossed:
		// splits are carried on the completion event; nothing to do
		// here beyond acknowledging the crossing
	}
}

// closeLap builds the LapRecord for a completed lap, appends it to the
// session, and resets the lap-scoped buffer.
func (a *Aggregator) closeLap(e track.Event) {
	samples := a.lapSamples
	a.lapSamples = nil
	a.lapOpen = false

	rec := LapRecord{
		SessionID: a.session.ID,
		Number:    e.Lap,
		Started:   e.Start,
		Completed: e.Time,
		Duration:  e.Duration,
		Sector1:   e.Sector1,
		Sector2:   e.Sector2,
		Sector3:   e.Sector3,
		Valid:     true,
		Samples:   samples,
	}
	rec.MaxSpeed, rec.AvgSpeed = speedStats(samples)

	a.append(rec)
}

func (a *Aggregator) append(rec LapRecord) {
	a.session.Laps = append(a.session.Laps, rec)
	if a.onLap != nil {
		a.onLap(rec)
	}

	if !rec.Valid {
		return
	}
	if a.bestLap == 0 || rec.Duration < a.bestLap {
		a.bestLap = rec.Duration
	}
	if a.trackRecord == 0 || rec.Duration < a.trackRecord {
		a.trackRecord = rec.Duration
		if a.onRecord != nil {
			a.onRecord(rec)
		}
	}
}

// Abort finalizes a lap left open at session end or disconnect as
// invalid with the given reason, rather than dropping it.
func (a *Aggregator) Abort(reason string, at time.Time) {
	if a.session == nil || !a.lapOpen {
		return
	}
	samples := a.lapSamples
	a.lapSamples = nil
	a.lapOpen = false

	rec := LapRecord{
		SessionID:     a.session.ID,
		Number:        a.lapNumber,
		Started:       a.lapStarted,
		Completed:     at,
		Duration:      at.Sub(a.lapStarted),
		Valid:         false,
		InvalidReason: reason,
		Samples:       samples,
	}
	rec.MaxSpeed, rec.AvgSpeed = speedStats(samples)
	a.append(rec)
}

// End closes the session. An open lap is finalized invalid first. The
// returned record is immutable from here on.
func (a *Aggregator) End(at time.Time) *Record {
	if a.session == nil {
		return nil
	}
	a.Abort(InvalidReasonInterrupted, at)
	if a.flush != nil && len(a.buffer) > 0 {
		a.flush(a.session.ID, a.buffer)
	}
	a.buffer = nil
	a.session.Ended = at
	done := a.session
	a.session = nil
	return done
}

// BestLap returns the fastest valid lap duration of the session.
func (a *Aggregator) BestLap() (time.Duration, bool) {
	if a.bestLap == 0 {
		return 0, false
	}
	return a.bestLap, true
}

// Consistency returns the coefficient of variation of valid lap
// durations as a percentage. It is undefined (ok=false) with fewer
// than two valid laps.
func (a *Aggregator) Consistency() (float64, bool) {
	if a.session == nil {
		return 0, false
	}
	return Consistency(a.session.Laps)
}

// Consistency computes stddev/mean * 100 over the valid laps of the
// given records.
func Consistency(laps []LapRecord) (float64, bool) {
	var durations []float64
	for _, lap := range laps {
		if lap.Valid {
			durations = append(durations, lap.Duration.Seconds())
		}
	}
	if len(durations) < 2 {
		return 0, false
	}
	mean := stat.Mean(durations, nil)
	if mean == 0 {
		return 0, false
	}
	return stat.StdDev(durations, nil) / mean * 100, true
}

// speedStats computes max and mean speed over a lap's samples.
func speedStats(samples []telemetry.Sample) (maxSpeed, avg float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	speeds := make([]float64, len(samples))
	for i, s := range samples {
		speeds[i] = s.Speed
		if s.Speed > maxSpeed {
			maxSpeed = s.Speed
		}
	}
	return maxSpeed, stat.Mean(speeds, nil)
}

// NearestSample returns the sample in the lap closest in time to t,
// for aligning external video to telemetry. ok is false for a lap with
// no samples.
func NearestSample(lap LapRecord, t time.Time) (telemetry.Sample, bool) {
	if len(lap.Samples) == 0 {
		return telemetry.Sample{}, false
	}
	i := sort.Search(len(lap.Samples), func(i int) bool {
		return !lap.Samples[i].Time.Before(t)
	})
	if i == 0 {
		return lap.Samples[0], true
	}
	if i == len(lap.Samples) {
		return lap.Samples[len(lap.Samples)-1], true
	}
	before, after := lap.Samples[i-1], lap.Samples[i]
	if t.Sub(before.Time) <= after.Time.Sub(t) {
		return before, true
	}
	return after, true
}
