package session

import (
	"math"
	"testing"
	"time"

	"github.com/banshee-data/trackbox/internal/geo"
	"github.com/banshee-data/trackbox/internal/telemetry"
	"github.com/banshee-data/trackbox/internal/track"
)

var testTrack = track.Geometry{
	Name:             "test circuit",
	Kind:             track.KindCircuit,
	StartFinish:      geo.Point{Lat: 52.0786, Lon: -1.0169},
	StartFinishWidth: 20,
}

var t0 = time.Date(2025, 7, 12, 9, 0, 0, 0, time.UTC)

func sampleAt(offset time.Duration, speed float64) telemetry.Sample {
	return telemetry.Sample{Time: t0.Add(offset), Speed: speed, FixValid: true}
}

func opened(lap int, at time.Duration) track.Event {
	return track.Event{Type: track.LapOpened, Lap: lap, Time: t0.Add(at), Start: t0.Add(at)}
}

func completed(lap int, start, end time.Duration) track.Event {
	return track.Event{
		Type: track.LapCompleted, Lap: lap,
		Time: t0.Add(end), Start: t0.Add(start),
		Duration: end - start,
	}
}

// runLaps drives the aggregator through n back-to-back laps of the
// given durations.
func runLaps(a *Aggregator, durations ...time.Duration) {
	var at time.Duration
	a.HandleEvent(opened(1, at))
	for i, d := range durations {
		end := at + d
		a.HandleEvent(completed(i+1, at, end))
		a.HandleEvent(opened(i+2, end))
		at = end
	}
}

func TestLapNumberingSequential(t *testing.T) {
	a := NewAggregator(0, nil, nil, nil)
	a.Start(testTrack, t0)
	runLaps(a, 92*time.Second, 90*time.Second, 94*time.Second)

	s := a.Session()
	if len(s.Laps) != 3 {
		t.Fatalf("laps = %d, want 3", len(s.Laps))
	}
	for i, lap := range s.Laps {
		if lap.Number != i+1 {
			t.Errorf("lap %d has number %d", i, lap.Number)
		}
		if !lap.Valid {
			t.Errorf("lap %d invalid", lap.Number)
		}
	}
}

func TestSpeedStatsFromLapSamples(t *testing.T) {
	a := NewAggregator(0, nil, nil, nil)
	a.Start(testTrack, t0)

	a.HandleEvent(opened(1, 0))
	for i, speed := range []float64{10, 20, 30, 40} {
		a.AddSample(sampleAt(time.Duration(i)*time.Second, speed))
	}
	a.HandleEvent(completed(1, 0, 90*time.Second))

	lap := a.Session().Laps[0]
	if lap.MaxSpeed != 40 {
		t.Errorf("MaxSpeed = %v, want 40", lap.MaxSpeed)
	}
	if math.Abs(lap.AvgSpeed-25) > 1e-9 {
		t.Errorf("AvgSpeed = %v, want 25", lap.AvgSpeed)
	}
	if len(lap.Samples) != 4 {
		t.Errorf("lap samples = %d, want 4", len(lap.Samples))
	}

	// the lap-scoped buffer was reset: new samples go to lap 2 only
	a.HandleEvent(opened(2, 90*time.Second))
	a.AddSample(sampleAt(91*time.Second, 55))
	a.HandleEvent(completed(2, 90*time.Second, 181*time.Second))
	if got := a.Session().Laps[1]; len(got.Samples) != 1 || got.MaxSpeed != 55 {
		t.Errorf("lap 2 samples = %d max %v, want 1/55", len(got.Samples), got.MaxSpeed)
	}
}

func TestConsistencyCoefficient(t *testing.T) {
	a := NewAggregator(0, nil, nil, nil)
	a.Start(testTrack, t0)
	runLaps(a, 90*time.Second, 89*time.Second, 91*time.Second)

	got, ok := a.Consistency()
	if !ok {
		t.Fatal("consistency undefined with 3 valid laps")
	}

	// independent computation: sample stddev / mean * 100
	d := []float64{90, 89, 91}
	mean := (d[0] + d[1] + d[2]) / 3
	var ss float64
	for _, x := range d {
		ss += (x - mean) * (x - mean)
	}
	want := math.Sqrt(ss/2) / mean * 100

	if math.Abs(got-want) > 1e-9 {
		t.Errorf("consistency = %v, want %v", got, want)
	}
}

func TestConsistencyUndefinedUnderTwoValidLaps(t *testing.T) {
	a := NewAggregator(0, nil, nil, nil)
	a.Start(testTrack, t0)

	if _, ok := a.Consistency(); ok {
		t.Error("consistency defined with no laps")
	}

	runLaps(a, 90*time.Second)
	if _, ok := a.Consistency(); ok {
		t.Error("consistency defined with one valid lap")
	}

	// an invalid lap does not count toward the metric
	a.Abort("session interrupted", t0.Add(300*time.Second))
	if _, ok := a.Consistency(); ok {
		t.Error("consistency defined with one valid + one invalid lap")
	}
}

func TestBestLapAndTrackRecordSignal(t *testing.T) {
	var records []LapRecord
	a := NewAggregator(95*time.Second, nil, func(lap LapRecord) { records = append(records, lap) }, nil)
	a.Start(testTrack, t0)
	runLaps(a, 97*time.Second, 93*time.Second, 94*time.Second, 91*time.Second)

	best, ok := a.BestLap()
	if !ok || best != 91*time.Second {
		t.Errorf("best lap = %v ok=%v, want 91s", best, ok)
	}

	// 93s beat the 95s record, then 91s beat 93s
	if len(records) != 2 {
		t.Fatalf("record signals = %d, want 2", len(records))
	}
	if records[0].Duration != 93*time.Second || records[1].Duration != 91*time.Second {
		t.Errorf("record durations = %v, %v", records[0].Duration, records[1].Duration)
	}
}

func TestInterruptedLapFinalizedInvalid(t *testing.T) {
	var laps []LapRecord
	a := NewAggregator(0, func(lap LapRecord) { laps = append(laps, lap) }, nil, nil)
	a.Start(testTrack, t0)

	a.HandleEvent(opened(1, 0))
	a.AddSample(sampleAt(time.Second, 33))

	done := a.End(t0.Add(42 * time.Second))
	if done == nil {
		t.Fatal("End returned nil")
	}
	if len(done.Laps) != 1 {
		t.Fatalf("laps = %d, want 1 (interrupted lap kept)", len(done.Laps))
	}
	lap := done.Laps[0]
	if lap.Valid {
		t.Error("interrupted lap marked valid")
	}
	if lap.InvalidReason != InvalidReasonInterrupted {
		t.Errorf("reason = %q, want %q", lap.InvalidReason, InvalidReasonInterrupted)
	}
	if lap.Duration != 42*time.Second {
		t.Errorf("duration = %v, want 42s", lap.Duration)
	}
	if !done.Ended.Equal(t0.Add(42 * time.Second)) {
		t.Errorf("session end = %v", done.Ended)
	}
	if a.Session() != nil {
		t.Error("session still active after End")
	}
}

func TestBufferFlushOnOverflow(t *testing.T) {
	var flushed [][]telemetry.Sample
	a := NewAggregator(0, nil, nil, func(id string, batch []telemetry.Sample) {
		flushed = append(flushed, batch)
	})
	a.Start(testTrack, t0)
	a.SetBufferCap(10)

	a.HandleEvent(opened(1, 0))
	for i := 0; i < 25; i++ {
		a.AddSample(sampleAt(time.Duration(i)*time.Second, 20))
	}

	if len(flushed) != 2 {
		t.Fatalf("flushes = %d, want 2", len(flushed))
	}
	if len(flushed[0]) != 10 || len(flushed[1]) != 10 {
		t.Errorf("flush sizes = %d, %d, want 10, 10", len(flushed[0]), len(flushed[1]))
	}

	// End flushes the remainder
	a.End(t0.Add(time.Hour))
	if len(flushed) != 3 || len(flushed[2]) != 5 {
		t.Fatalf("final flush missing: %d batches", len(flushed))
	}
}

func TestNearestSample(t *testing.T) {
	lap := LapRecord{
		Samples: []telemetry.Sample{
			sampleAt(0, 10),
			sampleAt(1*time.Second, 20),
			sampleAt(2*time.Second, 30),
		},
	}

	cases := []struct {
		at        time.Duration
		wantSpeed float64
	}{
		{-5 * time.Second, 10},       // before the lap
		{400 * time.Millisecond, 10}, // closer to sample 0
		{600 * time.Millisecond, 20}, // closer to sample 1
		{1 * time.Second, 20},        // exact hit
		{10 * time.Second, 30},       // after the lap
	}
	for _, tc := range cases {
		got, ok := NearestSample(lap, t0.Add(tc.at))
		if !ok {
			t.Fatalf("at %v: no sample", tc.at)
		}
		if got.Speed != tc.wantSpeed {
			t.Errorf("at %v: speed %v, want %v", tc.at, got.Speed, tc.wantSpeed)
		}
	}

	if _, ok := NearestSample(LapRecord{}, t0); ok {
		t.Error("empty lap returned a sample")
	}
}

func TestSamplesIgnoredWithoutSession(t *testing.T) {
	a := NewAggregator(0, nil, nil, nil)
	a.AddSample(sampleAt(0, 10)) // must not panic
	a.HandleEvent(opened(1, 0))
	if a.Session() != nil {
		t.Error("events without a session created one")
	}
}
