package track

import (
	"testing"
	"time"

	"github.com/banshee-data/trackbox/internal/geo"
)

var (
	startFinish = geo.Point{Lat: 52.0786, Lon: -1.0169}
	base        = time.Date(2025, 7, 12, 9, 0, 0, 0, time.UTC)
)

func circuit() Geometry {
	return Geometry{
		Name:             "test circuit",
		Kind:             KindCircuit,
		StartFinish:      startFinish,
		StartFinishWidth: 20,
	}
}

func circuitWithSectors() Geometry {
	g := circuit()
	s1 := geo.Offset(startFinish, 900, 70)
	s2 := geo.Offset(startFinish, 1400, 200)
	g.Sector1 = &s1
	g.Sector2 = &s2
	return g
}

// at returns a point d metres from the start/finish line.
func at(d float64) geo.Point {
	if d == 0 {
		return startFinish
	}
	return geo.Offset(startFinish, d, 45)
}

func collect(t *testing.T, d *Detector, offset time.Duration, p geo.Point) []Event {
	t.Helper()
	return d.Observe(base.Add(offset), p)
}

func eventsOfType(events []Event, et EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func TestFirstCrossingOpensLapWithoutCompletion(t *testing.T) {
	d := NewDetector(circuit())

	events := collect(t, d, 0, at(5))
	if len(events) != 1 || events[0].Type != LapOpened {
		t.Fatalf("events = %+v, want single LapOpened", events)
	}
	if events[0].Lap != 1 {
		t.Errorf("lap number = %d, want 1", events[0].Lap)
	}
}

// Oscillating between 8 m and 12 m with a 10 m entry and 20 m exit
// radius must never produce a lap boundary: the car never leaves the
// zone, so re-entries are not crossings.
func TestHysteresisSuppressesJitter(t *testing.T) {
	d := NewDetector(circuit())

	var all []Event
	for i := 0; i < 200; i++ {
		dist := 8.0
		if i%2 == 1 {
			dist = 12.0
		}
		all = append(all, collect(t, d, time.Duration(i)*time.Second, at(dist))...)
	}

	if got := eventsOfType(all, LapCompleted); len(got) != 0 {
		t.Errorf("jitter produced %d lap completions", len(got))
	}
	if got := eventsOfType(all, LapOpened); len(got) != 1 {
		t.Errorf("jitter produced %d lap opens, want 1 (initial entry)", len(got))
	}
}

func TestLapCompletionScenario(t *testing.T) {
	d := NewDetector(circuit())

	// t=0: enter the zone, lap 1 opens
	events := collect(t, d, 0, at(0))
	if len(eventsOfType(events, LapOpened)) != 1 {
		t.Fatalf("no lap opened on first entry: %+v", events)
	}

	// t=2s: exit
	events = collect(t, d, 2*time.Second, at(30))
	if len(events) != 0 {
		t.Fatalf("exit emitted events: %+v", events)
	}

	// t=95s: re-enter well past the minimum duration guard
	events = collect(t, d, 95*time.Second, at(0))
	completed := eventsOfType(events, LapCompleted)
	if len(completed) != 1 {
		t.Fatalf("got %d completions, want 1 (events %+v)", len(completed), events)
	}
	if completed[0].Lap != 1 {
		t.Errorf("completed lap = %d, want 1", completed[0].Lap)
	}
	if completed[0].Duration != 95*time.Second {
		t.Errorf("duration = %v, want 95s", completed[0].Duration)
	}
	opened := eventsOfType(events, LapOpened)
	if len(opened) != 1 || opened[0].Lap != 2 {
		t.Errorf("lap 2 did not open: %+v", opened)
	}
}

func TestMinimumDurationGuard(t *testing.T) {
	d := NewDetector(circuit())

	collect(t, d, 0, at(0))              // open lap 1
	collect(t, d, 2*time.Second, at(30)) // exit

	// re-entry only 5s after exit: residual jitter, not a crossing
	events := collect(t, d, 7*time.Second, at(0))
	if len(events) != 0 {
		t.Fatalf("early re-entry emitted events: %+v", events)
	}

	// leaving and returning after a real lap still works
	collect(t, d, 9*time.Second, at(30))
	events = collect(t, d, 80*time.Second, at(0))
	if len(eventsOfType(events, LapCompleted)) != 1 {
		t.Errorf("real crossing after guard did not complete lap: %+v", events)
	}
}

func TestSectorSplits(t *testing.T) {
	g := circuitWithSectors()
	d := NewDetector(g)

	collect(t, d, 0, at(0))              // lap 1 opens
	collect(t, d, 2*time.Second, at(50)) // exit the zone

	events := collect(t, d, 30*time.Second, *g.Sector1)
	if len(events) != 1 || events[0].Type != SectorCrossed || events[0].Sector != 1 {
		t.Fatalf("sector1 events = %+v", events)
	}
	if events[0].Split != 30*time.Second {
		t.Errorf("sector1 split = %v, want 30s", events[0].Split)
	}

	// re-entering sector1 later in the lap must not re-trigger
	if ev := collect(t, d, 40*time.Second, *g.Sector1); len(ev) != 0 {
		t.Errorf("sector1 re-entry emitted %+v", ev)
	}

	collect(t, d, 45*time.Second, at(900)) // clear of both sector zones

	events = collect(t, d, 65*time.Second, *g.Sector2)
	if len(events) != 1 || events[0].Sector != 2 {
		t.Fatalf("sector2 events = %+v", events)
	}
	if events[0].Split != 35*time.Second {
		t.Errorf("sector2 split = %v, want 35s", events[0].Split)
	}

	events = collect(t, d, 90*time.Second, at(0))
	completed := eventsOfType(events, LapCompleted)
	if len(completed) != 1 {
		t.Fatalf("no completion: %+v", events)
	}
	c := completed[0]
	if c.Sector1 != 30*time.Second || c.Sector2 != 35*time.Second || c.Sector3 != 25*time.Second {
		t.Errorf("sectors = %v/%v/%v, want 30s/35s/25s", c.Sector1, c.Sector2, c.Sector3)
	}
	if c.Sector1+c.Sector2+c.Sector3 != c.Duration {
		t.Errorf("sector sum %v != lap duration %v", c.Sector1+c.Sector2+c.Sector3, c.Duration)
	}
}

func TestSectorDurationsNeverExceedLap(t *testing.T) {
	g := circuitWithSectors()
	d := NewDetector(g)

	collect(t, d, 0, at(0))
	collect(t, d, 2*time.Second, at(50))
	collect(t, d, 20*time.Second, *g.Sector1)
	collect(t, d, 40*time.Second, at(900))
	collect(t, d, 55*time.Second, *g.Sector2)
	events := collect(t, d, 70*time.Second, at(0))

	c := eventsOfType(events, LapCompleted)[0]
	for i, s := range []time.Duration{c.Sector1, c.Sector2, c.Sector3} {
		if s > c.Duration {
			t.Errorf("sector %d duration %v exceeds lap %v", i+1, s, c.Duration)
		}
	}
}

func TestMissedSectorLeavesSplitsZero(t *testing.T) {
	g := circuitWithSectors()
	d := NewDetector(g)

	collect(t, d, 0, at(0))
	collect(t, d, 2*time.Second, at(50))
	// never passes a sector point
	events := collect(t, d, 60*time.Second, at(0))

	c := eventsOfType(events, LapCompleted)[0]
	if c.Sector1 != 0 || c.Sector2 != 0 || c.Sector3 != 0 {
		t.Errorf("missed sectors recorded splits: %v/%v/%v", c.Sector1, c.Sector2, c.Sector3)
	}
}

func TestPointToPointIsInert(t *testing.T) {
	g := circuit()
	g.Kind = KindPointToPoint
	d := NewDetector(g)

	for i := 0; i < 50; i++ {
		if ev := collect(t, d, time.Duration(i)*time.Second, at(float64(i%30))); len(ev) != 0 {
			t.Fatalf("point-to-point emitted events: %+v", ev)
		}
	}
	if _, _, open := d.LapOpen(); open {
		t.Error("point-to-point opened a lap")
	}
}

func TestLapNumbersMonotonic(t *testing.T) {
	d := NewDetector(circuit())

	collect(t, d, 0, at(0))
	var laps []int
	offset := 2 * time.Second
	for lap := 0; lap < 3; lap++ {
		collect(t, d, offset, at(40)) // exit
		offset += 88 * time.Second
		for _, e := range collect(t, d, offset, at(0)) {
			if e.Type == LapCompleted {
				laps = append(laps, e.Lap)
			}
		}
		offset += 2 * time.Second
	}

	if len(laps) != 3 {
		t.Fatalf("completed %d laps, want 3", len(laps))
	}
	for i, n := range laps {
		if n != i+1 {
			t.Errorf("lap sequence %v, want [1 2 3]", laps)
			break
		}
	}
}
