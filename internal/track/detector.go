package track

import (
	"time"

	"github.com/banshee-data/trackbox/internal/geo"
)

// Detector thresholds. Sector points use fixed radii; the start/finish
// zone derives its radii from the configured line width. Entry and exit
// use different thresholds so GPS jitter at the boundary cannot toggle
// the zone state.
const (
	sectorEnterRadius = 15.0 // metres
	sectorExitRadius  = 20.0

	// MinLapDuration rejects re-triggers while the car is still in or
	// re-entering the start/finish zone after a crossing.
	MinLapDuration = 10 * time.Second
)

// EventType identifies a detector event.
type EventType int

const (
	// LapOpened fires when a lap begins, including the first lap of
	// the session (which has no matching completion beforehand).
	LapOpened EventType = iota
	// LapCompleted fires when the car crosses start/finish with a lap
	// open; the next lap opens at the same instant.
	LapCompleted
	// SectorCrossed fires when an armed sector point is entered.
	SectorCrossed
)

// Event is one lap-boundary or sector crossing.
type Event struct {
	Type EventType
	Lap  int       // 1-based lap number
	Time time.Time // sample timestamp that triggered the event

	// LapCompleted only
	Start    time.Time
	Duration time.Duration
	Sector1  time.Duration // 0 when the crossing was missed
	Sector2  time.Duration
	Sector3  time.Duration

	// SectorCrossed only
	Sector int           // 1 or 2
	Split  time.Duration // elapsed since lap start (s1) or since s1 (s2)
}

// zone tracks hysteresis state for one geofence.
type zone struct {
	point  geo.Point
	enter  float64
	exit   float64
	inside bool
}

// update advances the zone state for a position and reports a fresh
// entry or exit transition.
func (z *zone) update(p geo.Point) (entered, exited bool) {
	d := geo.Distance(p, z.point)
	switch {
	case !z.inside && d < z.enter:
		z.inside = true
		return true, false
	case z.inside && d > z.exit:
		z.inside = false
		return false, true
	}
	return false, false
}

// Detector consumes the ordered sample stream for one session and emits
// lap and sector events. It is owned by the single pipeline consumer
// and is not safe for concurrent use.
type Detector struct {
	geom Geometry

	startFinish zone
	sector1     *zone
	sector2     *zone

	lapOpen      bool
	lapNumber    int
	lapStart     time.Time
	lastZoneExit time.Time

	sector1Armed bool
	sector2Armed bool
	sector1At    time.Time
	sector2At    time.Time

	minLap time.Duration
}

// NewDetector builds a detector for the given geometry. For
// point-to-point tracks the detector is inert: the semantics of
// repeated runs between distinct points are unresolved, and a wrong
// guess here would silently corrupt timing, so Observe returns nothing.
func NewDetector(geom Geometry) *Detector {
	d := &Detector{
		geom: geom,
		startFinish: zone{
			point: geom.StartFinish,
			enter: geom.StartFinishWidth / 2,
			exit:  geom.StartFinishWidth,
		},
		minLap: MinLapDuration,
	}
	if geom.Sector1 != nil {
		d.sector1 = &zone{point: *geom.Sector1, enter: sectorEnterRadius, exit: sectorExitRadius}
	}
	if geom.Sector2 != nil {
		d.sector2 = &zone{point: *geom.Sector2, enter: sectorEnterRadius, exit: sectorExitRadius}
	}
	return d
}

// Geometry returns the track this detector was built for.
func (d *Detector) Geometry() Geometry { return d.geom }

// LapOpen reports whether a lap is currently being timed, and its
// number and start time if so.
func (d *Detector) LapOpen() (int, time.Time, bool) {
	return d.lapNumber, d.lapStart, d.lapOpen
}

// Observe advances the detector with one position sample and returns
// any events it triggered, in order. Samples must arrive in timestamp
// order.
func (d *Detector) Observe(t time.Time, p geo.Point) []Event {
	if d.geom.Kind != KindCircuit {
		return nil
	}

	var events []Event

	entered, exited := d.startFinish.update(p)
	switch {
	case entered:
		events = append(events, d.startFinishEntered(t)...)
	case exited:
		d.lastZoneExit = t
	}

	events = append(events, d.observeSectors(t, p)...)
	return events
}

func (d *Detector) startFinishEntered(t time.Time) []Event {
	if !d.lapOpen {
		// first crossing of the session just opens lap 1
		return []Event{d.openLap(t)}
	}
	if d.lastZoneExit.IsZero() || t.Sub(d.lastZoneExit) < d.minLap {
		// jitter re-entry, not a new crossing
		return nil
	}

	completed := Event{
		Type:     LapCompleted,
		Lap:      d.lapNumber,
		Time:     t,
		Start:    d.lapStart,
		Duration: t.Sub(d.lapStart),
	}
	if !d.sector1At.IsZero() {
		completed.Sector1 = d.sector1At.Sub(d.lapStart)
	}
	if !d.sector1At.IsZero() && !d.sector2At.IsZero() {
		completed.Sector2 = d.sector2At.Sub(d.sector1At)
		completed.Sector3 = t.Sub(d.sector2At)
	}
	return []Event{completed, d.openLap(t)}
}

func (d *Detector) openLap(t time.Time) Event {
	d.lapOpen = true
	d.lapNumber++
	d.lapStart = t
	d.sector1Armed = d.sector1 != nil
	d.sector2Armed = false
	d.sector1At = time.Time{}
	d.sector2At = time.Time{}
	return Event{Type: LapOpened, Lap: d.lapNumber, Time: t, Start: t}
}

func (d *Detector) observeSectors(t time.Time, p geo.Point) []Event {
	var events []Event

	if d.sector1 != nil {
		entered, _ := d.sector1.update(p)
		if entered && d.sector1Armed && d.lapOpen {
			d.sector1Armed = false
			d.sector2Armed = d.sector2 != nil
			d.sector1At = t
			events = append(events, Event{
				Type: SectorCrossed, Lap: d.lapNumber, Time: t,
				Sector: 1, Split: t.Sub(d.lapStart),
			})
		}
	}

	if d.sector2 != nil {
		entered, _ := d.sector2.update(p)
		if entered && d.sector2Armed && d.lapOpen {
			d.sector2Armed = false
			d.sector2At = t
			events = append(events, Event{
				Type: SectorCrossed, Lap: d.lapNumber, Time: t,
				Sector: 2, Split: t.Sub(d.sector1At),
			})
		}
	}

	return events
}
