// Package track defines circuit geometry and the geofence lap/sector
// detector that segments a position stream into timed laps.
package track

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/trackbox/internal/geo"
)

// Kind distinguishes closed circuits from point-to-point courses.
type Kind string

const (
	KindCircuit      Kind = "circuit"
	KindPointToPoint Kind = "point_to_point"
)

// Geometry describes one track's timing points. Immutable for the
// duration of a session.
type Geometry struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	StartFinish geo.Point `yaml:"start_finish"`
	// StartFinishWidth is the configured line width in metres. The
	// detector derives its hysteresis radii from it.
	StartFinishWidth float64 `yaml:"start_finish_width_m"`

	Sector1 *geo.Point `yaml:"sector1,omitempty"`
	Sector2 *geo.Point `yaml:"sector2,omitempty"`
}

// Validate checks a geometry definition for the obvious mistakes.
func (g Geometry) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("track has no name")
	}
	switch g.Kind {
	case KindCircuit, KindPointToPoint:
	default:
		return fmt.Errorf("track %q: unknown kind %q", g.Name, g.Kind)
	}
	if g.StartFinishWidth <= 0 {
		return fmt.Errorf("track %q: start/finish width must be positive", g.Name)
	}
	if g.Sector2 != nil && g.Sector1 == nil {
		return fmt.Errorf("track %q: sector2 configured without sector1", g.Name)
	}
	return nil
}

// Library is a named collection of track geometries, typically loaded
// from a YAML file shipped alongside the binary.
type Library struct {
	Tracks []Geometry `yaml:"tracks"`
}

// LoadLibrary reads and validates a track library file.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read track library: %w", err)
	}
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse track library: %w", err)
	}
	for _, g := range lib.Tracks {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	return &lib, nil
}

// Find returns the track with the given name.
func (l *Library) Find(name string) (Geometry, bool) {
	for _, g := range l.Tracks {
		if g.Name == name {
			return g, true
		}
	}
	return Geometry{}, false
}

// Nearest returns the track whose start/finish point is closest to p,
// if any lies within maxDistance metres.
func (l *Library) Nearest(p geo.Point, maxDistance float64) (Geometry, bool) {
	var best Geometry
	bestD := maxDistance
	found := false
	for _, g := range l.Tracks {
		if d := geo.Distance(p, g.StartFinish); d <= bestD {
			best, bestD, found = g, d, true
		}
	}
	return best, found
}
