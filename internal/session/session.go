// Package session turns lap events and sample buffers into lap records
// and session-level statistics.
package session

import (
	"time"

	"github.com/banshee-data/trackbox/internal/telemetry"
	"github.com/banshee-data/trackbox/internal/track"
)

// InvalidReasonInterrupted marks a lap that was open when the session
// ended or the transport dropped. The lap is kept, not silently lost.
const InvalidReasonInterrupted = "session interrupted"

// LapRecord is one completed (or interrupted) lap. Created on lap
// closure and not mutated afterwards.
type LapRecord struct {
	SessionID string        `json:"session_id"`
	Number    int           `json:"number"`
	Started   time.Time     `json:"started"`
	Completed time.Time     `json:"completed"`
	Duration  time.Duration `json:"duration"`

	Sector1 time.Duration `json:"sector1,omitempty"`
	Sector2 time.Duration `json:"sector2,omitempty"`
	Sector3 time.Duration `json:"sector3,omitempty"`

	MaxSpeed float64 `json:"max_speed_mps"`
	AvgSpeed float64 `json:"avg_speed_mps"`

	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalid_reason,omitempty"`

	// Samples holds the telemetry belonging to this lap, attached at
	// closure time.
	Samples []telemetry.Sample `json:"-"`
}

// Record is one session: an ordered sequence of laps over a single
// track geometry.
type Record struct {
	ID      string         `json:"id"`
	Track   track.Geometry `json:"track"`
	Started time.Time      `json:"started"`
	Ended   time.Time      `json:"ended,omitempty"`
	Laps    []LapRecord    `json:"laps"`
}
