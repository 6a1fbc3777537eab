// Package telemetry decodes logger payloads into typed records and
// defines the sample model shared by the rest of the pipeline.
package telemetry

import "time"

// DeviceModel selects model-specific payload quirks. The battery status
// byte is the one field that differs between hardware families.
type DeviceModel int

const (
	// ModelPro reports battery as a percentage with the top bit set
	// while charging.
	ModelPro DeviceModel = iota
	// ModelMicro reports battery voltage (decivolts) instead of a
	// percentage; percentage is unavailable on this family.
	ModelMicro
)

// Fix status values reported in the telemetry record.
const (
	FixNone = 0
	Fix2D   = 2
	Fix3D   = 3
)

// Sample is one decoded positional/inertial telemetry record. Samples
// are immutable once decoded.
type Sample struct {
	Time       time.Time
	TimeOfWeek uint32 // GPS time of week, milliseconds

	FixStatus  byte
	FixValid   bool
	Satellites int

	Latitude  float64 // degrees
	Longitude float64 // degrees

	AltitudeWGS float64 // metres above WGS84 ellipsoid
	AltitudeMSL float64 // metres above mean sea level

	HorizontalAccuracy float64 // metres
	VerticalAccuracy   float64 // metres

	Speed           float64 // metres/second
	Heading         float64 // degrees
	SpeedAccuracy   float64 // metres/second
	HeadingAccuracy float64 // degrees

	PDOP float64

	// Battery fields; exactly one of Percent/Voltage is meaningful
	// depending on the device model. BatteryPercent is -1 when the
	// model does not report a percentage.
	BatteryPercent  int
	BatteryCharging bool
	BatteryVoltage  float64 // volts, 0 when not reported

	AccelX float64 // g
	AccelY float64
	AccelZ float64

	RotationX float64 // degrees/second
	RotationY float64
	RotationZ float64
}

// DeviceStatus is the logger's standalone-recording state. Each update
// replaces the previous one.
type DeviceStatus struct {
	Recording       bool
	MemoryFill      int // percent
	SecurityEnabled bool
	Unlocked        bool
	StoredSamples   uint32
	Capacity        uint32
}

// Locked reports whether the device memory is currently inaccessible.
func (s DeviceStatus) Locked() bool {
	return s.SecurityEnabled && !s.Unlocked
}

// AckNack is a terminal command acknowledgement. MsgID names the
// message id being acknowledged.
type AckNack struct {
	Ack    bool
	MsgID  byte
	Reason byte // device-reported reason on NACK, 0 when absent
}

// Unrecognized is returned for (class, id) pairs this decoder does not
// understand. Unknown messages are not errors: newer firmware may send
// message types we skip while command correlation still sees the frame.
type Unrecognized struct {
	Class      byte
	ID         byte
	PayloadLen int
}

// Message is one decoded device message: *Sample, *DeviceStatus,
// *AckNack, or *Unrecognized.
type Message interface {
	deviceMessage()
}

func (*Sample) deviceMessage()       {}
func (*DeviceStatus) deviceMessage() {}
func (*AckNack) deviceMessage()      {}
func (*Unrecognized) deviceMessage() {}
