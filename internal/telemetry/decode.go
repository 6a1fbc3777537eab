package telemetry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/banshee-data/trackbox/internal/wire"
)

// ErrIncompletePayload is returned when a payload is shorter than the
// declared message type requires. The message is ignored; the stream
// continues.
var ErrIncompletePayload = fmt.Errorf("payload too short for message type")

// Minimum payload sizes.
const (
	telemetryPayloadLen = 80
	statusPayloadLen    = 12
	ackPayloadLen       = 1
)

// Fixed-point scaling divisors from the device protocol. Consumers get
// fully converted units; nothing rounds before scaling.
const (
	coordScale    = 1e-7 // int32 -> degrees
	headingScale  = 1e-5 // int32 -> degrees
	pdopScale     = 1e-2 // uint16 -> dimensionless
	accelScale    = 1e-3 // int16 -> g
	rotationScale = 1e-2 // int16 -> degrees/second
	mmToM         = 1e-3 // int32/uint32 millimetres -> metres
)

// validity flag bits in the telemetry record
const (
	validDate = 1 << 0
	validTime = 1 << 1
)

// fix status flag bits
const fixValidBit = 1 << 0

// Decoder converts frames into typed messages. Model selects the
// battery-byte interpretation for the connected hardware.
type Decoder struct {
	Model DeviceModel
}

// Decode dispatches on (class, id) and returns the decoded message.
// Unknown pairs return *Unrecognized with a nil error; only short
// payloads for known types fail, wrapping ErrIncompletePayload.
func (d *Decoder) Decode(f wire.Frame) (Message, error) {
	if f.Class != wire.ClassDevice {
		return &Unrecognized{Class: f.Class, ID: f.ID, PayloadLen: len(f.Payload)}, nil
	}

	switch f.ID {
	case wire.MsgIDTelemetry, wire.MsgIDHistoryData:
		return d.decodeSample(f.Payload)
	case wire.MsgIDStatus:
		return decodeStatus(f.Payload)
	case wire.MsgIDAck, wire.MsgIDNack:
		return decodeAckNack(f.ID == wire.MsgIDAck, f.Payload)
	default:
		return &Unrecognized{Class: f.Class, ID: f.ID, PayloadLen: len(f.Payload)}, nil
	}
}

func (d *Decoder) decodeSample(p []byte) (*Sample, error) {
	if len(p) < telemetryPayloadLen {
		return nil, fmt.Errorf("telemetry record %d bytes: %w", len(p), ErrIncompletePayload)
	}

	s := &Sample{
		TimeOfWeek: binary.LittleEndian.Uint32(p[0:4]),
		FixStatus:  p[20],
		FixValid:   p[21]&fixValidBit != 0,
		Satellites: int(p[23]),

		Longitude: float64(int32(binary.LittleEndian.Uint32(p[24:28]))) * coordScale,
		Latitude:  float64(int32(binary.LittleEndian.Uint32(p[28:32]))) * coordScale,

		AltitudeWGS: float64(int32(binary.LittleEndian.Uint32(p[32:36]))) * mmToM,
		AltitudeMSL: float64(int32(binary.LittleEndian.Uint32(p[36:40]))) * mmToM,

		HorizontalAccuracy: float64(binary.LittleEndian.Uint32(p[40:44])) * mmToM,
		VerticalAccuracy:   float64(binary.LittleEndian.Uint32(p[44:48])) * mmToM,

		Speed:   float64(int32(binary.LittleEndian.Uint32(p[48:52]))) * mmToM,
		Heading: float64(int32(binary.LittleEndian.Uint32(p[52:56]))) * headingScale,

		SpeedAccuracy:   float64(binary.LittleEndian.Uint32(p[56:60])) * mmToM,
		HeadingAccuracy: float64(binary.LittleEndian.Uint32(p[60:64])) * headingScale,

		PDOP: float64(binary.LittleEndian.Uint16(p[64:66])) * pdopScale,

		AccelX: float64(int16(binary.LittleEndian.Uint16(p[68:70]))) * accelScale,
		AccelY: float64(int16(binary.LittleEndian.Uint16(p[70:72]))) * accelScale,
		AccelZ: float64(int16(binary.LittleEndian.Uint16(p[72:74]))) * accelScale,

		RotationX: float64(int16(binary.LittleEndian.Uint16(p[74:76]))) * rotationScale,
		RotationY: float64(int16(binary.LittleEndian.Uint16(p[76:78]))) * rotationScale,
		RotationZ: float64(int16(binary.LittleEndian.Uint16(p[78:80]))) * rotationScale,
	}

	s.Time = recordTime(p)
	d.decodeBattery(s, p[67])
	return s, nil
}

// recordTime builds a UTC timestamp from the calendar fields when the
// date/time validity bits are set; otherwise it returns the zero time.
// Such samples still carry the raw time of week but are unusable for
// lap timing.
func recordTime(p []byte) time.Time {
	if p[11]&(validDate|validTime) != validDate|validTime {
		return time.Time{}
	}
	year := int(binary.LittleEndian.Uint16(p[4:6]))
	nanos := int(int32(binary.LittleEndian.Uint32(p[16:20])))
	return time.Date(year, time.Month(p[6]), int(p[7]), int(p[8]), int(p[9]), int(p[10]), nanos, time.UTC)
}

// decodeBattery interprets the battery status byte per device model.
// The dual encoding is taken from vendor protocol notes and has not
// been cross-checked against all firmware revisions.
func (d *Decoder) decodeBattery(s *Sample, b byte) {
	switch d.Model {
	case ModelMicro:
		s.BatteryPercent = -1
		s.BatteryVoltage = float64(b) / 10.0
	default:
		s.BatteryCharging = b&0x80 != 0
		s.BatteryPercent = int(b & 0x7F)
	}
}

func decodeStatus(p []byte) (*DeviceStatus, error) {
	if len(p) < statusPayloadLen {
		return nil, fmt.Errorf("status record %d bytes: %w", len(p), ErrIncompletePayload)
	}
	return &DeviceStatus{
		Recording:       p[0] != 0,
		MemoryFill:      int(p[1]),
		SecurityEnabled: p[2]&0x01 != 0,
		Unlocked:        p[2]&0x02 != 0,
		StoredSamples:   binary.LittleEndian.Uint32(p[4:8]),
		Capacity:        binary.LittleEndian.Uint32(p[8:12]),
	}, nil
}

func decodeAckNack(ack bool, p []byte) (*AckNack, error) {
	if len(p) < ackPayloadLen {
		return nil, fmt.Errorf("acknowledgement %d bytes: %w", len(p), ErrIncompletePayload)
	}
	a := &AckNack{Ack: ack, MsgID: p[0]}
	if !ack && len(p) > 1 {
		a.Reason = p[1]
	}
	return a, nil
}
