// Package wire implements the binary framing protocol spoken by the
// GNSS/IMU data logger. Frames are UBX-style: two fixed sync bytes, a
// message class and id, a little-endian payload length, the payload, and
// a two-byte running-sum checksum computed over everything between the
// sync bytes and the checksum itself.
package wire

import "encoding/binary"

// Protocol constants. All multi-byte integers on the wire are
// little-endian.
const (
	Sync1 = 0xB5
	Sync2 = 0x62

	// HeaderLen is sync (2) + class (1) + id (1) + length (2).
	HeaderLen = 6
	// ChecksumLen is the trailing checksum pair.
	ChecksumLen = 2
	// MinFrameLen is the size of a frame with an empty payload.
	MinFrameLen = HeaderLen + ChecksumLen
)

// ClassDevice is the message class used for all logger messages.
const ClassDevice = 0xFF

// Message ids within ClassDevice.
const (
	MsgIDTelemetry       = 0x01 // live telemetry record
	MsgIDAck             = 0x02 // positive acknowledgement
	MsgIDNack            = 0x03 // negative acknowledgement
	MsgIDHistoryData     = 0x21 // recorded telemetry during a download
	MsgIDStatus          = 0x22 // standalone recording status
	MsgIDDownload        = 0x23 // start history download
	MsgIDErase           = 0x24 // erase recorded data / erase progress
	MsgIDRecordingConfig = 0x25 // standalone recording configuration
	MsgIDPlatformConfig  = 0x26 // GNSS platform configuration
	MsgIDUnlock          = 0x30 // security unlock
)

// Frame is one complete unit of the wire protocol. A Frame emitted by
// the Assembler has already passed checksum verification; the payload
// slice is owned by the receiver and is not reused.
type Frame struct {
	Class   byte
	ID      byte
	Payload []byte
}

// Checksum computes the two running-sum checksum bytes over buf. On the
// wire buf covers the class byte, id byte, both length bytes, and the
// payload.
func Checksum(buf []byte) (a, b byte) {
	for _, x := range buf {
		a += x
		b += a
	}
	return a, b
}

// Encode serializes the frame into wire format, including sync bytes
// and checksum.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderLen+len(f.Payload)+ChecksumLen)
	out[0] = Sync1
	out[1] = Sync2
	out[2] = f.Class
	out[3] = f.ID
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(f.Payload)))
	copy(out[HeaderLen:], f.Payload)
	a, b := Checksum(out[2 : HeaderLen+len(f.Payload)])
	out[len(out)-2] = a
	out[len(out)-1] = b
	return out
}
