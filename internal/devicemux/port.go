package devicemux

import (
	"io"

	"go.bug.st/serial"
)

// DevicePorter defines the minimal interface needed for a device link.
// This abstraction enables unit testing without real hardware.
type DevicePorter interface {
	io.ReadWriter
	io.Closer
}

// PortMode defines link configuration parameters for serial-backed ports
// (RFCOMM channels present themselves to the OS as serial devices).
type PortMode struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultPortMode returns the mode lap-timer devices expose: 115200 8N1.
func DefaultPortMode() *PortMode {
	return &PortMode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the device at the given path with the given mode.
func Open(path string, mode *PortMode) (serial.Port, error) {
	if mode == nil {
		mode = DefaultPortMode()
	}
	return serial.Open(path, &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
		Parity:   mode.Parity,
		StopBits: mode.StopBits,
	})
}
