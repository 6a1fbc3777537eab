package command

import (
	"encoding/binary"

	"github.com/banshee-data/trackbox/internal/wire"
)

// PlatformConfig tunes the GNSS engine for the vehicle dynamics it will
// see.
type PlatformConfig struct {
	PlatformModel         byte // dynamic platform model (automotive, airborne, ...)
	Enable3DSpeed         bool // report 3D speed instead of ground speed
	MinHorizontalAccuracy byte // metres; fixes worse than this are flagged invalid
}

// RecordingConfig drives the logger's standalone recording behaviour.
// Thresholds and intervals follow the device's native units: the speed
// threshold is in km/h and intervals are seconds.
type RecordingConfig struct {
	Enable   bool
	DataRate byte // Hz
	Flags    byte

	StationarySpeedThreshold uint16
	StationaryInterval       uint16
	NoFixInterval            uint16
	AutoShutdownInterval     uint16
}

func unlockFrame(code uint32) wire.Frame {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, code)
	return wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDUnlock, Payload: p}
}

func platformConfigFrame(cfg PlatformConfig) wire.Frame {
	p := make([]byte, 3)
	p[0] = cfg.PlatformModel
	if cfg.Enable3DSpeed {
		p[1] = 1
	}
	p[2] = cfg.MinHorizontalAccuracy
	return wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDPlatformConfig, Payload: p}
}

func recordingConfigFrame(cfg RecordingConfig) wire.Frame {
	p := make([]byte, 12)
	if cfg.Enable {
		p[0] = 1
	}
	p[1] = cfg.DataRate
	p[2] = cfg.Flags
	// p[3] reserved
	binary.LittleEndian.PutUint16(p[4:6], cfg.StationarySpeedThreshold)
	binary.LittleEndian.PutUint16(p[6:8], cfg.StationaryInterval)
	binary.LittleEndian.PutUint16(p[8:10], cfg.NoFixInterval)
	binary.LittleEndian.PutUint16(p[10:12], cfg.AutoShutdownInterval)
	return wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDRecordingConfig, Payload: p}
}

func eraseFrame() wire.Frame {
	return wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDErase}
}

func downloadFrame() wire.Frame {
	return wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDDownload}
}
