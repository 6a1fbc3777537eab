package command

import (
	"errors"
	"fmt"
)

// Failure classes surfaced to callers. None of these indicate a broken
// stream: only the specific command is rejected.
var (
	// ErrNotConnected is returned when a command is attempted without
	// an active transport, and delivered to any command pending when
	// the transport detaches.
	ErrNotConnected = errors.New("device not connected")

	// ErrTimeout is returned when no terminal response arrives within
	// the command deadline.
	ErrTimeout = errors.New("command timed out")

	// ErrMemoryLocked is returned when a memory operation is attempted
	// while the device reports its memory security-locked. Nothing is
	// written to the transport.
	ErrMemoryLocked = errors.New("device memory is locked")

	// ErrOperationInProgress is returned when a second memory
	// operation is attempted while one is active. Nothing is written
	// to the transport.
	ErrOperationInProgress = errors.New("memory operation already in progress")

	// ErrUnsupported is returned when the connected device cannot
	// perform the requested operation.
	ErrUnsupported = errors.New("operation not supported by device")
)

// NackError reports an explicit device rejection of a command.
type NackError struct {
	MsgID  byte
	Reason byte
}

func (e *NackError) Error() string {
	if e.Reason != 0 {
		return fmt.Sprintf("device rejected command 0x%02X (reason 0x%02X)", e.MsgID, e.Reason)
	}
	return fmt.Sprintf("device rejected command 0x%02X", e.MsgID)
}
