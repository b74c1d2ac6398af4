package stream

import (
	"errors"
	"fmt"
)

// ErrStreamActive is returned when Stream is called on an engine that is
// already streaming
var ErrStreamActive = errors.New("stream already active on this engine")

// errHalted marks an exchange skipped because the engine stopped before
// the line could be written
var errHalted = errors.New("stream halted")

// DeviceError reports a line the device rejected
type DeviceError struct {
	Line  string
	Index int // zero based position of Line in the streamed sequence
	Ack   string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error: %s", e.Ack)
}

// IsDeviceError checks if an error is a DeviceError
func IsDeviceError(err error) bool {
	var e *DeviceError
	return errors.As(err, &e)
}
