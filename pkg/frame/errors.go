package frame

import (
	"errors"
	"fmt"
)

// Sentinel errors for the frame package.
var (
	ErrAcquireTimeout  = errors.New("frame: acquire timeout")
	ErrIncompleteFrame = errors.New("frame: incomplete frame")
	ErrNotStarted      = errors.New("frame: acquisition not started")
	ErrDoubleRelease   = errors.New("frame: frame already released")
	ErrClosed          = errors.New("frame: source closed")
)

// DeviceError is a fatal failure reported by the underlying device.
type DeviceError struct {
	Op  string // init, deinit, begin, end, acquire, release
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("frame: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsDeviceError reports whether err is or wraps a *DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
