package actuator

import (
	"errors"
	"fmt"
)

// Sentinel errors for the actuator package.
var (
	// ErrNotConnected indicates the transport has no live connection.
	ErrNotConnected = errors.New("actuator: not connected")

	// ErrClosed indicates Apply was called after Close.
	ErrClosed = errors.New("actuator: closed")

	// ErrRejected indicates the driver refused the command.
	ErrRejected = errors.New("actuator: command rejected")
)

// StatusError is a non-2xx reply from an HTTP driver.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("actuator: driver returned %d", e.StatusCode)
	}
	return fmt.Sprintf("actuator: driver returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRejected
}
