// Package tracking turns frames into the measured process value the PID
// controller consumes.
package tracking

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

// Tracker derives the loop's measured input from a complete frame.
// Any error is non-fatal: the loop skips the cycle and releases the frame.
type Tracker interface {
	DeriveInput(f *frame.Frame) (float64, error)
}

// Func adapts a function to Tracker.
type Func func(f *frame.Frame) (float64, error)

func (fn Func) DeriveInput(f *frame.Frame) (float64, error) {
	return fn(f)
}

// Sentinel errors for the tracking package.
var (
	ErrNoTarget          = errors.New("tracking: no target in frame")
	ErrUnsupportedFormat = errors.New("tracking: unsupported frame format")
)

// TrackingError reports why no measurement could be derived from a frame.
type TrackingError struct {
	Seq    uint64
	Reason string
	Err    error
}

func (e *TrackingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tracking: frame %d: %s", e.Seq, e.Reason)
	}
	return fmt.Sprintf("tracking: frame %d: %s: %v", e.Seq, e.Reason, e.Err)
}

func (e *TrackingError) Unwrap() error {
	return e.Err
}

func trackingErr(f *frame.Frame, reason string, err error) *TrackingError {
	te := &TrackingError{Reason: reason, Err: err}
	if f != nil {
		te.Seq = f.Sequence
	}
	return te
}
