// Package frame models the acquisition side of the servo loop: a Device
// produces frames, and a Source wraps it with the lifecycle, timeout and
// release-exactly-once accounting the control loop relies on.
package frame

import (
	"fmt"
	"time"
)

// Format identifies how a frame's bytes are encoded.
type Format string

const (
	FormatRaw  Format = "raw"  // no payload; Meta carries the measurement
	FormatBGR  Format = "bgr"  // packed 8-bit BGR (gocv Mat)
	FormatGray Format = "gray" // 8-bit single channel
	FormatJPEG Format = "jpeg"
	FormatH264 Format = "h264" // one Annex-B access unit
)

// Status codes reported by devices for incomplete frames.
const (
	StatusOK         = 0
	StatusReadFailed = 1
	StatusPacketLoss = 2
	StatusTruncated  = 3
	StatusOversize   = 4
	StatusSimDropped = 5
)

// StatusText returns a short name for a status code.
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusReadFailed:
		return "read_failed"
	case StatusPacketLoss:
		return "packet_loss"
	case StatusTruncated:
		return "truncated"
	case StatusOversize:
		return "oversize"
	case StatusSimDropped:
		return "dropped"
	default:
		return fmt.Sprintf("status_%d", code)
	}
}

// Buffer is the device-owned storage behind a frame. Devices close it from
// Release.
type Buffer interface {
	Bytes() []byte
	Close() error
}

// Bytes is a Buffer over a plain byte slice.
type Bytes []byte

func (b Bytes) Bytes() []byte { return b }
func (Bytes) Close() error    { return nil }

// Frame is one image delivered by a Device.
type Frame struct {
	Buffer    Buffer
	Format    Format
	Width     int
	Height    int
	Sequence  uint64
	Timestamp time.Time

	// Complete is false when the device reported a partial or corrupt
	// image. Status then holds the device's reason code.
	Complete bool
	Status   int

	// Meta carries side-band values such as ground truth from a simulator.
	Meta map[string]float64

	released bool
}

// Data returns the frame payload, or nil when there is no buffer.
func (f *Frame) Data() []byte {
	if f == nil || f.Buffer == nil {
		return nil
	}
	return f.Buffer.Bytes()
}

// Released reports whether the frame has been handed back to its device.
func (f *Frame) Released() bool {
	return f.released
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame#%d %s %dx%d complete=%t status=%s",
		f.Sequence, f.Format, f.Width, f.Height, f.Complete, StatusText(f.Status))
}
