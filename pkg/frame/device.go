package frame

import "context"

// Device is the vendor-specific camera or stream behind a Source.
// Implementations must return from NextFrame once ctx is done.
type Device interface {
	// Init opens the device. DeInit releases it.
	Init() error
	DeInit() error

	// BeginAcquisition starts continuous capture; EndAcquisition stops it.
	BeginAcquisition() error
	EndAcquisition() error

	// NextFrame blocks until a frame is available or ctx is done.
	// Incomplete frames are returned without error and Complete=false.
	NextFrame(ctx context.Context) (*Frame, error)

	// Release returns a frame's buffer to the device, closing f.Buffer.
	Release(f *Frame) error
}
