package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/frame"
)

var (
	// ErrNotOpen is returned before Init or after DeInit.
	ErrNotOpen = errors.New("camera: device not open")

	// ErrNotAcquiring is returned by NextFrame outside Begin/EndAcquisition.
	ErrNotAcquiring = errors.New("camera: acquisition not running")
)

// matBuffer owns the Mat behind a frame.
type matBuffer struct {
	mat gocv.Mat
}

func (b *matBuffer) Bytes() []byte { return b.mat.ToBytes() }
func (b *matBuffer) Mat() gocv.Mat { return b.mat }
func (b *matBuffer) Close() error  { return b.mat.Close() }

type readResult struct {
	mat gocv.Mat
	ok  bool
}

// Device is a frame.Device backed by a gocv VideoCapture.
//
// VideoCapture.Read cannot be interrupted, so reads run on a helper
// goroutine. A read abandoned by a cancelled NextFrame is picked up by the
// next call instead of being discarded.
type Device struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cap       *gocv.VideoCapture
	acquiring bool
	inflight  chan readResult
	seq       uint64

	outstanding  atomic.Int64
	readFailures atomic.Uint64
}

// NewDevice creates a camera device. The capture opens on Init.
func NewDevice(cfg Config) *Device {
	return &Device{cfg: cfg, logger: log.Component("camera")}
}

// Config returns the capture settings.
func (d *Device) Config() Config {
	return d.cfg
}

// Init opens the capture and applies the requested format.
func (d *Device) Init() error {
	if errs := d.cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("camera: invalid config: %v", errs)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cap != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(d.cfg.source())
	if err != nil {
		return fmt.Errorf("camera: open %s: %w", d.cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("camera: open %s: %w", d.cfg.Device, ErrNotOpen)
	}

	if d.cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
	}
	if d.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))
	}
	if d.cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(d.cfg.Framerate))
	}
	if d.cfg.Buffers > 0 {
		vc.Set(gocv.VideoCaptureBufferSize, float64(d.cfg.Buffers))
	}

	d.cap = vc
	d.logger.Info("camera opened",
		"device", d.cfg.Device,
		"width", int(vc.Get(gocv.VideoCaptureFrameWidth)),
		"height", int(vc.Get(gocv.VideoCaptureFrameHeight)),
		"fps", vc.Get(gocv.VideoCaptureFPS))
	return nil
}

// DeInit closes the capture.
func (d *Device) DeInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cap == nil {
		return nil
	}
	err := d.cap.Close()
	d.cap = nil
	return err
}

func (d *Device) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cap == nil {
		return ErrNotOpen
	}
	d.acquiring = true
	return nil
}

// EndAcquisition stops handing out frames and waits for any read still
// in flight.
func (d *Device) EndAcquisition() error {
	d.mu.Lock()
	d.acquiring = false
	ch := d.inflight
	d.inflight = nil
	d.mu.Unlock()

	if ch != nil {
		r := <-ch
		r.mat.Close()
	}
	return nil
}

// NextFrame returns the next captured image. A failed or empty read is
// returned as an incomplete frame with StatusReadFailed.
func (d *Device) NextFrame(ctx context.Context) (*frame.Frame, error) {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return nil, ErrNotAcquiring
	}
	if d.inflight == nil {
		ch := make(chan readResult, 1)
		d.inflight = ch
		vc := d.cap
		go func() {
			m := gocv.NewMat()
			ok := vc.Read(&m)
			ch <- readResult{mat: m, ok: ok}
		}()
	}
	ch := d.inflight
	d.mu.Unlock()

	var r readResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}

	d.mu.Lock()
	d.inflight = nil
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	f := &frame.Frame{
		Format:    frame.FormatBGR,
		Sequence:  seq,
		Timestamp: time.Now(),
		Complete:  true,
	}

	if !r.ok || r.mat.Empty() {
		if n := d.readFailures.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("camera read failed", "failures", n)
		}
		f.Complete = false
		f.Status = frame.StatusReadFailed
		f.Buffer = &matBuffer{mat: r.mat}
		d.outstanding.Add(1)
		return f, nil
	}

	mat := r.mat
	if d.cfg.Gray && mat.Channels() == 3 {
		gray := gocv.NewMat()
		gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
		mat.Close()
		mat = gray
		f.Format = frame.FormatGray
	}

	f.Buffer = &matBuffer{mat: mat}
	f.Width = mat.Cols()
	f.Height = mat.Rows()
	d.outstanding.Add(1)
	return f, nil
}

// Release closes the frame's Mat.
func (d *Device) Release(f *frame.Frame) error {
	d.outstanding.Add(-1)
	if f.Buffer == nil {
		return nil
	}
	return f.Buffer.Close()
}

// Outstanding returns frames handed out and not yet released.
func (d *Device) Outstanding() int64 {
	return d.outstanding.Load()
}

// ReadFailures returns the number of failed reads.
func (d *Device) ReadFailures() uint64 {
	return d.readFailures.Load()
}
