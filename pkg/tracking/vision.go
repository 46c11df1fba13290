package tracking

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/frame"
	"github.com/teslashibe/go-visualservo/pkg/tracking/detection"
)

// Decoder turns one compressed access unit into a JPEG image.
type Decoder interface {
	DecodeJPEG(au []byte) ([]byte, error)
}

// VisionTracker runs a detector on each frame and maps the best box's
// horizontal center to an angle or a frame position.
type VisionTracker struct {
	detector detection.Detector
	decoder  Decoder
	measure  Measure
	fov      float64
	alpha    float64
	logger   *slog.Logger

	mu           sync.Mutex
	smoothed     float64
	hasSmoothed  bool
	misses       int
	lastPosition float64
}

// VisionOption configures a VisionTracker.
type VisionOption func(*VisionTracker)

// WithDecoder lets the tracker handle compressed stream frames.
func WithDecoder(d Decoder) VisionOption {
	return func(t *VisionTracker) { t.decoder = d }
}

// NewVisionTracker wraps an existing detector.
func NewVisionTracker(det detection.Detector, cfg Config, opts ...VisionOption) *VisionTracker {
	t := &VisionTracker{
		detector: det,
		measure:  cfg.Measure,
		fov:      cfg.CameraFOV,
		alpha:    cfg.Smoothing,
		logger:   log.Component("tracking"),
	}
	if t.measure == "" {
		t.measure = MeasureAngle
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewFaceTracker loads YuNet and tracks the most prominent face.
func NewFaceTracker(cfg Config, opts ...VisionOption) (*VisionTracker, error) {
	dc := detection.DefaultConfig()
	if cfg.ModelPath != "" {
		dc.ModelPath = cfg.ModelPath
	}
	if cfg.Confidence > 0 {
		dc.ConfidenceThresh = cfg.Confidence
	}
	det, err := detection.NewYuNet(dc)
	if err != nil {
		return nil, err
	}
	return NewVisionTracker(det, cfg, opts...), nil
}

// NewObjectTracker loads YOLOv8 and tracks the best box of cfg.TargetClass.
func NewObjectTracker(cfg Config, opts ...VisionOption) (*VisionTracker, error) {
	dc := detection.DefaultYOLOConfig()
	if cfg.ModelPath != "" {
		dc.ModelPath = cfg.ModelPath
	}
	if cfg.Confidence > 0 {
		dc.ConfidenceThresh = cfg.Confidence
	}
	if cfg.TargetClass != "" {
		dc.TargetClass = cfg.TargetClass
	}
	det, err := detection.NewYOLO(dc)
	if err != nil {
		return nil, err
	}
	return NewVisionTracker(det, cfg, opts...), nil
}

// DeriveInput detects targets in f and returns the measurement for the
// best one.
func (t *VisionTracker) DeriveInput(f *frame.Frame) (float64, error) {
	dets, err := t.detect(f)
	if err != nil {
		t.miss()
		return 0, err
	}

	best := detection.SelectBest(dets)
	if best == nil {
		t.miss()
		return 0, trackingErr(f, "no detections", ErrNoTarget)
	}

	cx, _ := best.Center()
	position := clamp(cx*100, 0, 100)

	t.mu.Lock()
	if t.hasSmoothed && t.alpha > 0 && t.alpha < 1 {
		position = t.alpha*position + (1-t.alpha)*t.smoothed
	}
	t.smoothed = position
	t.hasSmoothed = true
	t.lastPosition = position
	t.misses = 0
	t.mu.Unlock()

	if t.measure == MeasurePosition {
		return position, nil
	}
	return PositionToAngle(position, t.fov), nil
}

func (t *VisionTracker) detect(f *frame.Frame) ([]detection.Detection, error) {
	if f == nil || f.Buffer == nil {
		return nil, trackingErr(f, "empty frame", ErrUnsupportedFormat)
	}

	var (
		dets []detection.Detection
		err  error
	)
	md, isMat := t.detector.(detection.MatDetector)
	holder, hasMat := f.Buffer.(detection.MatHolder)

	switch {
	case isMat && hasMat:
		dets, err = md.DetectMat(holder.Mat())
	case f.Format == frame.FormatJPEG:
		dets, err = t.detector.Detect(f.Data())
	case f.Format == frame.FormatH264:
		if t.decoder == nil {
			return nil, trackingErr(f, "h264 frame without decoder", ErrUnsupportedFormat)
		}
		jpeg, derr := t.decoder.DecodeJPEG(f.Data())
		if derr != nil {
			return nil, trackingErr(f, "decode", derr)
		}
		dets, err = t.detector.Detect(jpeg)
	case isMat && (f.Format == frame.FormatBGR || f.Format == frame.FormatGray):
		channels := 3
		if f.Format == frame.FormatGray {
			channels = 1
		}
		dets, err = detection.DetectRaw(md, f.Data(), f.Width, f.Height, channels)
	default:
		return nil, trackingErr(f, fmt.Sprintf("format %q", f.Format), ErrUnsupportedFormat)
	}

	if err != nil {
		return nil, trackingErr(f, "detect", err)
	}
	return dets, nil
}

func (t *VisionTracker) miss() {
	t.mu.Lock()
	t.misses++
	t.mu.Unlock()
}

// ConsecutiveMisses returns how many frames in a row produced no target.
func (t *VisionTracker) ConsecutiveMisses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.misses
}

// LastPosition returns the last smoothed frame position (0-100).
func (t *VisionTracker) LastPosition() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPosition
}

// Reset clears smoothing state.
func (t *VisionTracker) Reset() {
	t.mu.Lock()
	t.hasSmoothed = false
	t.misses = 0
	t.mu.Unlock()
}

// Close releases the detector.
func (t *VisionTracker) Close() error {
	return t.detector.Close()
}

// PositionToAngle maps a frame position (0-100) to the horizontal angle
// from the optical axis, positive to the right.
func PositionToAngle(position, fov float64) float64 {
	return (position - 50) / 100 * fov
}

// AngleToPosition is the inverse of PositionToAngle.
func AngleToPosition(angle, fov float64) float64 {
	return 50 + angle/fov*100
}

// InFrame reports whether an angle falls inside the field of view.
func InFrame(angle, fov float64) bool {
	return math.Abs(angle) < fov/2
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
