package tracking

import (
	"fmt"
	"math"
)

// Measure selects what VisionTracker reports as the process value.
type Measure string

const (
	// MeasureAngle reports the target's horizontal angle from the optical
	// axis in radians, positive to the right. Setpoint 0 centers it.
	MeasureAngle Measure = "angle"
	// MeasurePosition reports the horizontal position as 0-100 percent of
	// the frame width. Setpoint 50 centers it.
	MeasurePosition Measure = "position"
)

// Config holds tracker parameters.
type Config struct {
	Detector    string  `yaml:"detector" json:"detector"` // yunet, yolo or meta
	ModelPath   string  `yaml:"model_path" json:"model_path"`
	TargetClass string  `yaml:"target_class" json:"target_class"`
	Confidence  float64 `yaml:"confidence" json:"confidence"`

	Measure   Measure `yaml:"measure" json:"measure"`
	CameraFOV float64 `yaml:"camera_fov" json:"camera_fov"` // horizontal, radians

	// Smoothing is the EMA weight on the newest reading (0-1). 0 or 1
	// disables smoothing.
	Smoothing float64 `yaml:"smoothing" json:"smoothing"`

	// MetaKey is the Frame.Meta entry read by MetadataTracker.
	MetaKey string `yaml:"meta_key" json:"meta_key"`
}

// DefaultConfig returns face tracking with angle output.
func DefaultConfig() Config {
	return Config{
		Detector:   "yunet",
		ModelPath:  "models/face_detection_yunet.onnx",
		Confidence: 0.5,
		Measure:    MeasureAngle,
		CameraFOV:  math.Pi / 2, // 90 degrees
		Smoothing:  0.6,
		MetaKey:    "position",
	}
}

// SlowConfig smooths harder for noisy detectors.
func SlowConfig() Config {
	cfg := DefaultConfig()
	cfg.Smoothing = 0.3
	return cfg
}

// AggressiveConfig trusts new readings more.
func AggressiveConfig() Config {
	cfg := DefaultConfig()
	cfg.Smoothing = 0.85
	return cfg
}

// Validate returns a list of problems, empty when the config is usable.
func (c Config) Validate() []string {
	var errs []string
	switch c.Detector {
	case "yunet", "yolo":
		if c.ModelPath == "" {
			errs = append(errs, fmt.Sprintf("detector %s needs a model_path", c.Detector))
		}
	case "meta":
		if c.MetaKey == "" {
			errs = append(errs, "meta detector needs a meta_key")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown detector %q (yunet, yolo, meta)", c.Detector))
	}
	switch c.Measure {
	case MeasureAngle, MeasurePosition:
	default:
		errs = append(errs, fmt.Sprintf("unknown measure %q (angle, position)", c.Measure))
	}
	if c.CameraFOV <= 0 || c.CameraFOV >= math.Pi {
		errs = append(errs, "camera_fov must be in (0, pi) radians")
	}
	if c.Smoothing < 0 || c.Smoothing > 1 {
		errs = append(errs, "smoothing must be between 0 and 1")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = append(errs, "confidence must be between 0 and 1")
	}
	return errs
}
