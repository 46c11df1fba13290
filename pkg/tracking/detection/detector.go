// Package detection wraps the gocv detectors the trackers run on each frame.
package detection

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrEmptyImage is returned when a frame decodes to an empty Mat.
var ErrEmptyImage = errors.New("detection: empty image")

// Detection is one bounding box in normalized image coordinates.
type Detection struct {
	X, Y       float64 // top-left corner (0-1)
	W, H       float64 // size (0-1)
	Confidence float64 // 0-1
	Class      string  // empty for single-class detectors
}

// Center returns the center point of the detection.
func (d Detection) Center() (x, y float64) {
	return d.X + d.W/2, d.Y + d.H/2
}

// Area returns the area of the bounding box.
func (d Detection) Area() float64 {
	return d.W * d.H
}

// Detector finds targets in an encoded image.
type Detector interface {
	Detect(jpeg []byte) ([]Detection, error)
	Close() error
}

// MatDetector also accepts decoded images, skipping the JPEG round trip
// for devices that already hold a Mat.
type MatDetector interface {
	Detector
	DetectMat(img gocv.Mat) ([]Detection, error)
}

// MatHolder is implemented by frame buffers backed by a gocv Mat.
type MatHolder interface {
	Mat() gocv.Mat
}

// Config holds detector configuration.
type Config struct {
	ModelPath        string  // path to ONNX model
	ConfidenceThresh float64 // minimum confidence
	NMSThresh        float64
	InputWidth       int // model input size
	InputHeight      int
	TargetClass      string // object detectors only
}

// DefaultConfig returns defaults for the YuNet face model.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/face_detection_yunet.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.3,
		InputWidth:       320,
		InputHeight:      320,
	}
}

// SelectBest picks the best detection by confidence*0.7 + relative area*0.3.
func SelectBest(dets []Detection) *Detection {
	if len(dets) == 0 {
		return nil
	}
	if len(dets) == 1 {
		return &dets[0]
	}

	maxArea := 0.0
	for _, d := range dets {
		if d.Area() > maxArea {
			maxArea = d.Area()
		}
	}

	bestScore := -1.0
	var best *Detection
	for i := range dets {
		score := dets[i].Confidence * 0.7
		if maxArea > 0 {
			score += (dets[i].Area() / maxArea) * 0.3
		}
		if score > bestScore {
			bestScore = score
			best = &dets[i]
		}
	}
	return best
}

// DetectRaw wraps packed 8-bit pixels in a Mat and runs det on it.
// channels is 1 (gray) or 3 (BGR).
func DetectRaw(det MatDetector, pix []byte, width, height, channels int) ([]Detection, error) {
	if width <= 0 || height <= 0 || len(pix) < width*height*channels {
		return nil, fmt.Errorf("detection: raw buffer %d bytes too small for %dx%dx%d",
			len(pix), width, height, channels)
	}

	typ := gocv.MatTypeCV8UC3
	if channels == 1 {
		typ = gocv.MatTypeCV8UC1
	}
	img, err := gocv.NewMatFromBytes(height, width, typ, pix[:width*height*channels])
	if err != nil {
		return nil, fmt.Errorf("detection: wrap raw buffer: %w", err)
	}
	defer img.Close()

	if channels == 1 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(img, &bgr, gocv.ColorGrayToBGR)
		return det.DetectMat(bgr)
	}
	return det.DetectMat(img)
}

func decodeJPEG(jpeg []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return img, fmt.Errorf("detection: decode image: %w", err)
	}
	if img.Empty() {
		img.Close()
		return img, ErrEmptyImage
	}
	return img, nil
}
