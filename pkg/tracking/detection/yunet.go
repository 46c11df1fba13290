package detection

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-visualservo/internal/log"
)

// YuNetDetector uses OpenCV's FaceDetectorYN.
type YuNetDetector struct {
	detector gocv.FaceDetectorYN
	config   Config
	logger   *slog.Logger
	mu       sync.Mutex // one inference at a time
}

// NewYuNet loads the YuNet ONNX model.
func NewYuNet(cfg Config) (*YuNetDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("detection: model file not found: %s", cfg.ModelPath)
	}
	nms := cfg.NMSThresh
	if nms <= 0 {
		nms = 0.3
	}

	// Input size is updated per image in DetectMat.
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		float32(nms),
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &YuNetDetector{
		detector: detector,
		config:   cfg,
		logger:   log.Component("yunet"),
	}, nil
}

// Detect decodes a JPEG and finds faces in it.
func (d *YuNetDetector) Detect(jpeg []byte) ([]Detection, error) {
	img, err := decodeJPEG(jpeg)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return d.DetectMat(img)
}

// DetectMat finds faces in a BGR image.
func (d *YuNetDetector) DetectMat(img gocv.Mat) ([]Detection, error) {
	if img.Empty() {
		return nil, ErrEmptyImage
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	imgW := float64(img.Cols())
	imgH := float64(img.Rows())
	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(img, &faces)

	// Rows are x, y, w, h, five landmark pairs, score.
	detections := make([]Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		detections = append(detections, Detection{
			X:          float64(faces.GetFloatAt(r, 0)) / imgW,
			Y:          float64(faces.GetFloatAt(r, 1)) / imgH,
			W:          float64(faces.GetFloatAt(r, 2)) / imgW,
			H:          float64(faces.GetFloatAt(r, 3)) / imgH,
			Confidence: float64(faces.GetFloatAt(r, 14)),
			Class:      "face",
		})
	}

	if len(detections) > 0 {
		d.logger.Debug("faces detected", "count", len(detections))
	}
	return detections, nil
}

// Close releases the detector.
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
