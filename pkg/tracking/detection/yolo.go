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

// YOLODetector runs a YOLOv8 ONNX model and reports boxes of one class.
type YOLODetector struct {
	net       gocv.Net
	config    Config
	inputSize image.Point
	logger    *slog.Logger
	mu        sync.Mutex
}

// DefaultYOLOConfig returns defaults for YOLOv8n tracking people.
func DefaultYOLOConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
		TargetClass:      "person",
	}
}

// NewYOLO loads a YOLOv8 model. An empty TargetClass keeps every class.
func NewYOLO(cfg Config) (*YOLODetector, error) {
	if cfg.TargetClass != "" && ClassID(cfg.TargetClass) < 0 {
		return nil, fmt.Errorf("detection: unknown class %q", cfg.TargetClass)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("detection: model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("detection: failed to load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLODetector{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
		logger:    log.Component("yolo"),
	}, nil
}

// Detect decodes a JPEG and finds objects of the target class.
func (d *YOLODetector) Detect(jpeg []byte) ([]Detection, error) {
	img, err := decodeJPEG(jpeg)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return d.DetectMat(img)
}

// DetectMat finds objects of the target class in a BGR image.
func (d *YOLODetector) DetectMat(img gocv.Mat) ([]Detection, error) {
	if img.Empty() {
		return nil, ErrEmptyImage
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	dets, err := d.parse(output, float32(img.Cols()), float32(img.Rows()))
	if err != nil {
		return nil, err
	}
	if len(dets) > 0 {
		d.logger.Debug("objects detected", "count", len(dets), "class", d.config.TargetClass)
	}
	return dets, nil
}

// parse decodes a [1, 4+classes, anchors] YOLOv8 tensor and applies NMS.
func (d *YOLODetector) parse(output gocv.Mat, imgW, imgH float32) ([]Detection, error) {
	anchors := output.Cols()
	channels := output.Rows()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("detection: read yolo output: %w", err)
	}

	target := ClassID(d.config.TargetClass)
	thresh := float32(d.config.ConfidenceThresh)
	sx := imgW / float32(d.config.InputWidth)
	sy := imgH / float32(d.config.InputHeight)

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for i := 0; i < anchors; i++ {
		best, bestClass := float32(0), -1
		for c := 4; c < channels; c++ {
			if target >= 0 && c-4 != target {
				continue
			}
			if s := data[c*anchors+i]; s > best {
				best, bestClass = s, c-4
			}
		}
		if bestClass < 0 || best < thresh {
			continue
		}

		cx, cy := data[i], data[anchors+i]
		w, h := data[2*anchors+i], data[3*anchors+i]
		boxes = append(boxes, image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		))
		scores = append(scores, best)
		classes = append(classes, bestClass)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, thresh, float32(d.config.NMSThresh))
	dets := make([]Detection, 0, len(keep))
	for _, idx := range keep {
		box := boxes[idx]
		dets = append(dets, Detection{
			X:          float64(box.Min.X) / float64(imgW),
			Y:          float64(box.Min.Y) / float64(imgH),
			W:          float64(box.Dx()) / float64(imgW),
			H:          float64(box.Dy()) / float64(imgH),
			Confidence: float64(scores[idx]),
			Class:      COCOClasses[classes[idx]],
		})
	}
	return dets, nil
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

// ClassID returns the COCO index of name, or -1.
func ClassID(name string) int {
	for i, c := range COCOClasses {
		if c == name {
			return i
		}
	}
	return -1
}

// COCOClasses contains the 80 COCO class names.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator",
	"book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
