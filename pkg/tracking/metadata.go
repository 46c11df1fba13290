package tracking

import (
	"math"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

// MetadataTracker reads the measurement from Frame.Meta. Simulators and
// test rigs attach ground truth there.
type MetadataTracker struct {
	Key string
}

// NewMetadataTracker tracks the given Meta key.
func NewMetadataTracker(key string) *MetadataTracker {
	return &MetadataTracker{Key: key}
}

func (t *MetadataTracker) DeriveInput(f *frame.Frame) (float64, error) {
	if f == nil {
		return 0, trackingErr(f, "nil frame", ErrNoTarget)
	}
	v, ok := f.Meta[t.Key]
	if !ok {
		return 0, trackingErr(f, "missing meta "+t.Key, ErrNoTarget)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, trackingErr(f, "non-finite meta "+t.Key, ErrNoTarget)
	}
	return v, nil
}
