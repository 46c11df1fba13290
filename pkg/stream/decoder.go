package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrNoPicture is returned when ffmpeg produced no usable image, typically
// because no keyframe has been seen yet.
var ErrNoPicture = errors.New("stream: no decodable picture")

const (
	nalIDR = 5
	nalSPS = 7

	// Bound on the buffered group of pictures.
	maxGOPBytes = 16 << 20
)

// Decoder turns H264 access units into JPEG using an ffmpeg subprocess
// over pipes. It buffers from the most recent keyframe so inter frames
// can be decoded.
type Decoder struct {
	bin     string
	timeout time.Duration
	quality int

	mu  sync.Mutex
	gop []byte
}

// NewDecoder creates a decoder. timeout bounds each ffmpeg run.
func NewDecoder(timeout time.Duration) *Decoder {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Decoder{bin: "ffmpeg", timeout: timeout, quality: 3}
}

// Available reports whether the ffmpeg binary is on PATH.
func (d *Decoder) Available() bool {
	_, err := exec.LookPath(d.bin)
	return err == nil
}

// DecodeJPEG decodes one Annex-B access unit and returns the picture as
// JPEG.
func (d *Decoder) DecodeJPEG(au []byte) ([]byte, error) {
	d.mu.Lock()
	if startsGOP(au) || len(d.gop)+len(au) > maxGOPBytes {
		d.gop = d.gop[:0]
	}
	d.gop = append(d.gop, au...)
	input := append([]byte(nil), d.gop...)
	d.mu.Unlock()

	if !startsGOP(input) {
		return nil, ErrNoPicture
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.bin,
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", fmt.Sprint(d.quality),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stream: ffmpeg timed out after %s", d.timeout)
		}
		if stdout.Len() == 0 {
			return nil, fmt.Errorf("stream: ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
	}

	jpeg := lastJPEG(stdout.Bytes())
	if jpeg == nil || isGrayJPEG(jpeg) {
		return nil, ErrNoPicture
	}
	return jpeg, nil
}

// Reset drops the buffered pictures.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.gop = d.gop[:0]
	d.mu.Unlock()
}

// startsGOP reports whether an Annex-B buffer carries an SPS or IDR slice.
func startsGOP(au []byte) bool {
	for i := 0; i+3 < len(au); i++ {
		if au[i] == 0 && au[i+1] == 0 && au[i+2] == 1 {
			switch au[i+3] & 0x1F {
			case nalIDR, nalSPS:
				return true
			}
			i += 2
		}
	}
	return false
}

// lastJPEG returns the final image of an MJPEG stream.
func lastJPEG(b []byte) []byte {
	i := bytes.LastIndex(b, []byte{0xFF, 0xD8, 0xFF})
	if i < 0 {
		return nil
	}
	return b[i:]
}

// isGrayJPEG flags the flat gray pictures ffmpeg emits when references
// are missing.
func isGrayJPEG(data []byte) bool {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return true
	}
	defer img.Close()
	if img.Empty() || img.Cols() < 16 || img.Rows() < 16 {
		return true
	}

	mean, stddev := gocv.NewMat(), gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(img, &mean, &stddev)

	var sd float64
	for i := 0; i < stddev.Rows(); i++ {
		sd += stddev.GetDoubleAt(i, 0)
	}
	return sd < 1
}
