package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/frame"
)

// DefaultQueueSize is the number of assembled frames buffered ahead of the
// consumer.
const DefaultQueueSize = 4

var (
	// ErrNotAcquiring is returned by NextFrame outside Begin/EndAcquisition.
	ErrNotAcquiring = errors.New("stream: acquisition not running")

	// ErrNoTrack is returned when a WebRTC peer never offers video.
	ErrNoTrack = errors.New("stream: no video track")
)

type options struct {
	maxFrameSize int
	queueSize    int
	trackTimeout time.Duration
	producer     string
	logger       *slog.Logger
}

// Option configures a stream device.
type Option func(*options)

// WithMaxFrameSize bounds an access unit; larger units are StatusOversize.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// WithQueueSize sets how many frames are buffered ahead of NextFrame.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithTrackTimeout bounds how long BeginAcquisition waits for a WebRTC
// video track.
func WithTrackTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.trackTimeout = d
		}
	}
}

// WithProducer selects the WebRTC producer by its meta name. Empty picks
// the first producer listed.
func WithProducer(name string) Option {
	return func(o *options) { o.producer = name }
}

// WithLogger overrides the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		maxFrameSize: DefaultMaxFrameSize,
		queueSize:    DefaultQueueSize,
		trackTimeout: 15 * time.Second,
		logger:       log.Component(component),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// queue hands assembled frames from a receive goroutine to NextFrame.
// When the consumer falls behind the oldest frame is dropped.
type queue struct {
	ch chan *frame.Frame

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool

	dropped     atomic.Uint64
	outstanding atomic.Int64
}

func newQueue(size int) *queue {
	return &queue{ch: make(chan *frame.Frame, size), done: make(chan struct{})}
}

func (q *queue) push(f *frame.Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// fail ends the queue; NextFrame returns err once buffered frames drain.
func (q *queue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.done)
}

func (q *queue) next(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-q.ch:
		q.outstanding.Add(1)
		return f, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-q.ch:
		q.outstanding.Add(1)
		return f, nil
	case <-q.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return nil, q.err
	}
}

func (q *queue) release(*frame.Frame) error {
	q.outstanding.Add(-1)
	return nil
}
