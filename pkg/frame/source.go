package frame

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-visualservo/internal/log"
)

// DefaultAcquireTimeout bounds a single Next call.
const DefaultAcquireTimeout = time.Second

// Source wraps a Device and enforces the acquisition lifecycle:
// Open, Start, Next/Release for each frame, Stop, Close.
//
// Next and Release are meant to be called from a single goroutine. The
// counters are safe to read from any goroutine.
type Source struct {
	dev     Device
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	opened  bool
	started bool
	stopped bool

	stopOnce sync.Once
	stopErr  error

	acquired atomic.Uint64
	released atomic.Uint64
}

// Option configures a Source.
type Option func(*Source)

// WithAcquireTimeout sets the per-frame acquire bound. Non-positive values
// keep the default.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger used for release warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSource creates a Source over dev.
func NewSource(dev Device, opts ...Option) *Source {
	s := &Source{
		dev:     dev,
		timeout: DefaultAcquireTimeout,
		logger:  log.Component("frame"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AcquireTimeout returns the per-frame acquire bound.
func (s *Source) AcquireTimeout() time.Duration {
	return s.timeout
}

// Open initializes the device. Calling Open twice is a no-op.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *Source) openLocked() error {
	if s.opened {
		return nil
	}
	if err := s.dev.Init(); err != nil {
		return &DeviceError{Op: "init", Err: err}
	}
	s.opened = true
	return nil
}

// Start begins continuous acquisition, opening the device first if needed.
// A failure here is a fatal precondition failure for the caller. A Source
// cannot be restarted after Stop.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.stopped {
		return ErrClosed
	}
	if err := s.openLocked(); err != nil {
		return err
	}
	if err := s.dev.BeginAcquisition(); err != nil {
		return &DeviceError{Op: "begin", Err: err}
	}
	s.started = true
	return nil
}

// Started reports whether acquisition is running.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Next blocks for the next frame, bounded by the acquire timeout.
//
// It returns ErrAcquireTimeout when no frame arrived in time, ctx.Err() when
// the caller's context is done, and a *DeviceError for device failures.
// Incomplete frames are returned with Complete=false and a nil error; the
// caller still owns them and must Release them.
func (s *Source) Next(ctx context.Context) (*Frame, error) {
	if !s.Started() {
		return nil, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	f, err := s.dev.NextFrame(actx)
	if err != nil {
		if f != nil {
			// A device that returns both still hands over the buffer.
			f.released = false
			s.acquired.Add(1)
			_ = s.Release(f)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrAcquireTimeout) ||
			(errors.Is(err, context.DeadlineExceeded) && actx.Err() != nil) {
			return nil, ErrAcquireTimeout
		}
		var de *DeviceError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DeviceError{Op: "acquire", Err: err}
	}
	if f == nil {
		return nil, &DeviceError{Op: "acquire", Err: errors.New("device returned no frame")}
	}

	f.released = false
	s.acquired.Add(1)
	return f, nil
}

// Release hands the frame back to the device. A frame is released at most
// once; later calls log a warning and return ErrDoubleRelease without
// touching the device.
func (s *Source) Release(f *Frame) error {
	if f == nil {
		return nil
	}
	if f.released {
		s.logger.Warn("frame released twice", "seq", f.Sequence)
		return ErrDoubleRelease
	}
	f.released = true
	s.released.Add(1)

	if err := s.dev.Release(f); err != nil {
		return &DeviceError{Op: "release", Err: err}
	}
	return nil
}

// Stop ends acquisition. Only the first call after a successful Start
// reaches the device; later calls return the first result.
func (s *Source) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return s.stopErr
	}

	s.stopOnce.Do(func() {
		if err := s.dev.EndAcquisition(); err != nil {
			s.stopErr = &DeviceError{Op: "end", Err: err}
		}
		s.mu.Lock()
		s.started = false
		s.stopped = true
		s.mu.Unlock()
	})
	return s.stopErr
}

// Close stops acquisition if needed and de-initializes the device.
func (s *Source) Close() error {
	stopErr := s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return stopErr
	}
	s.opened = false
	if err := s.dev.DeInit(); err != nil {
		return &DeviceError{Op: "deinit", Err: err}
	}
	return stopErr
}

// Counts is a snapshot of frame accounting.
type Counts struct {
	Acquired uint64 `json:"acquired"`
	Released uint64 `json:"released"`
}

// Counts returns how many frames were acquired and released.
func (s *Source) Counts() Counts {
	return Counts{Acquired: s.acquired.Load(), Released: s.released.Load()}
}

// Outstanding returns the number of acquired frames not yet released.
func (s *Source) Outstanding() int64 {
	return int64(s.acquired.Load()) - int64(s.released.Load())
}
