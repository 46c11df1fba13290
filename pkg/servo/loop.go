// Package servo runs the closed visual-servo loop: acquire a frame, derive
// the measured input, compute the PID output, drive the actuator, release
// the frame, and wait for the next sample period.
package servo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/actuator"
	"github.com/teslashibe/go-visualservo/pkg/frame"
	"github.com/teslashibe/go-visualservo/pkg/pid"
	"github.com/teslashibe/go-visualservo/pkg/tracking"
)

// warnInterval limits repeated per-frame warnings to one per category.
const warnInterval = 5 * time.Second

// Config is the controller setup applied by New.
type Config struct {
	SamplePeriod time.Duration
	Setpoint     float64
	Kp, Ki, Kd   float64
	OutMin       float64
	OutMax       float64
	Direction    pid.Direction
	Auto         bool
}

// DefaultConfig returns a 10ms loop with the controller's default range
// and zero gains, starting in Manual.
func DefaultConfig() Config {
	return Config{
		SamplePeriod: 10 * time.Millisecond,
		OutMin:       pid.DefaultOutMin,
		OutMax:       pid.DefaultOutMax,
	}
}

// Loop owns one PID controller and drives it from a frame source.
//
// Run executes on a single goroutine. The tuning methods may be called
// from any goroutine; a mutex around the controller is the only
// synchronization between tuners and the loop.
type Loop struct {
	source  *frame.Source
	tracker tracking.Tracker
	act     actuator.Actuator
	logger  *slog.Logger

	mu  sync.Mutex
	pid *pid.Controller

	obsMu     sync.RWMutex
	observers []Observer

	stats   counters
	running atomic.Bool
	runID   atomic.Value // string

	lastWarn map[string]time.Time

	actTimeout time.Duration // bound on each Apply call
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger overrides the loop logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithActuatorTimeout bounds each actuator call. The default is one sample
// period, so a stalled driver costs at most one cycle.
func WithActuatorTimeout(d time.Duration) Option {
	return func(lp *Loop) {
		if d > 0 {
			lp.actTimeout = d
		}
	}
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(lp *Loop) {
		lp.observers = append(lp.observers, o)
	}
}

// New builds a loop. Invalid periods, limits or gains are rejected with
// pid.ErrInvalidConfig.
func New(src *frame.Source, tr tracking.Tracker, act actuator.Actuator, cfg Config, opts ...Option) (*Loop, error) {
	if src == nil || tr == nil || act == nil {
		return nil, ErrNilDependency
	}

	c, err := pid.New(cfg.SamplePeriod)
	if err != nil {
		return nil, err
	}
	if err := c.SetOutputLimits(cfg.OutMin, cfg.OutMax); err != nil {
		return nil, err
	}
	c.SetDirection(cfg.Direction)
	if err := c.SetTunings(cfg.Kp, cfg.Ki, cfg.Kd); err != nil {
		return nil, err
	}
	if err := c.SetSetpoint(cfg.Setpoint); err != nil {
		return nil, err
	}
	c.SetAutoMode(cfg.Auto)

	l := &Loop{
		source:   src,
		tracker:  tr,
		act:      act,
		logger:   log.Component("servo"),
		pid:      c,
		lastWarn: make(map[string]time.Time),
	}
	l.runID.Store("")
	for _, opt := range opts {
		opt(l)
	}
	if l.actTimeout == 0 {
		l.actTimeout = cfg.SamplePeriod
	}
	return l, nil
}

// AddObserver registers an observer. Safe to call while running.
func (l *Loop) AddObserver(o Observer) {
	l.obsMu.Lock()
	l.observers = append(l.observers, o)
	l.obsMu.Unlock()
}

// RunID returns the ID of the current or most recent run.
func (l *Loop) RunID() string {
	return l.runID.Load().(string)
}

// Running reports whether Run is in progress.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run starts acquisition and cycles until ctx is done or the device fails.
//
// It returns nil on cancellation and the *frame.DeviceError on a fatal
// device failure. If acquisition cannot start, Run returns that error
// without calling Stop. Otherwise Stop is called exactly once on exit.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	runID := uuid.NewString()
	l.runID.Store(runID)
	logger := l.logger.With("run_id", runID)

	if err := l.source.Start(); err != nil {
		logger.Error("acquisition failed to start", "error", err)
		return fmt.Errorf("servo: start acquisition: %w", err)
	}
	defer func() {
		if err := l.source.Stop(); err != nil {
			logger.Warn("end acquisition failed", "error", err)
		}
	}()

	period := l.pid.SamplePeriod()
	logger.Info("loop started", "period", period, "mode", l.Mode().String())

	timer := time.NewTimer(period)
	defer timer.Stop()

	var seq uint64
	for {
		if ctx.Err() != nil {
			logger.Info("loop stopped", "cycles", seq)
			return nil
		}

		seq++
		start := time.Now()
		outcome, err := l.cycle(ctx, logger, runID, seq)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("loop stopped", "cycles", seq)
				return nil
			}
			logger.Error("device failure, stopping loop", "error", err)
			return err
		}

		// A timeout already waited longer than a period.
		if outcome == OutcomeTimeout {
			continue
		}

		wait := time.Until(start.Add(period))
		if wait <= 0 {
			l.stats.overruns.Add(1)
			logger.Debug("cycle overran period", "seq", seq, "elapsed", time.Since(start))
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			logger.Info("loop stopped", "cycles", seq)
			return nil
		case <-timer.C:
		}
	}
}

// cycle runs one acquire/track/compute/actuate/release pass. It returns an
// error only for conditions that end the loop.
func (l *Loop) cycle(ctx context.Context, logger *slog.Logger, runID string, seq uint64) (Outcome, error) {
	start := time.Now()

	f, err := l.source.Next(ctx)
	if err != nil {
		if errors.Is(err, frame.ErrAcquireTimeout) {
			l.warnf(logger, "timeout", "frame acquire timed out", "timeouts", l.stats.timeouts.Load()+1)
			l.finish(Sample{RunID: runID, Seq: seq, Outcome: OutcomeTimeout}, start)
			return OutcomeTimeout, nil
		}
		return "", err
	}
	defer func() {
		if rerr := l.source.Release(f); rerr != nil {
			logger.Warn("frame release failed", "seq", f.Sequence, "error", rerr)
		}
	}()

	sample := Sample{RunID: runID, Seq: seq, FrameSeq: f.Sequence}

	if !f.Complete {
		sample.Outcome = OutcomeIncomplete
		sample.Status = f.Status
		l.warnf(logger, "incomplete", "incomplete frame",
			"frame", f.Sequence, "status", frame.StatusText(f.Status), "error", frame.ErrIncompleteFrame)
		l.finish(sample, start)
		return OutcomeIncomplete, nil
	}

	input, err := l.tracker.DeriveInput(f)
	if err != nil {
		sample.Outcome = OutcomeTrackingError
		l.warnf(logger, "tracking", "tracking failed", "frame", f.Sequence, "error", err)
		l.finish(sample, start)
		return OutcomeTrackingError, nil
	}

	l.mu.Lock()
	output := l.pid.Compute(input)
	sample.Setpoint = l.pid.Setpoint()
	sample.Mode = l.pid.Mode().String()
	sample.Terms = l.pid.Terms()
	l.mu.Unlock()

	sample.Input = input
	sample.Output = output
	sample.Outcome = OutcomeComputed

	actx, cancel := context.WithTimeout(actuator.WithCycle(ctx, runID, seq), l.actTimeout)
	err = l.act.Apply(actx, output)
	cancel()
	if err != nil {
		n := l.stats.actuatorErrors.Add(1)
		l.warnf(logger, "actuator", "actuator failed", "error", err, "total_errors", n)
	}

	l.finish(sample, start)
	return OutcomeComputed, nil
}

// finish counts the outcome and notifies observers.
func (l *Loop) finish(s Sample, start time.Time) {
	l.stats.count(s.Outcome)

	if s.Outcome != OutcomeComputed {
		l.mu.Lock()
		s.Setpoint = l.pid.Setpoint()
		s.Output = l.pid.Output()
		s.Mode = l.pid.Mode().String()
		l.mu.Unlock()
	}
	s.Time = time.Now()
	s.Elapsed = s.Time.Sub(start)

	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	for _, o := range l.observers {
		o.OnCycle(s)
	}
}

// warnf logs at warn level at most once per warnInterval per category and
// at debug level otherwise.
func (l *Loop) warnf(logger *slog.Logger, category, msg string, args ...any) {
	now := time.Now()
	if last, ok := l.lastWarn[category]; ok && now.Sub(last) < warnInterval {
		logger.Debug(msg, args...)
		return
	}
	l.lastWarn[category] = now
	logger.Warn(msg, args...)
}
