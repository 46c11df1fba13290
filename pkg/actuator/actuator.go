// Package actuator delivers controller outputs to whatever moves the
// stage or head. Implementations are thin transports; the motion driver
// itself lives elsewhere.
package actuator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-visualservo/internal/log"
)

// Actuator applies one controller output. The loop logs and counts
// failures but never feeds them back into the controller.
type Actuator interface {
	Apply(ctx context.Context, output float64) error
}

// Func adapts a function to Actuator.
type Func func(ctx context.Context, output float64) error

func (fn Func) Apply(ctx context.Context, output float64) error {
	return fn(ctx, output)
}

type cycleKey struct{}

type cycle struct {
	runID string
	seq   uint64
}

// WithCycle attaches the run ID and cycle sequence to ctx so transports
// can tag their commands.
func WithCycle(ctx context.Context, runID string, seq uint64) context.Context {
	return context.WithValue(ctx, cycleKey{}, cycle{runID: runID, seq: seq})
}

// CycleFrom returns the run ID and sequence stored by WithCycle.
func CycleFrom(ctx context.Context) (runID string, seq uint64) {
	c, _ := ctx.Value(cycleKey{}).(cycle)
	return c.runID, c.seq
}

// Log is a dry-run actuator that logs every output at debug level.
type Log struct {
	logger *slog.Logger
	count  atomic.Uint64
}

// NewLog creates a logging actuator.
func NewLog() *Log {
	return &Log{logger: log.Component("actuator")}
}

func (a *Log) Apply(ctx context.Context, output float64) error {
	runID, seq := CycleFrom(ctx)
	a.count.Add(1)
	a.logger.Debug("actuate", "run_id", runID, "seq", seq, "output", output)
	return nil
}

// Count returns how many outputs were applied.
func (a *Log) Count() uint64 {
	return a.count.Load()
}

// Recorder keeps every applied output in memory.
type Recorder struct {
	mu      sync.Mutex
	outputs []float64
}

func (r *Recorder) Apply(_ context.Context, output float64) error {
	r.mu.Lock()
	r.outputs = append(r.outputs, output)
	r.mu.Unlock()
	return nil
}

// Outputs returns a copy of the recorded outputs.
func (r *Recorder) Outputs() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.outputs...)
}
