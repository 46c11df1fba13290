package actuator

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// DeadZone skips outputs that differ from the last delivered one by less
// than Threshold. Idle loops then stop flooding the driver.
type DeadZone struct {
	next      Actuator
	threshold float64

	mu       sync.Mutex
	lastSent float64
	hasSent  bool

	skipped atomic.Uint64
}

// NewDeadZone wraps next. A non-positive threshold forwards everything.
func NewDeadZone(next Actuator, threshold float64) *DeadZone {
	return &DeadZone{next: next, threshold: threshold}
}

func (d *DeadZone) Apply(ctx context.Context, output float64) error {
	d.mu.Lock()
	if d.hasSent && math.Abs(output-d.lastSent) < d.threshold {
		d.mu.Unlock()
		d.skipped.Add(1)
		return nil
	}
	d.mu.Unlock()

	if err := d.next.Apply(ctx, output); err != nil {
		return err
	}

	d.mu.Lock()
	d.lastSent = output
	d.hasSent = true
	d.mu.Unlock()
	return nil
}

// Skipped returns how many outputs were suppressed.
func (d *DeadZone) Skipped() uint64 {
	return d.skipped.Load()
}

// Close closes the wrapped actuator if it supports it.
func (d *DeadZone) Close() error {
	if c, ok := d.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
