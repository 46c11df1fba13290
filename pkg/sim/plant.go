// Package sim provides a simulated stage and camera so the loop can run
// without hardware.
package sim

import (
	"sync"
	"time"
)

// Plant is a first-order lag: the position relaxes toward Gain*u with
// time constant Tau.
type Plant struct {
	mu       sync.Mutex
	gain     float64
	tau      time.Duration
	position float64
	command  float64
	elapsed  time.Duration
}

// NewPlant creates a plant at the given starting position.
func NewPlant(gain float64, tau time.Duration, start float64) *Plant {
	if tau <= 0 {
		tau = time.Millisecond
	}
	return &Plant{gain: gain, tau: tau, position: start}
}

// SetCommand sets the actuator input u.
func (p *Plant) SetCommand(u float64) {
	p.mu.Lock()
	p.command = u
	p.mu.Unlock()
}

// Command returns the actuator input.
func (p *Plant) Command() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.command
}

// Step advances the plant by dt and returns the new position.
func (p *Plant) Step(dt time.Duration) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Forward Euler, clamped so large steps never overshoot the target.
	k := dt.Seconds() / p.tau.Seconds()
	if k > 1 {
		k = 1
	}
	p.position += (p.gain*p.command - p.position) * k
	p.elapsed += dt
	return p.position
}

// Position returns the current position.
func (p *Plant) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Elapsed returns the simulated time.
func (p *Plant) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed
}
