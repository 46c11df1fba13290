// Package pid implements the fixed-sample-period PID controller that closes
// the visual-servo loop.
//
// The controller computes derivative-on-input (no derivative kick on
// setpoint changes) and bounds the integral accumulator by clamping it
// directly into the output range after every update. Clamping after an
// unclamped add still lets the output overshoot for one cycle before the
// accumulator catches up.
//
// A Controller is not safe for concurrent use. The owner (normally
// servo.Loop) serializes Compute against tuning updates.
package pid

import (
	"fmt"
	"math"
	"time"
)

// Default output range used until SetOutputLimits is called.
const (
	DefaultOutMin = 0.0
	DefaultOutMax = 255.0
)

// Mode is the controller operating mode.
type Mode int

const (
	// Manual holds the output; Compute only records the input.
	Manual Mode = iota
	// Auto runs the PID law on every Compute.
	Auto
)

func (m Mode) String() string {
	switch m {
	case Manual:
		return "manual"
	case Auto:
		return "auto"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "auto" or "manual".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return Auto, nil
	case "manual":
		return Manual, nil
	}
	return Manual, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

// Direction selects whether a positive error drives the output up (Direct)
// or down (Reverse).
type Direction int

const (
	Direct Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "direct"
}

// ParseDirection parses "direct" or "reverse".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "direct":
		return Direct, nil
	case "reverse":
		return Reverse, nil
	}
	return Direct, fmt.Errorf("%w: unknown direction %q", ErrInvalidConfig, s)
}

// Terms is the breakdown of the most recent Auto-mode output.
type Terms struct {
	Error float64 `json:"error"`
	P     float64 `json:"p"`
	I     float64 `json:"i"`
	D     float64 `json:"d"`
}

// State is a snapshot of the controller for telemetry.
type State struct {
	Setpoint  float64 `json:"setpoint"`
	Input     float64 `json:"input"`
	Output    float64 `json:"output"`
	Integral  float64 `json:"integral"`
	LastInput float64 `json:"last_input"`

	// Tunings as given to SetTunings.
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`

	OutMin float64 `json:"out_min"`
	OutMax float64 `json:"out_max"`

	SamplePeriodMs int64  `json:"sample_period_ms"`
	Mode           string `json:"mode"`
	Direction      string `json:"direction"`
	Terms          Terms  `json:"terms"`
}

// Controller is a PID controller with a fixed sample period.
type Controller struct {
	setpoint  float64
	input     float64
	output    float64
	integral  float64
	lastInput float64

	// Internal gains: ki and kd are scaled by the sample period and all
	// three carry the sign of the direction.
	kp, ki, kd float64

	// Tunings as the caller supplied them.
	dispKp, dispKi, dispKd float64

	outMin, outMax float64

	period    time.Duration
	mode      Mode
	direction Direction
	terms     Terms
}

// New creates a controller in Manual mode with zero gains.
// The sample period must be a positive whole number of milliseconds.
func New(samplePeriod time.Duration) (*Controller, error) {
	if samplePeriod < time.Millisecond || samplePeriod%time.Millisecond != 0 {
		return nil, fmt.Errorf("%w: sample period %v must be a positive whole number of milliseconds",
			ErrInvalidConfig, samplePeriod)
	}
	return &Controller{
		outMin: DefaultOutMin,
		outMax: DefaultOutMax,
		period: samplePeriod,
		mode:   Manual,
	}, nil
}

// SamplePeriod returns the fixed cycle duration.
func (c *Controller) SamplePeriod() time.Duration {
	return c.period
}

// SetSetpoint sets the desired process value. Non-finite values are
// rejected.
func (c *Controller) SetSetpoint(v float64) error {
	if !finite(v) {
		return fmt.Errorf("%w: setpoint must be finite", ErrInvalidConfig)
	}
	c.setpoint = v
	return nil
}

// Setpoint returns the desired process value.
func (c *Controller) Setpoint() float64 {
	return c.setpoint
}

// Output returns the most recent output.
func (c *Controller) Output() float64 {
	return c.output
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Direction returns the controller action.
func (c *Controller) Direction() Direction {
	return c.direction
}

// Terms returns the P/I/D breakdown of the last Auto computation.
func (c *Controller) Terms() Terms {
	return c.terms
}

// Tunings returns the gains as supplied to SetTunings.
func (c *Controller) Tunings() (kp, ki, kd float64) {
	return c.dispKp, c.dispKi, c.dispKd
}

// Gains returns the internal, period-scaled gains used by Compute.
func (c *Controller) Gains() (kp, ki, kd float64) {
	return c.kp, c.ki, c.kd
}

// OutputLimits returns the clamp bounds.
func (c *Controller) OutputLimits() (min, max float64) {
	return c.outMin, c.outMax
}

// SetTunings stores kp directly and rescales ki and kd by the sample period
// in seconds. Signs are not checked; stability is the caller's concern.
func (c *Controller) SetTunings(kp, ki, kd float64) error {
	if !finite(kp) || !finite(ki) || !finite(kd) {
		return fmt.Errorf("%w: tunings must be finite (kp=%v ki=%v kd=%v)", ErrInvalidConfig, kp, ki, kd)
	}

	c.dispKp, c.dispKi, c.dispKd = kp, ki, kd

	seconds := c.period.Seconds()
	c.kp = kp
	c.ki = ki * seconds
	c.kd = kd / seconds

	if c.direction == Reverse {
		c.kp, c.ki, c.kd = -c.kp, -c.ki, -c.kd
	}
	return nil
}

// SetDirection switches between direct and reverse action. The internal
// gains are re-signed immediately.
func (c *Controller) SetDirection(d Direction) {
	if d != c.direction {
		c.kp, c.ki, c.kd = -c.kp, -c.ki, -c.kd
	}
	c.direction = d
}

// SetOutputLimits updates the clamp bounds and re-clamps the current output
// and integral accumulator into the new range.
func (c *Controller) SetOutputLimits(min, max float64) error {
	if math.IsNaN(min) || math.IsNaN(max) || min > max {
		return fmt.Errorf("%w: output limits min=%v > max=%v", ErrInvalidConfig, min, max)
	}
	c.outMin, c.outMax = min, max
	c.output = clamp(c.output, min, max)
	c.integral = clamp(c.integral, min, max)
	return nil
}

// SetAutoMode enables or disables automatic control. Entering Auto from
// Manual re-initializes the controller so the output does not jump.
func (c *Controller) SetAutoMode(enabled bool) {
	if enabled {
		c.SetMode(Auto)
	} else {
		c.SetMode(Manual)
	}
}

// SetMode is SetAutoMode with an explicit Mode.
func (c *Controller) SetMode(m Mode) {
	if m == Auto && c.mode != Auto {
		c.initialize()
	}
	c.mode = m
}

// SetManualOutput drives the output directly while in Manual mode. The value
// is clamped to the output limits and becomes the starting integral on the
// next switch to Auto.
func (c *Controller) SetManualOutput(v float64) error {
	if c.mode == Auto {
		return ErrAutoMode
	}
	if !finite(v) {
		return fmt.Errorf("%w: manual output must be finite", ErrInvalidConfig)
	}
	c.output = clamp(v, c.outMin, c.outMax)
	return nil
}

// initialize seeds the working state for a bumpless Manual to Auto transfer.
func (c *Controller) initialize() {
	c.lastInput = c.input
	c.integral = clamp(c.output, c.outMin, c.outMax)
}

// Compute runs one control cycle for the measured process value and returns
// the clamped output. In Manual mode only the input is recorded and the
// previous output is returned. Non-finite inputs leave the state untouched.
func (c *Controller) Compute(measured float64) float64 {
	if !finite(measured) {
		return c.output
	}

	c.input = measured
	if c.mode != Auto {
		return c.output
	}

	// err and dInput may overflow to ±Inf for finite operands; the clamps
	// below absorb that, and opposing infinite terms hold the last output.
	err := c.setpoint - measured

	if i := c.integral + term(c.ki, err); !math.IsNaN(i) {
		c.integral = clamp(i, c.outMin, c.outMax)
	}

	dInput := measured - c.lastInput

	p := term(c.kp, err)
	d := -term(c.kd, dInput)
	out := p + c.integral + d
	if math.IsNaN(out) {
		out = c.output
	}
	c.output = clamp(out, c.outMin, c.outMax)

	c.lastInput = measured
	c.terms = Terms{Error: saturate(err), P: saturate(p), I: c.integral, D: saturate(d)}

	return c.output
}

// State returns a snapshot for telemetry.
func (c *Controller) State() State {
	return State{
		Setpoint:       c.setpoint,
		Input:          c.input,
		Output:         c.output,
		Integral:       c.integral,
		LastInput:      c.lastInput,
		Kp:             c.dispKp,
		Ki:             c.dispKi,
		Kd:             c.dispKd,
		OutMin:         c.outMin,
		OutMax:         c.outMax,
		SamplePeriodMs: c.period.Milliseconds(),
		Mode:           c.mode.String(),
		Direction:      c.direction.String(),
		Terms:          c.terms,
	}
}

// clamp limits a value to a range.
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// term is gain*x with a zero gain or value contributing nothing, even
// when the other factor is infinite.
func term(gain, x float64) float64 {
	if gain == 0 || x == 0 {
		return 0
	}
	return gain * x
}

// saturate maps ±Inf to the largest finite value of the same sign.
func saturate(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
