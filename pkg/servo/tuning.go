package servo

import (
	"fmt"
	"math"

	"github.com/teslashibe/go-visualservo/pkg/pid"
)

// TuningParams is a partial tuning update. Nil fields are left unchanged.
type TuningParams struct {
	Setpoint     *float64 `json:"setpoint,omitempty"`
	Kp           *float64 `json:"kp,omitempty"`
	Ki           *float64 `json:"ki,omitempty"`
	Kd           *float64 `json:"kd,omitempty"`
	OutMin       *float64 `json:"out_min,omitempty"`
	OutMax       *float64 `json:"out_max,omitempty"`
	Mode         *string  `json:"mode,omitempty"`      // auto or manual
	Direction    *string  `json:"direction,omitempty"` // direct or reverse
	ManualOutput *float64 `json:"manual_output,omitempty"`
}

// SetSetpoint changes the target process value. Non-finite values are
// rejected.
func (l *Loop) SetSetpoint(v float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.SetSetpoint(v)
}

// SetTunings changes the gains. Non-finite gains are rejected.
func (l *Loop) SetTunings(kp, ki, kd float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.SetTunings(kp, ki, kd)
}

// SetOutputLimits changes the clamp range; min > max is rejected and
// leaves the controller unchanged.
func (l *Loop) SetOutputLimits(min, max float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.SetOutputLimits(min, max)
}

// SetAutoMode switches between Auto and Manual. Entering Auto is bumpless.
func (l *Loop) SetAutoMode(enabled bool) {
	l.mu.Lock()
	l.pid.SetAutoMode(enabled)
	l.mu.Unlock()
	l.logger.Info("mode changed", "auto", enabled)
}

// SetDirection switches between direct and reverse action.
func (l *Loop) SetDirection(d pid.Direction) {
	l.mu.Lock()
	l.pid.SetDirection(d)
	l.mu.Unlock()
}

// SetManualOutput drives the output directly while in Manual.
func (l *Loop) SetManualOutput(v float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.SetManualOutput(v)
}

// Output returns the most recent controller output.
func (l *Loop) Output() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.Output()
}

// Mode returns the controller mode.
func (l *Loop) Mode() pid.Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.Mode()
}

// State returns a controller snapshot.
func (l *Loop) State() pid.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.State()
}

// Stats returns loop counters including frame accounting.
func (l *Loop) Stats() Stats {
	s := l.stats.snapshot()
	c := l.source.Counts()
	s.Acquired = c.Acquired
	s.Released = c.Released
	return s
}

// Tuning returns the current parameters with every field set.
func (l *Loop) Tuning() TuningParams {
	st := l.State()
	return TuningParams{
		Setpoint:  &st.Setpoint,
		Kp:        &st.Kp,
		Ki:        &st.Ki,
		Kd:        &st.Kd,
		OutMin:    &st.OutMin,
		OutMax:    &st.OutMax,
		Mode:      &st.Mode,
		Direction: &st.Direction,
	}
}

// ApplyTuning validates a partial update and applies it atomically with
// respect to the loop. On error nothing is changed.
func (l *Loop) ApplyTuning(p TuningParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.pid.State()

	kp, ki, kd := st.Kp, st.Ki, st.Kd
	pick(&kp, p.Kp)
	pick(&ki, p.Ki)
	pick(&kd, p.Kd)
	if !finite(kp) || !finite(ki) || !finite(kd) {
		return fmt.Errorf("%w: gains must be finite", pid.ErrInvalidConfig)
	}

	min, max := st.OutMin, st.OutMax
	pick(&min, p.OutMin)
	pick(&max, p.OutMax)
	if math.IsNaN(min) || math.IsNaN(max) || min > max {
		return fmt.Errorf("%w: output limits min=%v > max=%v", pid.ErrInvalidConfig, min, max)
	}

	if p.Setpoint != nil && !finite(*p.Setpoint) {
		return fmt.Errorf("%w: setpoint must be finite", pid.ErrInvalidConfig)
	}

	mode := l.pid.Mode()
	if p.Mode != nil {
		m, err := pid.ParseMode(*p.Mode)
		if err != nil {
			return err
		}
		mode = m
	}

	dir := l.pid.Direction()
	if p.Direction != nil {
		d, err := pid.ParseDirection(*p.Direction)
		if err != nil {
			return err
		}
		dir = d
	}

	if p.ManualOutput != nil {
		if mode == pid.Auto {
			return pid.ErrAutoMode
		}
		if !finite(*p.ManualOutput) {
			return fmt.Errorf("%w: manual output must be finite", pid.ErrInvalidConfig)
		}
	}

	// Everything validated; the calls below cannot fail.
	l.pid.SetDirection(dir)
	l.pid.SetTunings(kp, ki, kd)
	l.pid.SetOutputLimits(min, max)
	if p.Setpoint != nil {
		l.pid.SetSetpoint(*p.Setpoint)
	}
	if p.ManualOutput != nil {
		l.pid.SetMode(pid.Manual)
		l.pid.SetManualOutput(*p.ManualOutput)
	}
	l.pid.SetMode(mode)
	return nil
}

func pick(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
