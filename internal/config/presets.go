package config

import (
	"sort"
	"time"

	"github.com/teslashibe/go-visualservo/pkg/sim"
	"github.com/teslashibe/go-visualservo/pkg/tracking"
)

// Presets returns every named configuration.
func Presets() map[string]*Config {
	return map[string]*Config{
		"default":    DefaultConfig(),
		"slow":       slowPreset(),
		"aggressive": aggressivePreset(),
		"sim":        simPreset(),
	}
}

// PresetNames returns the preset names, sorted.
func PresetNames() []string {
	presets := Presets()
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPreset returns a fresh copy of the named preset, or nil.
func GetPreset(name string) *Config {
	return Presets()[name]
}

// slowPreset favours stability: low gains and heavy smoothing.
func slowPreset() *Config {
	cfg := DefaultConfig()
	cfg.Tracking = tracking.SlowConfig()
	cfg.Loop.SamplePeriodMS = 50
	cfg.Loop.Kp, cfg.Loop.Ki, cfg.Loop.Kd = 15, 1, 0.5
	cfg.Actuator.DeadZone = 0.5
	return cfg
}

// aggressivePreset reacts fast at the cost of overshoot.
func aggressivePreset() *Config {
	cfg := DefaultConfig()
	cfg.Tracking = tracking.AggressiveConfig()
	cfg.Camera.Framerate = 60
	cfg.Loop.SamplePeriodMS = 16
	cfg.Loop.Kp, cfg.Loop.Ki, cfg.Loop.Kd = 80, 15, 4
	return cfg
}

// simPreset closes the loop around the simulated stage with no hardware.
func simPreset() *Config {
	cfg := DefaultConfig()
	cfg.Source = SourceSim
	cfg.Sim = sim.DefaultConfig()
	cfg.Tracking.Detector = "meta"
	cfg.Tracking.MetaKey = sim.MetaPosition
	cfg.Actuator.Kind = ActuatorSim
	cfg.Loop = LoopConfig{
		SamplePeriodMS: 10,
		AcquireTimeout: time.Second,
		Setpoint:       50,
		Kp:             2,
		Ki:             4,
		Kd:             0.05,
		OutMin:         0,
		OutMax:         100,
		Direction:      "direct",
		Auto:           true,
	}
	return cfg
}
