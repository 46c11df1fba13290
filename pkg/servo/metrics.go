package servo

import (
	"github.com/bsm/openmetrics"
)

// Metrics exports loop telemetry through an OpenMetrics registry.
// Register it as an Observer.
type Metrics struct {
	reg *openmetrics.Registry

	setpoint openmetrics.GaugeFamily
	input    openmetrics.GaugeFamily
	output   openmetrics.GaugeFamily
	elapsed  openmetrics.GaugeFamily
	cycles   openmetrics.CounterFamily
}

// NewMetrics registers the servo metrics on reg. A nil reg uses the
// default registry.
func NewMetrics(reg *openmetrics.Registry) *Metrics {
	if reg == nil {
		reg = openmetrics.DefaultRegistry()
	}
	return &Metrics{
		reg: reg,
		setpoint: reg.Gauge(openmetrics.Desc{
			Name: "servo_setpoint",
			Help: "Controller setpoint",
		}),
		input: reg.Gauge(openmetrics.Desc{
			Name: "servo_input",
			Help: "Last measured process value",
		}),
		output: reg.Gauge(openmetrics.Desc{
			Name: "servo_output",
			Help: "Last controller output",
		}),
		elapsed: reg.Gauge(openmetrics.Desc{
			Name: "servo_cycle_seconds",
			Help: "Time spent in the last cycle",
			Unit: "seconds",
		}),
		cycles: reg.Counter(openmetrics.Desc{
			Name:   "servo_cycles",
			Help:   "Control cycles by outcome",
			Labels: []string{"outcome"},
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *openmetrics.Registry {
	return m.reg
}

func (m *Metrics) OnCycle(s Sample) {
	m.cycles.With(string(s.Outcome)).Add(1)
	m.setpoint.With().Set(s.Setpoint)
	m.output.With().Set(s.Output)
	m.elapsed.With().Set(s.Elapsed.Seconds())
	if s.Outcome == OutcomeComputed {
		m.input.With().Set(s.Input)
	}
}
