package servo

import "sync/atomic"

// Stats counts loop events since construction.
type Stats struct {
	Cycles         uint64 `json:"cycles"`
	Computed       uint64 `json:"computed"`
	Incomplete     uint64 `json:"incomplete"`
	TrackingErrors uint64 `json:"tracking_errors"`
	Timeouts       uint64 `json:"timeouts"`
	ActuatorErrors uint64 `json:"actuator_errors"`
	Overruns       uint64 `json:"overruns"`
	Acquired       uint64 `json:"acquired"`
	Released       uint64 `json:"released"`
}

type counters struct {
	cycles         atomic.Uint64
	computed       atomic.Uint64
	incomplete     atomic.Uint64
	trackingErrors atomic.Uint64
	timeouts       atomic.Uint64
	actuatorErrors atomic.Uint64
	overruns       atomic.Uint64
}

func (c *counters) count(o Outcome) {
	c.cycles.Add(1)
	switch o {
	case OutcomeComputed:
		c.computed.Add(1)
	case OutcomeIncomplete:
		c.incomplete.Add(1)
	case OutcomeTrackingError:
		c.trackingErrors.Add(1)
	case OutcomeTimeout:
		c.timeouts.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Cycles:         c.cycles.Load(),
		Computed:       c.computed.Load(),
		Incomplete:     c.incomplete.Load(),
		TrackingErrors: c.trackingErrors.Load(),
		Timeouts:       c.timeouts.Load(),
		ActuatorErrors: c.actuatorErrors.Load(),
		Overruns:       c.overruns.Load(),
	}
}
