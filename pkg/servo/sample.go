package servo

import (
	"time"

	"github.com/teslashibe/go-visualservo/pkg/pid"
)

// Outcome classifies what happened in one cycle.
type Outcome string

const (
	OutcomeComputed      Outcome = "computed"
	OutcomeIncomplete    Outcome = "incomplete"
	OutcomeTrackingError Outcome = "tracking_error"
	OutcomeTimeout       Outcome = "timeout"
)

// Outcomes lists every outcome, in reporting order.
var Outcomes = []Outcome{OutcomeComputed, OutcomeIncomplete, OutcomeTrackingError, OutcomeTimeout}

// Sample is the record of one control cycle handed to observers.
type Sample struct {
	RunID    string        `json:"run_id"`
	Seq      uint64        `json:"seq"`
	Time     time.Time     `json:"time"`
	FrameSeq uint64        `json:"frame_seq"`
	Outcome  Outcome       `json:"outcome"`
	Status   int           `json:"status,omitempty"` // device status for incomplete frames
	Setpoint float64       `json:"setpoint"`
	Input    float64       `json:"input"`
	Output   float64       `json:"output"`
	Mode     string        `json:"mode"`
	Terms    pid.Terms     `json:"terms"`
	Elapsed  time.Duration `json:"elapsed"` // time spent inside the cycle
}

// Observer receives a Sample after every cycle. OnCycle runs on the loop
// goroutine and must not block.
type Observer interface {
	OnCycle(s Sample)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s Sample)

func (fn ObserverFunc) OnCycle(s Sample) {
	fn(s)
}
