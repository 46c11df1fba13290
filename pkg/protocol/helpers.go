package protocol

import "time"

// NewTelemetryMessage wraps one cycle's telemetry.
func NewTelemetryMessage(t TelemetryData) (*Message, error) {
	return NewMessage(TypeTelemetry, t)
}

// NewCommandMessage wraps an actuator command.
func NewCommandMessage(runID string, seq uint64, output float64) (*Message, error) {
	return NewMessage(TypeCommand, CommandData{RunID: runID, Seq: seq, Output: output})
}

// NewErrorMessage wraps an error for a client.
func NewErrorMessage(err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Message: err.Error()})
}

// NewPingMessage creates a ping.
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id})
}

// NewPongMessage answers ping, computing latency from the ping's timestamp.
func NewPongMessage(ping *Message) (*Message, error) {
	var pd PingData
	if err := ping.ParseData(&pd); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	return NewMessage(TypePong, PongData{
		ID:        pd.ID,
		PingTS:    ping.Timestamp,
		PongTS:    now,
		LatencyMs: now - ping.Timestamp,
	})
}

// Telemetry extracts telemetry data.
func (m *Message) Telemetry() (*TelemetryData, error) {
	var d TelemetryData
	if err := m.ParseData(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Command extracts an actuator command.
func (m *Message) Command() (*CommandData, error) {
	var d CommandData
	if err := m.ParseData(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Tuning extracts a tuning update.
func (m *Message) Tuning() (*TuningData, error) {
	var d TuningData
	if err := m.ParseData(&d); err != nil {
		return nil, err
	}
	return &d, nil
}
