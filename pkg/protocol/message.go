// Package protocol defines the JSON messages exchanged over the servo's
// websockets: telemetry to dashboards, commands to actuator daemons and
// tuning updates from clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Loop -> dashboard
	TypeTelemetry MessageType = "telemetry" // one control cycle
	TypeState     MessageType = "state"     // controller snapshot
	TypeError     MessageType = "error"

	// Loop -> actuator daemon
	TypeCommand MessageType = "command"

	// Dashboard -> loop
	TypeTuning MessageType = "tuning"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"` // ID of the message being answered
	Timestamp int64           `json:"ts,omitempty"`       // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with a fresh ID, stamped with the current
// time.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s data: %w", msgType, err)
		}
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// ParseData unmarshals the payload into v. An empty payload leaves v as is.
func (m *Message) ParseData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("protocol: parse %s data: %w", m.Type, err)
	}
	return nil
}

// InReplyTo marks m as the answer to req and returns m.
func (m *Message) InReplyTo(req *Message) *Message {
	if m != nil && req != nil {
		m.ReplyTo = req.ID
	}
	return m
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: message has no type")
	}
	return &msg, nil
}

// TelemetryData describes one control cycle.
type TelemetryData struct {
	RunID    string  `json:"run_id"`
	Seq      uint64  `json:"seq"`
	TimeMs   int64   `json:"time_ms"`
	Setpoint float64 `json:"setpoint"`
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Mode     string  `json:"mode"`
	Outcome  string  `json:"outcome"`
	P        float64 `json:"p"`
	I        float64 `json:"i"`
	D        float64 `json:"d"`
}

// CommandData is an actuator setpoint sent to a driver daemon.
type CommandData struct {
	RunID  string  `json:"run_id,omitempty"`
	Seq    uint64  `json:"seq"`
	Output float64 `json:"output"`
}

// TuningData is a partial tuning update; nil fields are left unchanged.
type TuningData struct {
	Setpoint *float64 `json:"setpoint,omitempty"`
	Kp       *float64 `json:"kp,omitempty"`
	Ki       *float64 `json:"ki,omitempty"`
	Kd       *float64 `json:"kd,omitempty"`
	OutMin   *float64 `json:"out_min,omitempty"`
	OutMax   *float64 `json:"out_max,omitempty"`
	Mode     *string  `json:"mode,omitempty"`

	Direction    *string  `json:"direction,omitempty"`
	ManualOutput *float64 `json:"manual_output,omitempty"`
}

// ErrorData carries a human-readable error.
type ErrorData struct {
	Message string `json:"message"`
}

// PingData is a health check.
type PingData struct {
	ID string `json:"id"`
}

// PongData answers a ping.
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
