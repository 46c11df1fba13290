package web

import (
	"errors"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/shirou/gopsutil/process"

	"github.com/teslashibe/go-visualservo/pkg/hub"
	"github.com/teslashibe/go-visualservo/pkg/pid"
	"github.com/teslashibe/go-visualservo/pkg/protocol"
	"github.com/teslashibe/go-visualservo/pkg/servo"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	pid.State
	RunID   string `json:"run_id"`
	Running bool   `json:"running"`
}

// ProcessStats reports resource use of the servo process.
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss_bytes"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	servo.Stats
	Process *ProcessStats `json:"process,omitempty"`
}

// errorHandler renders every error as {"error": "..."}.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// tuningError maps a rejected update to a client error.
func tuningError(err error) error {
	switch {
	case errors.Is(err, pid.ErrAutoMode):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, pid.ErrInvalidConfig):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return err
}

func badRequest(msg string) error {
	return fiber.NewError(fiber.StatusBadRequest, msg)
}

// handleState returns the controller snapshot
func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(StateResponse{
		State:   s.loop.State(),
		RunID:   s.loop.RunID(),
		Running: s.loop.Running(),
	})
}

func (s *Server) handleOutput(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"output": s.loop.Output()})
}

// handleStats returns loop counters and process resource use
func (s *Server) handleStats(c *fiber.Ctx) error {
	resp := StatsResponse{Stats: s.loop.Stats()}
	if ps, err := processStats(); err == nil {
		resp.Process = ps
	} else {
		s.logger.Debug("process stats unavailable", "error", err)
	}
	return c.JSON(resp)
}

func processStats() (*ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, err
	}
	return &ProcessStats{CPUPercent: cpu, RSS: mem.RSS}, nil
}

func (s *Server) handleGetTuning(c *fiber.Ctx) error {
	return c.JSON(s.loop.Tuning())
}

// SetpointRequest is the body of PUT /api/setpoint.
type SetpointRequest struct {
	Setpoint *float64 `json:"setpoint"`
}

func (s *Server) handleSetpoint(c *fiber.Ctx) error {
	var req SetpointRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	if req.Setpoint == nil {
		return badRequest("setpoint is required")
	}
	return s.apply(c, servo.TuningParams{Setpoint: req.Setpoint})
}

// TuningsRequest is the body of PUT /api/tunings. All three gains are
// required.
type TuningsRequest struct {
	Kp *float64 `json:"kp"`
	Ki *float64 `json:"ki"`
	Kd *float64 `json:"kd"`
}

func (s *Server) handleTunings(c *fiber.Ctx) error {
	var req TuningsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	if req.Kp == nil || req.Ki == nil || req.Kd == nil {
		return badRequest("kp, ki and kd are required")
	}
	return s.apply(c, servo.TuningParams{Kp: req.Kp, Ki: req.Ki, Kd: req.Kd})
}

// LimitsRequest is the body of PUT /api/limits.
type LimitsRequest struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

func (s *Server) handleLimits(c *fiber.Ctx) error {
	var req LimitsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	if req.Min == nil || req.Max == nil {
		return badRequest("min and max are required")
	}
	return s.apply(c, servo.TuningParams{OutMin: req.Min, OutMax: req.Max})
}

// ModeRequest is the body of PUT /api/mode. Output sets the manual output
// and is only accepted with mode "manual".
type ModeRequest struct {
	Mode   string   `json:"mode"`
	Output *float64 `json:"output,omitempty"`
}

func (s *Server) handleMode(c *fiber.Ctx) error {
	var req ModeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	if req.Mode == "" {
		return badRequest("mode is required")
	}
	return s.apply(c, servo.TuningParams{Mode: &req.Mode, ManualOutput: req.Output})
}

// handleTuning applies a partial update
func (s *Server) handleTuning(c *fiber.Ctx) error {
	var req servo.TuningParams
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	return s.apply(c, req)
}

func (s *Server) apply(c *fiber.Ctx, p servo.TuningParams) error {
	if err := s.loop.ApplyTuning(p); err != nil {
		return tuningError(err)
	}
	s.logger.Info("tuning applied", "source", "api", "path", c.Path())
	return c.JSON(s.loop.State())
}

// handleTelemetryWS streams telemetry and accepts tuning messages.
func (s *Server) handleTelemetryWS(c *websocket.Conn) {
	s.startHub()
	hub.NewClient(s.telemetry, c).Run()
}

// handleClientMessage handles tuning and ping messages from a telemetry
// client. Every tuning message is answered with a state or error message.
func (s *Server) handleClientMessage(c *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.reply(c, errorMessage(err))
		return
	}

	switch msg.Type {
	case protocol.TypeTuning:
		td, err := msg.Tuning()
		if err != nil {
			s.reply(c, errorMessage(err).InReplyTo(msg))
			return
		}
		if err := s.loop.ApplyTuning(tuningParams(td)); err != nil {
			s.reply(c, errorMessage(err).InReplyTo(msg))
			return
		}
		s.logger.Info("tuning applied", "source", "websocket")
		state, err := protocol.NewMessage(protocol.TypeState, s.loop.State())
		if err != nil {
			state = errorMessage(err)
		}
		s.reply(c, state.InReplyTo(msg))

	case protocol.TypePing:
		pong, err := protocol.NewPongMessage(msg)
		if err != nil {
			pong = errorMessage(err)
		}
		s.reply(c, pong.InReplyTo(msg))

	default:
		s.logger.Debug("ignoring client message", "type", msg.Type)
	}
}

func (s *Server) reply(c *hub.Client, msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	if !c.Send(data) {
		s.logger.Debug("reply dropped")
	}
}

func errorMessage(err error) *protocol.Message {
	m, _ := protocol.NewErrorMessage(err)
	return m
}

func tuningParams(td *protocol.TuningData) servo.TuningParams {
	return servo.TuningParams{
		Setpoint:     td.Setpoint,
		Kp:           td.Kp,
		Ki:           td.Ki,
		Kd:           td.Kd,
		OutMin:       td.OutMin,
		OutMax:       td.OutMax,
		Mode:         td.Mode,
		Direction:    td.Direction,
		ManualOutput: td.ManualOutput,
	}
}
