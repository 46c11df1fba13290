// Package web serves the supervisory surface of a running servo loop: a
// REST API to inspect and retune the controller, OpenMetrics at /metrics
// and a telemetry websocket.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/openmetrics"
	"github.com/bsm/openmetrics/omhttp"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/hub"
	"github.com/teslashibe/go-visualservo/pkg/pid"
	"github.com/teslashibe/go-visualservo/pkg/protocol"
	"github.com/teslashibe/go-visualservo/pkg/servo"
)

// DefaultTelemetryInterval throttles websocket telemetry to 20 Hz.
const DefaultTelemetryInterval = 50 * time.Millisecond

// Controller is the loop surface the server drives. *servo.Loop
// implements it.
type Controller interface {
	State() pid.State
	Output() float64
	Stats() servo.Stats
	Tuning() servo.TuningParams
	ApplyTuning(p servo.TuningParams) error
	RunID() string
	Running() bool
}

var _ Controller = (*servo.Loop)(nil)

// Server is the web supervisory server
type Server struct {
	app    *fiber.App
	port   string
	loop   Controller
	reg    *openmetrics.Registry
	logger *slog.Logger

	// Hub for telemetry websocket broadcast
	telemetry *hub.Hub
	hubOnce   sync.Once

	interval time.Duration
	lastMu   sync.Mutex
	lastSent time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPort sets the listen port.
func WithPort(port string) Option {
	return func(s *Server) { s.port = port }
}

// WithRegistry serves reg at /metrics instead of the default registry.
func WithRegistry(reg *openmetrics.Registry) Option {
	return func(s *Server) { s.reg = reg }
}

// WithTelemetryInterval sets the minimum gap between telemetry messages.
// Zero sends every cycle.
func WithTelemetryInterval(d time.Duration) Option {
	return func(s *Server) { s.interval = d }
}

// NewServer creates the server for loop.
func NewServer(loop Controller, opts ...Option) *Server {
	s := &Server{
		port:      "8080",
		loop:      loop,
		reg:       openmetrics.DefaultRegistry(),
		logger:    log.Component("web"),
		telemetry: hub.New("telemetry"),
		interval:  DefaultTelemetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.telemetry.OnMessage(s.handleClientMessage)

	app := fiber.New(fiber.Config{
		AppName:               "visualservo",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// CORS for local development
	app.Use(cors.New())

	// API routes
	api := app.Group("/api")
	api.Get("/state", s.handleState)
	api.Get("/output", s.handleOutput)
	api.Get("/stats", s.handleStats)
	api.Get("/tuning", s.handleGetTuning)
	api.Put("/setpoint", s.handleSetpoint)
	api.Put("/tunings", s.handleTunings)
	api.Put("/limits", s.handleLimits)
	api.Put("/mode", s.handleMode)
	api.Put("/tuning", s.handleTuning)

	app.Get("/metrics", adaptor.HTTPHandler(omhttp.NewHandler(s.reg)))

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", websocket.New(s.handleTelemetryWS))

	s.app = app
	return s
}

// App returns the fiber app, for tests and embedding.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the telemetry hub.
func (s *Server) Hub() *hub.Hub {
	return s.telemetry
}

// URL returns the dashboard address on localhost.
func (s *Server) URL() string {
	return "http://localhost:" + s.port
}

func (s *Server) startHub() {
	s.hubOnce.Do(func() { go s.telemetry.Run() })
}

// Start starts the web server and blocks until it stops.
func (s *Server) Start() error {
	s.startHub()
	s.logger.Info("supervisory api listening", "url", s.URL())
	return s.app.Listen(":" + s.port)
}

// StartAsync starts the web server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server error", "error", err)
		}
	}()
}

// Shutdown stops the server and disconnects telemetry clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.telemetry.Close()
	return s.app.ShutdownWithContext(ctx)
}

// OnCycle broadcasts throttled telemetry. Register the server as a loop
// observer.
func (s *Server) OnCycle(smp servo.Sample) {
	if s.telemetry.ClientCount() == 0 {
		return
	}
	if s.interval > 0 {
		s.lastMu.Lock()
		if smp.Time.Sub(s.lastSent) < s.interval {
			s.lastMu.Unlock()
			return
		}
		s.lastSent = smp.Time
		s.lastMu.Unlock()
	}

	msg, err := protocol.NewTelemetryMessage(TelemetryFromSample(smp))
	if err != nil {
		s.logger.Debug("telemetry encode failed", "error", err)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	s.telemetry.Broadcast(data)
}

// TelemetryFromSample converts a loop sample to its wire form.
func TelemetryFromSample(smp servo.Sample) protocol.TelemetryData {
	return protocol.TelemetryData{
		RunID:    smp.RunID,
		Seq:      smp.Seq,
		TimeMs:   smp.Time.UnixMilli(),
		Setpoint: smp.Setpoint,
		Input:    smp.Input,
		Output:   smp.Output,
		Mode:     smp.Mode,
		Outcome:  string(smp.Outcome),
		P:        smp.Terms.P,
		I:        smp.Terms.I,
		D:        smp.Terms.D,
	}
}
