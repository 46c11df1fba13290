// Package config loads servo settings from YAML, .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-visualservo/pkg/camera"
	"github.com/teslashibe/go-visualservo/pkg/pid"
	"github.com/teslashibe/go-visualservo/pkg/servo"
	"github.com/teslashibe/go-visualservo/pkg/sim"
	"github.com/teslashibe/go-visualservo/pkg/stream"
	"github.com/teslashibe/go-visualservo/pkg/tracking"
)

// Frame sources.
const (
	SourceCamera = "camera"
	SourceUDP    = "udp"
	SourceWebRTC = "webrtc"
	SourceSim    = "sim"
)

// Actuator kinds.
const (
	ActuatorLog       = "log"
	ActuatorHTTP      = "http"
	ActuatorWebSocket = "ws"
	ActuatorSim       = "sim"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvSource      = "SERVO_SOURCE"
	EnvActuatorURL = "SERVO_ACTUATOR_URL"
	EnvWebPort     = "SERVO_WEB_PORT"
	EnvLogLevel    = "SERVO_LOG_LEVEL"
	EnvModelPath   = "SERVO_MODEL_PATH"
)

// Config is the complete servo configuration.
type Config struct {
	Source   string          `yaml:"source"`
	Camera   camera.Config   `yaml:"camera"`
	Stream   StreamConfig    `yaml:"stream"`
	Sim      sim.Config      `yaml:"sim"`
	Tracking tracking.Config `yaml:"tracking"`
	Actuator ActuatorConfig  `yaml:"actuator"`
	Loop     LoopConfig      `yaml:"loop"`
	Web      WebConfig       `yaml:"web"`
	Trace    TraceConfig     `yaml:"trace"`
	Log      LogConfig       `yaml:"log"`
}

// StreamConfig covers the RTP over UDP and WebRTC sources.
type StreamConfig struct {
	Listen        string        `yaml:"listen"`         // UDP address for raw RTP
	SignallingURL string        `yaml:"signalling_url"` // WebRTC signalling websocket
	Producer      string        `yaml:"producer"`       // WebRTC producer name, empty picks the first
	MaxFrameSize  int           `yaml:"max_frame_size"`
	QueueSize     int           `yaml:"queue_size"`
	TrackTimeout  time.Duration `yaml:"track_timeout"`
	DecodeTimeout time.Duration `yaml:"decode_timeout"` // ffmpeg budget per access unit
}

// ActuatorConfig selects where outputs go.
type ActuatorConfig struct {
	Kind     string  `yaml:"kind"`
	URL      string  `yaml:"url"`
	DeadZone float64 `yaml:"dead_zone"` // skip sends that change less than this
}

// LoopConfig holds controller parameters.
type LoopConfig struct {
	SamplePeriodMS int           `yaml:"sample_period_ms"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	Setpoint       float64       `yaml:"setpoint"`
	Kp             float64       `yaml:"kp"`
	Ki             float64       `yaml:"ki"`
	Kd             float64       `yaml:"kd"`
	OutMin         float64       `yaml:"out_min"`
	OutMax         float64       `yaml:"out_max"`
	Direction      string        `yaml:"direction"`
	Auto           bool          `yaml:"auto"`
}

// WebConfig controls the supervisory HTTP server.
type WebConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              string        `yaml:"port"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
}

// TraceConfig controls the SQLite cycle trace.
type TraceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"` // empty generates a fresh file name
	BatchSize int    `yaml:"batch_size"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig tracks a face on the first local camera and logs outputs.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceCamera,
		Camera: camera.DefaultConfig(),
		Stream: StreamConfig{
			Listen:        ":5004",
			SignallingURL: "ws://localhost:8443",
			MaxFrameSize:  stream.DefaultMaxFrameSize,
			QueueSize:     stream.DefaultQueueSize,
			TrackTimeout:  15 * time.Second,
			DecodeTimeout: 200 * time.Millisecond,
		},
		Sim:      sim.DefaultConfig(),
		Tracking: tracking.DefaultConfig(),
		Actuator: ActuatorConfig{Kind: ActuatorLog},
		Loop: LoopConfig{
			SamplePeriodMS: 33,
			AcquireTimeout: time.Second,
			Kp:             40,
			Ki:             5,
			Kd:             2,
			OutMin:         -90,
			OutMax:         90,
			Direction:      "direct",
		},
		Web: WebConfig{
			Port:              "8080",
			TelemetryInterval: 50 * time.Millisecond,
		},
		Trace: TraceConfig{BatchSize: 500},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnvFile loads variables from a .env file into the process
// environment. A missing file is not an error. Variables already set win.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from SERVO_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvSource); v != "" {
		c.Source = v
	}
	if v := os.Getenv(EnvActuatorURL); v != "" {
		c.Actuator.URL = v
	}
	if v := os.Getenv(EnvWebPort); v != "" {
		c.Web.Port = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Tracking.ModelPath = v
	}
}

// Servo converts the loop section to a servo.Config.
func (l LoopConfig) Servo() (servo.Config, error) {
	dir, err := pid.ParseDirection(l.Direction)
	if err != nil {
		return servo.Config{}, err
	}
	return servo.Config{
		SamplePeriod: time.Duration(l.SamplePeriodMS) * time.Millisecond,
		Setpoint:     l.Setpoint,
		Kp:           l.Kp,
		Ki:           l.Ki,
		Kd:           l.Kd,
		OutMin:       l.OutMin,
		OutMax:       l.OutMax,
		Direction:    dir,
		Auto:         l.Auto,
	}, nil
}

// Validate returns every problem found, or nil when the config is usable.
func (c *Config) Validate() []string {
	var errs []string
	prefix := func(section string, list []string) {
		for _, e := range list {
			errs = append(errs, section+": "+e)
		}
	}

	switch c.Source {
	case SourceCamera:
		prefix("camera", c.Camera.Validate())
	case SourceUDP:
		if c.Stream.Listen == "" {
			errs = append(errs, "stream: listen address is required for the udp source")
		}
	case SourceWebRTC:
		if c.Stream.SignallingURL == "" {
			errs = append(errs, "stream: signalling_url is required for the webrtc source")
		}
	case SourceSim:
		if c.Sim.TimeConstant <= 0 {
			errs = append(errs, "sim: time_constant must be positive")
		}
		if c.Sim.DropRate < 0 || c.Sim.DropRate > 1 {
			errs = append(errs, "sim: drop_rate must be between 0 and 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown source %q (camera, udp, webrtc, sim)", c.Source))
	}

	prefix("tracking", c.Tracking.Validate())

	switch c.Actuator.Kind {
	case ActuatorLog:
	case ActuatorHTTP, ActuatorWebSocket:
		if c.Actuator.URL == "" {
			errs = append(errs, fmt.Sprintf("actuator: %s actuator needs a url", c.Actuator.Kind))
		}
	case ActuatorSim:
		if c.Source != SourceSim {
			errs = append(errs, "actuator: sim actuator requires the sim source")
		}
	default:
		errs = append(errs, fmt.Sprintf("actuator: unknown kind %q (log, http, ws, sim)", c.Actuator.Kind))
	}
	if c.Actuator.DeadZone < 0 {
		errs = append(errs, "actuator: dead_zone must not be negative")
	}

	if c.Loop.SamplePeriodMS <= 0 {
		errs = append(errs, "loop: sample_period_ms must be positive")
	}
	if c.Loop.OutMin > c.Loop.OutMax {
		errs = append(errs, "loop: out_min must not exceed out_max")
	}
	if _, err := pid.ParseDirection(c.Loop.Direction); err != nil {
		errs = append(errs, "loop: direction must be direct or reverse")
	}
	if c.Loop.AcquireTimeout < 0 {
		errs = append(errs, "loop: acquire_timeout must not be negative")
	}

	if c.Web.Enabled && c.Web.Port == "" {
		errs = append(errs, "web: port is required")
	}
	if c.Trace.BatchSize < 0 {
		errs = append(errs, "trace: batch_size must not be negative")
	}
	return errs
}
