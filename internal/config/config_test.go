package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-visualservo/pkg/pid"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, SourceCamera, cfg.Source)
	assert.Equal(t, ActuatorLog, cfg.Actuator.Kind)
	assert.Positive(t, cfg.Loop.SamplePeriodMS)
	assert.Empty(t, cfg.Validate())
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"aggressive", "default", "sim", "slow"}, PresetNames())
	for _, name := range PresetNames() {
		cfg := GetPreset(name)
		require.NotNil(t, cfg, name)
		assert.Empty(t, cfg.Validate(), name)
	}
	assert.Nil(t, GetPreset("nonexistent"))

	// Presets are fresh copies.
	a := GetPreset("sim")
	a.Loop.Kp = 99
	assert.NotEqual(t, 99.0, GetPreset("sim").Loop.Kp)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   int
	}{
		{"valid", func(*Config) {}, 0},
		{"unknown source", func(c *Config) { c.Source = "lidar" }, 1},
		{"http without url", func(c *Config) { c.Actuator.Kind = ActuatorHTTP }, 1},
		{"sim actuator on camera", func(c *Config) { c.Actuator.Kind = ActuatorSim }, 1},
		{"inverted limits", func(c *Config) { c.Loop.OutMin, c.Loop.OutMax = 10, -10 }, 1},
		{"zero period", func(c *Config) { c.Loop.SamplePeriodMS = 0 }, 1},
		{"bad direction", func(c *Config) { c.Loop.Direction = "sideways" }, 1},
		{"bad camera", func(c *Config) { c.Camera.Width = 10; c.Camera.Framerate = 1000 }, 2},
		{"udp without listen", func(c *Config) { c.Source = SourceUDP; c.Stream.Listen = "" }, 1},
		{"web without port", func(c *Config) { c.Web.Enabled = true; c.Web.Port = "" }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Len(t, cfg.Validate(), tt.want, "%v", cfg.Validate())
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo.yaml")
	cfg := GetPreset("sim")
	cfg.Loop.Kp = 3.5
	cfg.Web.TelemetryInterval = 250 * time.Millisecond
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  kp: 7\nsim:\n  time_constant: 50ms\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.Loop.Kp)
	assert.Equal(t, 50*time.Millisecond, cfg.Sim.TimeConstant)
	assert.Equal(t, DefaultConfig().Loop.Ki, cfg.Loop.Ki)
	assert.Equal(t, SourceCamera, cfg.Source)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop: [1, 2"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvSource, SourceUDP)
	t.Setenv(EnvActuatorURL, "http://driver:9000/move")
	t.Setenv(EnvWebPort, "9090")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvModelPath, "/models/yunet.onnx")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, SourceUDP, cfg.Source)
	assert.Equal(t, "http://driver:9000/move", cfg.Actuator.URL)
	assert.Equal(t, "9090", cfg.Web.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/models/yunet.onnx", cfg.Tracking.ModelPath)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SERVO_WEB_PORT=7070\n"), 0644))
	t.Setenv(EnvWebPort, "")
	os.Unsetenv(EnvWebPort)
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "7070", os.Getenv(EnvWebPort))
}

func TestLoopConfig_Servo(t *testing.T) {
	cfg := GetPreset("sim")
	sc, err := cfg.Loop.Servo()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, sc.SamplePeriod)
	assert.Equal(t, pid.Direct, sc.Direction)
	assert.True(t, sc.Auto)

	cfg.Loop.Direction = "reverse"
	sc, err = cfg.Loop.Servo()
	require.NoError(t, err)
	assert.Equal(t, pid.Reverse, sc.Direction)

	cfg.Loop.Direction = "nope"
	_, err = cfg.Loop.Servo()
	assert.ErrorIs(t, err, pid.ErrInvalidConfig)
}
