package camera

import (
	"fmt"
	"sort"
	"strings"
)

// Capture modes known to WithPreset.
const (
	PresetDefault = "default"
	Preset720p    = "720p"
	Preset1080p   = "1080p"
	PresetFast    = "fast" // small frames at high rate for loops at 100 Hz and above
	PresetGray    = "gray"
)

type mode struct {
	width, height, fps int
	gray               bool
}

var modes = map[string]mode{
	PresetDefault: {640, 480, 30, false},
	Preset720p:    {1280, 720, 30, false},
	Preset1080p:   {1920, 1080, 30, false},
	PresetFast:    {320, 240, 120, false},
	PresetGray:    {640, 480, 30, true},
}

func (m mode) apply(cfg Config) Config {
	cfg.Width, cfg.Height, cfg.Framerate = m.width, m.height, m.fps
	cfg.Gray = m.gray
	return cfg
}

// Presets returns every capture mode applied to DefaultConfig.
func Presets() map[string]Config {
	out := make(map[string]Config, len(modes))
	for name, m := range modes {
		out[name] = m.apply(DefaultConfig())
	}
	return out
}

// PresetNames returns the capture mode names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPreset returns the named mode applied to DefaultConfig, or nil.
func GetPreset(name string) *Config {
	m, ok := modes[name]
	if !ok {
		return nil
	}
	cfg := m.apply(DefaultConfig())
	return &cfg
}

// WithPreset sets the resolution, rate and color of cfg from the named
// mode. Device and Buffers are kept.
func WithPreset(cfg Config, name string) (Config, error) {
	m, ok := modes[name]
	if !ok {
		return cfg, fmt.Errorf("camera: unknown preset %q (%s)", name, strings.Join(PresetNames(), ", "))
	}
	return m.apply(cfg), nil
}
