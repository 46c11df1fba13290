// Package camera captures frames from a local camera or a video URL
// through OpenCV and exposes them as a frame.Device.
package camera

import (
	"fmt"
	"strconv"
)

// Config holds the capture settings applied when the device opens.
type Config struct {
	// Device is a camera index ("0") or anything OpenCV can open: a file,
	// an RTSP URL or a GStreamer pipeline.
	Device string `yaml:"device" json:"device"`

	Width     int `yaml:"width" json:"width"`         // requested frame width, 0 keeps the driver default
	Height    int `yaml:"height" json:"height"`       // requested frame height
	Framerate int `yaml:"framerate" json:"framerate"` // requested FPS
	Buffers   int `yaml:"buffers" json:"buffers"`     // driver queue depth; 1 keeps latency lowest

	// Gray converts frames to a single channel before handing them out.
	Gray bool `yaml:"gray" json:"gray"`
}

// Limits accepted by Validate.
const (
	MaxWidth     = 4096
	MaxHeight    = 2160
	MaxFramerate = 240
)

// DefaultConfig opens the first camera at 640x480, 30 FPS.
func DefaultConfig() Config {
	return Config{
		Device:    "0",
		Width:     640,
		Height:    480,
		Framerate: 30,
		Buffers:   1,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Device == "" {
		errors = append(errors, "device must not be empty")
	}
	if c.Width != 0 && (c.Width < 160 || c.Width > MaxWidth) {
		errors = append(errors, fmt.Sprintf("width must be 0 or between 160 and %d", MaxWidth))
	}
	if c.Height != 0 && (c.Height < 120 || c.Height > MaxHeight) {
		errors = append(errors, fmt.Sprintf("height must be 0 or between 120 and %d", MaxHeight))
	}
	if c.Framerate < 0 || c.Framerate > MaxFramerate {
		errors = append(errors, fmt.Sprintf("framerate must be between 0 and %d", MaxFramerate))
	}
	if c.Buffers < 0 || c.Buffers > 16 {
		errors = append(errors, "buffers must be between 0 and 16")
	}

	return errors
}

// source returns what OpenCV should open: an index for numeric devices,
// the string otherwise.
func (c *Config) source() any {
	if id, err := strconv.Atoi(c.Device); err == nil && id >= 0 {
		return id
	}
	return c.Device
}
