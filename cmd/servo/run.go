package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/openmetrics"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-visualservo/internal/config"
	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/actuator"
	"github.com/teslashibe/go-visualservo/pkg/camera"
	"github.com/teslashibe/go-visualservo/pkg/frame"
	"github.com/teslashibe/go-visualservo/pkg/servo"
	"github.com/teslashibe/go-visualservo/pkg/sim"
	"github.com/teslashibe/go-visualservo/pkg/stream"
	"github.com/teslashibe/go-visualservo/pkg/trace"
	"github.com/teslashibe/go-visualservo/pkg/tracking"
	"github.com/teslashibe/go-visualservo/pkg/tui"
	"github.com/teslashibe/go-visualservo/pkg/web"
)

const tuiLogFile = "servo.log"

// rig is everything the loop drives, plus how to tear it down.
type rig struct {
	source  *frame.Source
	tracker tracking.Tracker
	act     actuator.Actuator
	plant   *sim.Plant
	closers []func() error
}

func (r *rig) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logOut := io.Writer(os.Stdout)
	if showTUI {
		f, err := os.OpenFile(tuiLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log.Setup(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: logOut})

	r, err := buildRig(cfg)
	if err != nil {
		return err
	}
	defer r.close()

	sc, err := cfg.Loop.Servo()
	if err != nil {
		return err
	}
	loop, err := servo.New(r.source, r.tracker, r.act, sc, servo.WithLogger(log.Component("servo")))
	if err != nil {
		return err
	}

	reg := openmetrics.NewRegistry()
	loop.AddObserver(servo.NewMetrics(reg))

	if cfg.Trace.Enabled {
		rec, err := trace.NewRecorder(cfg.Trace.Path, trace.WithBatchSize(cfg.Trace.BatchSize))
		if err != nil {
			return err
		}
		defer rec.Close()
		loop.AddObserver(rec)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Web.Enabled {
		srv := web.NewServer(loop,
			web.WithPort(cfg.Web.Port),
			web.WithRegistry(reg),
			web.WithTelemetryInterval(cfg.Web.TelemetryInterval))
		loop.AddObserver(srv)
		srv.StartAsync()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("web shutdown", "error", err)
			}
		}()
		if openBrowser {
			if err := browser.OpenURL(srv.URL() + "/api/state"); err != nil {
				log.Warn("could not open browser", "error", err)
			}
		}
	}

	log.Info("starting servo",
		"source", cfg.Source,
		"tracker", cfg.Tracking.Detector,
		"actuator", cfg.Actuator.Kind,
		"period", sc.SamplePeriod,
		"auto", sc.Auto)

	if !showTUI {
		return loop.Run(ctx)
	}

	feed := tui.NewFeed(0)
	loop.AddObserver(feed)

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
		cancel()
	}()
	tuiErr := tui.Run(ctx, loop, feed)
	cancel()
	if err := <-loopErr; err != nil {
		return err
	}
	return tuiErr
}

// loadConfig layers preset, file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset %q (%s)", preset, strings.Join(config.PresetNames(), ", "))
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	applyFlags(cmd, cfg)
	if camPreset != "" {
		cam, err := camera.WithPreset(cfg.Camera, camPreset)
		if err != nil {
			return nil, err
		}
		cfg.Camera = cam
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if set("source") {
		cfg.Source = source
	}
	if set("device") {
		switch cfg.Source {
		case config.SourceUDP:
			cfg.Stream.Listen = device
		case config.SourceWebRTC:
			cfg.Stream.SignallingURL = device
		default:
			cfg.Camera.Device = device
		}
	}
	if set("actuator") {
		cfg.Actuator.Kind = actuatorArg
	}
	if set("actuator-url") {
		cfg.Actuator.URL = actuatorURL
	}
	if set("kp") {
		cfg.Loop.Kp = kp
	}
	if set("ki") {
		cfg.Loop.Ki = ki
	}
	if set("kd") {
		cfg.Loop.Kd = kd
	}
	if set("setpoint") {
		cfg.Loop.Setpoint = setpoint
	}
	if set("min") {
		cfg.Loop.OutMin = outMin
	}
	if set("max") {
		cfg.Loop.OutMax = outMax
	}
	if set("period-ms") {
		cfg.Loop.SamplePeriodMS = periodMS
	}
	if set("manual") {
		cfg.Loop.Auto = !manual
	}
	if webEnabled || openBrowser {
		cfg.Web.Enabled = true
	}
	if set("port") {
		cfg.Web.Port = port
	}
	if traceOn || tracePath != "" {
		cfg.Trace.Enabled = true
	}
	if tracePath != "" {
		cfg.Trace.Path = tracePath
	}
}

func buildRig(cfg *config.Config) (*rig, error) {
	r := &rig{}
	built := false
	defer func() {
		if !built {
			r.close()
		}
	}()

	var dev frame.Device
	streamOpts := []stream.Option{
		stream.WithMaxFrameSize(cfg.Stream.MaxFrameSize),
		stream.WithQueueSize(cfg.Stream.QueueSize),
		stream.WithTrackTimeout(cfg.Stream.TrackTimeout),
	}
	switch cfg.Source {
	case config.SourceCamera:
		dev = camera.NewDevice(cfg.Camera)
	case config.SourceUDP:
		dev = stream.NewUDPDevice(cfg.Stream.Listen, streamOpts...)
	case config.SourceWebRTC:
		dev = stream.NewWebRTCDevice(cfg.Stream.SignallingURL,
			append(streamOpts, stream.WithProducer(cfg.Stream.Producer))...)
	case config.SourceSim:
		r.plant = sim.NewPlant(cfg.Sim.Gain, cfg.Sim.TimeConstant, cfg.Sim.Start)
		dev = sim.NewDevice(r.plant, cfg.Sim)
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}

	r.source = frame.NewSource(dev,
		frame.WithAcquireTimeout(cfg.Loop.AcquireTimeout),
		frame.WithLogger(log.Component("frame")))
	if err := r.source.Open(); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.source.Close)

	tr, err := buildTracker(cfg)
	if err != nil {
		return nil, err
	}
	r.tracker = tr
	if c, ok := tr.(io.Closer); ok {
		r.closers = append(r.closers, c.Close)
	}

	act, err := buildActuator(cfg, r.plant)
	if err != nil {
		return nil, err
	}
	r.act = act
	if c, ok := act.(io.Closer); ok {
		r.closers = append(r.closers, c.Close)
	}

	built = true
	return r, nil
}

func buildTracker(cfg *config.Config) (tracking.Tracker, error) {
	if cfg.Tracking.Detector == "meta" {
		return tracking.NewMetadataTracker(cfg.Tracking.MetaKey), nil
	}

	var opts []tracking.VisionOption
	if cfg.Source == config.SourceUDP || cfg.Source == config.SourceWebRTC {
		dec := stream.NewDecoder(cfg.Stream.DecodeTimeout)
		if !dec.Available() {
			return nil, errors.New("stream sources need ffmpeg on PATH to decode H264")
		}
		opts = append(opts, tracking.WithDecoder(dec))
	}

	switch cfg.Tracking.Detector {
	case "yunet":
		return tracking.NewFaceTracker(cfg.Tracking, opts...)
	case "yolo":
		return tracking.NewObjectTracker(cfg.Tracking, opts...)
	}
	return nil, fmt.Errorf("unknown detector %q", cfg.Tracking.Detector)
}

func buildActuator(cfg *config.Config, plant *sim.Plant) (actuator.Actuator, error) {
	var act actuator.Actuator
	switch cfg.Actuator.Kind {
	case config.ActuatorLog:
		act = actuator.NewLog()
	case config.ActuatorHTTP:
		act = actuator.NewHTTP(cfg.Actuator.URL)
	case config.ActuatorWebSocket:
		act = actuator.NewWebSocket(cfg.Actuator.URL)
	case config.ActuatorSim:
		if plant == nil {
			return nil, errors.New("sim actuator requires the sim source")
		}
		act = sim.NewActuator(plant)
	default:
		return nil, fmt.Errorf("unknown actuator %q", cfg.Actuator.Kind)
	}
	if cfg.Actuator.DeadZone > 0 {
		act = actuator.NewDeadZone(act, cfg.Actuator.DeadZone)
	}
	return act, nil
}
