// Servo closes a PID loop around a camera: it tracks a target in each frame,
// computes a correction and sends it to an actuator.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/teslashibe/go-visualservo/internal/config"
	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/camera"
)

var (
	configFile string
	envFile    string
	preset     string
	logLevel   string

	source      string
	device      string
	camPreset   string
	actuatorArg string
	actuatorURL string
	kp, ki, kd  float64
	setpoint    float64
	outMin      float64
	outMax      float64
	periodMS    int
	manual      bool
	webEnabled  bool
	port        string
	openBrowser bool
	showTUI     bool
	traceOn     bool
	tracePath   string

	pngPath  string
	plotLast int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "servo",
		Short:         "vision-guided PID servo loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the control loop",
		Args:  cobra.NoArgs,
		RunE:  runLoop,
	}
	f := runCmd.Flags()
	f.StringVar(&configFile, "config", "", "config file path (yaml)")
	f.StringVar(&envFile, "env-file", ".env", "environment file")
	f.StringVar(&preset, "preset", "", "start from a named preset (see 'servo presets')")
	f.StringVar(&source, "source", "", "frame source: camera, udp, webrtc, sim")
	f.StringVar(&device, "device", "", "camera index or URL, UDP listen address, or signalling URL")
	f.StringVar(&camPreset, "camera-preset", "", "camera capture mode: "+strings.Join(camera.PresetNames(), ", "))
	f.StringVar(&actuatorArg, "actuator", "", "actuator: log, http, ws, sim")
	f.StringVar(&actuatorURL, "actuator-url", "", "actuator endpoint for http and ws")
	f.Float64Var(&kp, "kp", 0, "proportional gain")
	f.Float64Var(&ki, "ki", 0, "integral gain (per second)")
	f.Float64Var(&kd, "kd", 0, "derivative gain (seconds)")
	f.Float64Var(&setpoint, "setpoint", 0, "target value of the tracked input")
	f.Float64Var(&outMin, "min", 0, "lower output limit")
	f.Float64Var(&outMax, "max", 0, "upper output limit")
	f.IntVar(&periodMS, "period-ms", 0, "sample period in milliseconds")
	f.BoolVar(&manual, "manual", false, "start in manual mode")
	f.BoolVar(&webEnabled, "web", false, "serve the supervisory API")
	f.StringVar(&port, "port", "", "supervisory API port")
	f.BoolVar(&openBrowser, "open", false, "open the API in a browser (implies --web)")
	f.BoolVar(&showTUI, "tui", false, "show the terminal dashboard")
	f.BoolVar(&traceOn, "trace", false, "record every cycle to SQLite")
	f.StringVar(&tracePath, "trace-db", "", "trace database path (implies --trace)")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "list recorded runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}
	runsCmd.Flags().StringVar(&tracePath, "trace", "", "trace database path")
	runsCmd.MarkFlagRequired("trace")

	plotCmd := &cobra.Command{
		Use:   "plot [run-id]",
		Short: "plot a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&tracePath, "trace", "", "trace database path")
	plotCmd.Flags().StringVar(&pngPath, "png", "", "write a PNG chart instead of printing")
	plotCmd.Flags().IntVar(&plotLast, "last", 0, "only plot the last N cycles")
	plotCmd.MarkFlagRequired("trace")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list config presets",
		Args:  cobra.NoArgs,
		RunE:  listPresets,
	}

	rootCmd.AddCommand(runCmd, runsCmd, plotCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error("servo failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func listPresets(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tACTUATOR\tPERIOD\tKP\tKI\tKD\tLIMITS")
	for _, name := range config.PresetNames() {
		c := config.GetPreset(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%g\t%g\t%g\t[%g, %g]\n",
			name, c.Source, c.Actuator.Kind, c.Loop.SamplePeriodMS,
			c.Loop.Kp, c.Loop.Ki, c.Loop.Kd, c.Loop.OutMin, c.Loop.OutMax)
	}
	return w.Flush()
}
