package main

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/teslashibe/go-visualservo/pkg/servo"
	"github.com/teslashibe/go-visualservo/pkg/trace"
)

func listRuns(cmd *cobra.Command, args []string) error {
	r, err := trace.OpenReader(tracePath)
	if err != nil {
		return err
	}
	defer r.Close()

	runs, err := r.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tCYCLES")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			run.ID,
			run.Start.Format(time.DateTime),
			run.Duration().Round(time.Millisecond),
			run.Cycles)
	}
	return w.Flush()
}

// series is one run split into plottable columns. Only computed cycles
// contribute points.
type series struct {
	t, setpoint, input, output []float64
}

func loadSeries(runPrefix string) (string, series, error) {
	r, err := trace.OpenReader(tracePath)
	if err != nil {
		return "", series{}, err
	}
	defer r.Close()

	id, err := r.ResolveRun(runPrefix)
	if err != nil {
		return "", series{}, err
	}
	samples, err := r.Samples(id)
	if err != nil {
		return "", series{}, err
	}
	if plotLast > 0 && len(samples) > plotLast {
		samples = samples[len(samples)-plotLast:]
	}

	var s series
	start := samples[0].Time
	for _, smp := range samples {
		if smp.Outcome != servo.OutcomeComputed || math.IsNaN(smp.Input) || math.IsNaN(smp.Output) {
			continue
		}
		s.t = append(s.t, smp.Time.Sub(start).Seconds())
		s.setpoint = append(s.setpoint, smp.Setpoint)
		s.input = append(s.input, smp.Input)
		s.output = append(s.output, smp.Output)
	}
	if len(s.t) < 2 {
		return id, s, fmt.Errorf("run %s has fewer than two computed cycles", id)
	}
	return id, s, nil
}

func plotRun(cmd *cobra.Command, args []string) error {
	id, s, err := loadSeries(args[0])
	if err != nil {
		return err
	}

	if pngPath != "" {
		if err := savePNG(id, s, pngPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d cycles)\n", pngPath, len(s.t))
		return nil
	}

	graph := asciigraph.PlotMany([][]float64{s.setpoint, s.input},
		asciigraph.Height(12),
		asciigraph.Width(80),
		asciigraph.SeriesColors(asciigraph.Yellow, asciigraph.Green),
		asciigraph.Caption(fmt.Sprintf("run %s: setpoint (yellow) / input (green)", id)))
	fmt.Println(graph)
	fmt.Println()
	graph = asciigraph.Plot(s.output,
		asciigraph.Height(8),
		asciigraph.Width(80),
		asciigraph.Caption("output"))
	fmt.Println(graph)
	return nil
}

func savePNG(id string, s series, path string) error {
	p := plot.New()
	p.Title.Text = "run " + id
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())

	add := func(name string, ys []float64, c color.Color, dashed bool) error {
		pts := make(plotter.XYs, len(ys))
		for i := range ys {
			pts[i].X = s.t[i]
			pts[i].Y = ys[i]
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Color = c
		if dashed {
			line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		}
		p.Add(line)
		p.Legend.Add(name, line)
		return nil
	}
	if err := add("setpoint", s.setpoint, color.RGBA{R: 200, G: 150, A: 255}, true); err != nil {
		return err
	}
	if err := add("input", s.input, color.RGBA{G: 160, B: 80, A: 255}, false); err != nil {
		return err
	}
	if err := add("output", s.output, color.RGBA{R: 40, G: 90, B: 220, A: 255}, false); err != nil {
		return err
	}
	p.Legend.Top = true

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("cannot write png: %w", err)
	}
	return nil
}
