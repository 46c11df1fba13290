// Package tui is a terminal dashboard for a running servo loop.
package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/teslashibe/go-visualservo/pkg/pid"
	"github.com/teslashibe/go-visualservo/pkg/servo"
)

const (
	historyCapacity = 300
	refreshRate     = time.Second / 20
	maxDrain        = 1024
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444466")).
			Padding(1, 2)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ffff"))
	autoStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff88"))
	manualStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffaa00"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff4444"))
	graphStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Padding(1, 0)
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	helpStyle   = subtleStyle.Italic(true).MarginTop(1)
)

// Controller is the part of the loop the dashboard reads and tunes.
type Controller interface {
	State() pid.State
	Stats() servo.Stats
	RunID() string
	SetAutoMode(enabled bool)
	SetSetpoint(v float64) error
}

var _ Controller = (*servo.Loop)(nil)

// TickMsg triggers a refresh.
type TickMsg time.Time

// Model is the bubbletea model of the dashboard.
type Model struct {
	ctl  Controller
	feed *Feed

	// SetpointStep is the change applied by the + and - keys.
	SetpointStep float64

	last     servo.Sample
	seen     bool
	input    []float64
	output   []float64
	setpoint []float64
	state    pid.State
	stats    servo.Stats
	width    int
}

// NewModel returns a dashboard for ctl fed by feed.
func NewModel(ctl Controller, feed *Feed) Model {
	return Model{
		ctl:          ctl,
		feed:         feed,
		SetpointStep: 1,
		input:        make([]float64, 0, historyCapacity),
		output:       make([]float64, 0, historyCapacity),
		setpoint:     make([]float64, 0, historyCapacity),
		state:        ctl.State(),
		stats:        ctl.Stats(),
		width:        60,
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tick()
}

// Update handles keys and refreshes from the feed.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "a":
			m.ctl.SetAutoMode(m.state.Mode != pid.Auto)
		case "+", "=", "up":
			m.ctl.SetSetpoint(m.state.Setpoint + m.SetpointStep)
		case "-", "_", "down":
			m.ctl.SetSetpoint(m.state.Setpoint - m.SetpointStep)
		}
		m.refresh()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = max(20, msg.Width-30)
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tick()
	}
	return m, nil
}

func (m *Model) refresh() {
	for _, s := range m.feed.drain(maxDrain) {
		m.last, m.seen = s, true
		if s.Outcome != servo.OutcomeComputed || math.IsNaN(s.Input) || math.IsInf(s.Input, 0) {
			continue
		}
		m.input = push(m.input, s.Input)
		m.output = push(m.output, s.Output)
		m.setpoint = push(m.setpoint, s.Setpoint)
	}
	m.state = m.ctl.State()
	m.stats = m.ctl.Stats()
}

func push(buf []float64, v float64) []float64 {
	buf = append(buf, v)
	if len(buf) > historyCapacity {
		buf = buf[len(buf)-historyCapacity:]
	}
	return buf
}

// View renders the dashboard.
func (m Model) View() string {
	var s strings.Builder

	mode := manualStyle.Render("MANUAL")
	if m.state.Mode == pid.Auto {
		mode = autoStyle.Render("AUTO")
	}
	s.WriteString(titleStyle.Render("VISUAL SERVO") + "  " + mode + "\n")
	if id := m.ctl.RunID(); id != "" {
		s.WriteString(subtleStyle.Render("run "+id) + "\n")
	}
	s.WriteString("\n")

	row := func(label, value string) {
		s.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
	}
	row("Setpoint", fmt.Sprintf("%.3f", m.state.Setpoint))
	row("Input", fmt.Sprintf("%.3f", m.state.Input))
	row("Output", fmt.Sprintf("%.3f", m.state.Output))
	row("Gains", fmt.Sprintf("kp=%.3g ki=%.3g kd=%.3g", m.state.Kp, m.state.Ki, m.state.Kd))
	row("Limits", fmt.Sprintf("[%.3g, %.3g]", m.state.OutMin, m.state.OutMax))
	if m.seen {
		row("Last cycle", fmt.Sprintf("#%d %s (%s)", m.last.Seq, m.last.Outcome, m.last.Elapsed.Round(time.Microsecond)))
	}

	s.WriteString("\n")
	row("Cycles", fmt.Sprintf("%d", m.stats.Cycles))
	row("Computed", fmt.Sprintf("%d", m.stats.Computed))
	row("Incomplete", fmt.Sprintf("%d", m.stats.Incomplete))
	row("Tracking errors", fmt.Sprintf("%d", m.stats.TrackingErrors))
	row("Timeouts", fmt.Sprintf("%d", m.stats.Timeouts))
	row("Overruns", fmt.Sprintf("%d", m.stats.Overruns))
	if m.stats.ActuatorErrors > 0 {
		s.WriteString(labelStyle.Render("Actuator errors") + warnStyle.Render(fmt.Sprintf("%d", m.stats.ActuatorErrors)) + "\n")
	}
	if n := m.feed.Dropped(); n > 0 {
		s.WriteString(labelStyle.Render("Display dropped") + warnStyle.Render(fmt.Sprintf("%d", n)) + "\n")
	}

	if len(m.input) > 1 {
		chart := asciigraph.PlotMany([][]float64{m.setpoint, m.input},
			asciigraph.Height(8),
			asciigraph.Width(m.width),
			asciigraph.SeriesColors(asciigraph.Yellow, asciigraph.Green),
			asciigraph.Caption("setpoint / input"))
		s.WriteString(graphStyle.Render(chart) + "\n")

		chart = asciigraph.Plot(m.output,
			asciigraph.Height(5),
			asciigraph.Width(m.width),
			asciigraph.Caption("output"))
		s.WriteString(graphStyle.Render(chart) + "\n")
	}

	s.WriteString(helpStyle.Render("a: auto/manual  +/-: setpoint  q: quit"))
	return panelStyle.Render(s.String())
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctl Controller, feed *Feed) error {
	p := tea.NewProgram(NewModel(ctl, feed), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
