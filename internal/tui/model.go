// Package tui renders the dashboard in a terminal with bubbletea.
//
// The model holds the most recent snapshot received from the fan-out bus
// and redraws on every update. Keys c and d drive the connection manager;
// q quits.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/care/signaldash/internal/core"
	"github.com/care/signaldash/internal/types"
)

// decisionRows is how many of the newest decisions are shown
const decisionRows = 8

// connectTimeout bounds a connect started from the keyboard
const connectTimeout = 10 * time.Second

// Controller is the dashboard as seen by the terminal view
type Controller interface {
	Snapshot() core.Snapshot
	Connect(ctx context.Context, host string, port int) error
	Disconnect()
}

// updateMsg carries one bus update into the program
type updateMsg core.Update

// connectResultMsg reports the outcome of a keyboard connect
type connectResultMsg struct{ err error }

// updatesClosedMsg is sent once the update channel is closed
type updatesClosedMsg struct{}

// Model is the bubbletea model of the terminal view
type Model struct {
	ctrl    Controller
	updates <-chan core.Update

	snapshot   core.Snapshot
	width      int
	connecting bool
	message    string
	styles     styles
}

type styles struct {
	title    lipgloss.Style
	section  lipgloss.Style
	label    lipgloss.Style
	ok       lipgloss.Style
	bad      lipgloss.Style
	green    lipgloss.Style
	red      lipgloss.Style
	help     lipgloss.Style
	errorMsg lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")),
		section:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		ok:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		bad:      lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		green:    lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("42")).Bold(true).Padding(0, 1),
		red:      lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("124")).Padding(0, 1),
		help:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		errorMsg: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

// NewModel creates a model showing ctrl's current snapshot and following
// updates from the given channel.
func NewModel(ctrl Controller, updates <-chan core.Update) Model {
	return Model{
		ctrl:     ctrl,
		updates:  updates,
		snapshot: ctrl.Snapshot(),
		styles:   defaultStyles(),
	}
}

// Init starts listening for updates
func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func waitForUpdate(updates <-chan core.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg(u)
	}
}

// Update handles keys and bus updates
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.connecting || m.snapshot.Connection.Connected {
				return m, nil
			}
			m.connecting = true
			m.message = "connecting..."
			return m, m.connect()
		case "d":
			if !m.snapshot.Connection.DisconnectEnabled {
				return m, nil
			}
			m.ctrl.Disconnect()
			m.snapshot = m.ctrl.Snapshot()
			m.message = ""
			return m, nil
		}

	case updateMsg:
		u := core.Update(msg)
		if u.Snapshot.Seq >= m.snapshot.Seq {
			m.snapshot = u.Snapshot
		}
		return m, waitForUpdate(m.updates)

	case connectResultMsg:
		m.connecting = false
		if msg.err != nil {
			m.message = "connect failed: " + msg.err.Error()
		} else {
			m.message = ""
		}
		m.snapshot = m.ctrl.Snapshot()
		return m, nil

	case updatesClosedMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	}

	return m, nil
}

func (m Model) connect() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return connectResultMsg{err: ctrl.Connect(ctx, "", 0)}
	}
}

// View renders the dashboard
func (m Model) View() string {
	s := m.snapshot
	st := m.styles

	var b strings.Builder

	status := st.bad.Render(s.Connection.Status)
	if s.Connection.Connected {
		status = st.ok.Render(s.Connection.Status)
	}
	header := st.title.Render("Traffic Signal Dashboard") + "  " + st.label.Render("Status: ") + status
	if s.Connection.Broker != "" {
		header += "  " + st.label.Render(s.Connection.Broker)
	}
	b.WriteString(header + "\n")

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		st.section.Render(m.renderSensors()),
		st.section.Render(m.renderLanes()),
		st.section.Render(m.renderStats()),
	)
	b.WriteString(top + "\n")
	b.WriteString(st.section.Render(m.renderHistory()) + "\n")
	b.WriteString(st.section.Render(m.renderDecisions()) + "\n")

	if m.message != "" {
		b.WriteString(st.errorMsg.Render(m.message) + "\n")
	}
	b.WriteString(st.help.Render(m.helpLine()))
	return b.String()
}

func (m Model) helpLine() string {
	parts := []string{}
	if m.snapshot.Connection.ConnectEnabled {
		parts = append(parts, "c connect")
	}
	if m.snapshot.Connection.DisconnectEnabled {
		parts = append(parts, "d disconnect")
	}
	parts = append(parts, "q quit")
	return strings.Join(parts, " • ")
}

func (m Model) renderSensors() string {
	lines := []string{m.styles.label.Render("IR sensors")}
	for i, v := range m.snapshot.Sensors {
		if v == "" {
			v = "-"
		}
		lines = append(lines, fmt.Sprintf("IR%d  %s", i+1, v))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderLanes() string {
	s := m.snapshot
	cells := make([]string, 0, types.LaneCount)
	for i, l := range s.Lanes.Lanes {
		name := fmt.Sprintf("L%d", i+1)
		if l.Signal == types.SignalGreen {
			cells = append(cells, m.styles.green.Render(name))
		} else {
			cells = append(cells, m.styles.red.Render(name))
		}
	}

	active := s.Lanes.ActiveLane
	if active == "" {
		active = "-"
	}
	return strings.Join([]string{
		m.styles.label.Render("Signals"),
		strings.Join(cells, " "),
		"Active " + active,
		"Green  ⏱ " + s.Countdown,
	}, "\n")
}

func (m Model) renderStats() string {
	st := m.snapshot.Stats
	return strings.Join([]string{
		m.styles.label.Render("Statistics"),
		"Cycles    " + orDash(st.Cycles),
		"Served    " + orDash(st.ServedTotal),
		"Avg wait  " + orDash(st.AvgWait),
	}, "\n")
}

func (m Model) renderHistory() string {
	h := m.snapshot.History
	lines := []string{m.styles.label.Render(fmt.Sprintf("Detection history (%d samples)", h.Len()))}
	for i, series := range h.Sensors {
		lines = append(lines, fmt.Sprintf("IR%d %s", i+1, Sparkline(series)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderDecisions() string {
	rows := m.snapshot.Decisions
	if len(rows) > decisionRows {
		rows = rows[:decisionRows]
	}

	lines := []string{m.styles.label.Render(fmt.Sprintf("Decisions (%d)", len(m.snapshot.Decisions)))}
	if len(rows) == 0 {
		lines = append(lines, m.styles.help.Render("no decisions yet"))
	}
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s  %-6s %4ss  %-14s %s", r.Time, r.Lane, r.GreenTime, r.Sensors, r.Reason))
	}
	return strings.Join(lines, "\n")
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders values clamped to [0, 1] as block characters
func Sparkline(values []float64) string {
	var b strings.Builder
	top := len(sparkLevels) - 1
	for _, v := range values {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		b.WriteRune(sparkLevels[int(v*float64(top)+0.5)])
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
