// Package tui renders live progress of a dispatch run in the terminal. It
// consumes the same event stream the status API serves, either in-process
// or from a remote /events endpoint.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/batchwrap/internal/events"
)

const maxLogLines = 50

type hostRow struct {
	host    string
	state   string
	firstID int
	size    int
	done    int
	failed  int
	workdir string
}

type Model struct {
	source <-chan events.Event
	theme  Theme

	width  int
	height int

	runID   string
	state   string
	total   int
	done    int
	failed  int
	started time.Time
	now     func() time.Time

	hosts    map[string]*hostRow
	eventLog []string

	hostTable table.Model
	bar       progress.Model
	logView   viewport.Model

	finished bool
	userQuit bool
}

type eventMsg events.Event
type sourceClosedMsg struct{}
type tickMsg time.Time

// NewMonitor builds a monitor reading from source. The program exits when
// source is closed.
func NewMonitor(source <-chan events.Event) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Host", Width: 20},
			{Title: "Points", Width: 12},
			{Title: "Done", Width: 6},
			{Title: "Failed", Width: 6},
			{Title: "Workdir", Width: 30},
		}),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	t.SetStyles(s)

	return Model{
		source:    source,
		theme:     NewDefaultTheme(),
		state:     "idle",
		now:       time.Now,
		hosts:     make(map[string]*hostRow),
		hostTable: t,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		logView:   viewport.New(80, 8),
	}
}

// UserQuit reports whether the user left before the stream ended.
func (m Model) UserQuit() bool { return m.userQuit }

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		receiveNextEvent(m.source),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.userQuit = !m.finished
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.hostTable.SetWidth(max(m.width-6, 20))
		m.bar.Width = max(m.width-30, 10)
		m.logView.Width = max(m.width-6, 20)
		m.logView.Height = max(m.height/3, 3)
		return m, nil

	case eventMsg:
		m.apply(events.Event(msg))
		m.refresh()
		return m, receiveNextEvent(m.source)

	case sourceClosedMsg:
		m.finished = true
		return m, tea.Quit

	case tickMsg:
		if m.finished {
			return m, nil
		}
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
	}

	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	return m, cmd
}

func (m *Model) apply(e events.Event) {
	switch e.Type {
	case events.TypeRunState:
		var rs events.RunState
		if events.Decode(e, &rs) != nil {
			return
		}
		if rs.RunID != "" && rs.RunID != m.runID {
			m.runID = rs.RunID
			m.started = m.now()
		}
		m.state = rs.State
		if rs.Total > 0 {
			m.total = rs.Total
		}

	case events.TypeHostState:
		var hs events.HostState
		if events.Decode(e, &hs) != nil {
			return
		}
		row := m.row(hs.Host)
		row.state = hs.State
		row.firstID = hs.FirstID
		row.size = hs.Size
		if hs.Workdir != "" {
			row.workdir = hs.Workdir
		}

	case events.TypePointDone:
		var p events.Point
		if events.Decode(e, &p) != nil {
			return
		}
		m.done++
		m.row(p.Host).done++

	case events.TypePointErr:
		var p events.Point
		if events.Decode(e, &p) != nil {
			return
		}
		m.failed++
		m.row(p.Host).failed++
		m.logLine(e.At, fmt.Sprintf("%s point %d failed: %s", p.Host, p.ID, p.Error))

	case events.TypeLog:
		var l events.Log
		if events.Decode(e, &l) != nil {
			return
		}
		m.logLine(e.At, fmt.Sprintf("%s [%s] %s", l.Host, l.Level, l.Message))
	}
}

func (m *Model) row(host string) *hostRow {
	r, ok := m.hosts[host]
	if !ok {
		r = &hostRow{host: host, state: "idle"}
		m.hosts[host] = r
	}
	return r
}

func (m *Model) logLine(at time.Time, line string) {
	if at.IsZero() {
		at = m.now()
	}
	m.eventLog = append([]string{at.Format("15:04:05") + " | " + line}, m.eventLog...)
	if len(m.eventLog) > maxLogLines {
		m.eventLog = m.eventLog[:maxLogLines]
	}
}

// refresh pushes model state into the table and log viewport.
func (m *Model) refresh() {
	rows := make([]*hostRow, 0, len(m.hosts))
	for _, r := range m.hosts {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].firstID != rows[j].firstID {
			return rows[i].firstID < rows[j].firstID
		}
		return rows[i].host < rows[j].host
	})

	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		span := "-"
		if r.size > 0 {
			span = fmt.Sprintf("%d-%d", r.firstID, r.firstID+r.size-1)
		}
		out = append(out, table.Row{
			m.theme.stateSymbol(r.state),
			r.host,
			span,
			fmt.Sprint(r.done),
			fmt.Sprint(r.failed),
			r.workdir,
		})
	}
	m.hostTable.SetRows(out)

	if len(m.eventLog) == 0 {
		m.logView.SetContent("  No events yet...")
	} else {
		m.logView.SetContent(strings.Join(m.eventLog, "\n"))
	}
}

func (m Model) fraction() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.done+m.failed) / float64(m.total)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	elapsed := "-"
	if !m.started.IsZero() {
		elapsed = m.now().Sub(m.started).Round(time.Second).String()
	}
	header := m.theme.Border.Width(inner).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(inner/3).Render(fmt.Sprintf("Run: %s", m.runID)),
			lipgloss.NewStyle().Width(inner/3).Render(fmt.Sprintf("State: %s %s", m.theme.stateSymbol(m.state), m.state)),
			lipgloss.NewStyle().Width(inner/3).Render(fmt.Sprintf("Elapsed: %s", elapsed)),
		),
	)

	counts := fmt.Sprintf(" %d/%d done", m.done+m.failed, m.total)
	if m.failed > 0 {
		counts += m.theme.StatusFailed.Render(fmt.Sprintf("  %d failed", m.failed))
	}
	bar := m.theme.Border.Width(inner).Render(m.bar.ViewAs(m.fraction()) + counts)

	hostsView := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Hosts"),
			m.hostTable.View(),
		),
	)
	logView := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Events"),
			m.logView.View(),
		),
	)

	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll events")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, bar, hostsView, logView, help),
	)
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return sourceClosedMsg{}
		}
		return eventMsg(ev)
	}
}
