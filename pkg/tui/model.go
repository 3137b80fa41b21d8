// Package tui provides the live transfer monitor for curvecpctl send. It is
// built on the bubbletea/lipgloss stack and renders three tabs: Transfer,
// Congestion and Events. Stats are polled from the session every 250ms.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/strand-protocol/strand/curvecp/pkg/session"
	"github.com/strand-protocol/strand/curvecp/pkg/stream"
)

// ---------------------------------------------------------------------------
// Shared styles
// ---------------------------------------------------------------------------

var (
	// titleStyle renders the title bar naming the remote address.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	// activeTabStyle renders the currently selected tab label.
	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 2)

	// inactiveTabStyle renders unselected tab labels.
	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	// labelStyle renders the left column of the key/value panels.
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Width(18)

	// valueStyle renders values next to their labels.
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	// barFullStyle renders the acknowledged part of the progress bar.
	barFullStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	// barEmptyStyle renders the outstanding part of the progress bar.
	barEmptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	// dimStyle is used for "no data" messages.
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	// statusBarStyle renders the bottom status bar.
	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	// errorStyle renders the transfer error in the status bar.
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)

	// okStyle renders the completion notice in the status bar.
	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true).
		PaddingLeft(1)
)

// ---------------------------------------------------------------------------
// Tab type
// ---------------------------------------------------------------------------

// tab identifies the currently active monitor tab.
type tab int

const (
	tabTransfer tab = iota
	tabCongestion
	tabEvents
	tabCount // sentinel, must stay last
)

const (
	// refreshInterval is how often session stats are polled.
	refreshInterval = 250 * time.Millisecond
	// maxEvents bounds the Events tab history.
	maxEvents = 200
)

// ---------------------------------------------------------------------------
// Tea messages
// ---------------------------------------------------------------------------

// Source is what the monitor watches. *session.Session implements it.
type Source interface {
	Stats() session.Stats
}

// EventMsg delivers a session event to a running monitor through
// tea.Program.Send.
type EventMsg stream.Event

// DoneMsg tells the monitor the transfer ended. A nil Err is success.
type DoneMsg struct {
	Err error
}

// tickMsg is sent every refreshInterval to trigger a stats refresh.
type tickMsg time.Time

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// eventLine is one entry of the Events tab.
type eventLine struct {
	at   time.Time
	text string
	err  bool
}

// Model is the bubbletea model of the monitor.
type Model struct {
	tabs      []string
	activeTab tab
	source    Source
	remote    string
	total     uint64
	stats     session.Stats
	events    []eventLine
	started   time.Time
	now       time.Time
	width     int
	height    int
	done      bool
	err       error
}

// New returns a monitor for a transfer of total bytes (0 when unknown) to
// remote.
func New(src Source, remote string, total uint64) Model {
	now := time.Now()
	return Model{
		tabs:    []string{"Transfer", "Congestion", "Events"},
		source:  src,
		remote:  remote,
		total:   total,
		started: now,
		now:     now,
	}
}

// Init starts the periodic tick.
func (m Model) Init() tea.Cmd {
	return tick()
}

// tick schedules a tickMsg after refreshInterval.
func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update processes messages and returns an updated model plus any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left", "h":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1":
			m.activeTab = tabTransfer
		case "2":
			m.activeTab = tabCongestion
		case "3":
			m.activeTab = tabEvents
		}
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.stats = m.source.Stats()
		if m.done {
			return m, nil
		}
		return m, tick()

	case EventMsg:
		m.addEvent(stream.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m.stats = m.source.Stats()
		m.now = time.Now()
		return m, tea.Quit
	}
	return m, nil
}

// addEvent appends ev to the event history, dropping the oldest entries
// beyond maxEvents.
func (m *Model) addEvent(ev stream.Event) {
	line := eventLine{at: time.Now(), text: ev.Kind.String()}
	if ev.Err != nil {
		line.text += ": " + ev.Err.Error()
		line.err = true
	}
	m.events = append(m.events, line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

// Err returns the transfer error delivered by DoneMsg.
func (m Model) Err() error { return m.err }

// Done reports whether DoneMsg arrived before the monitor quit.
func (m Model) Done() bool { return m.done }

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

// View renders the monitor to a string.
func (m Model) View() string {
	if m.width == 0 {
		return "Connecting…"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("  curvecp transfer to " + m.remote + "  "))
	sb.WriteString("\n")

	var tabParts []string
	for i, name := range m.tabs {
		label := fmt.Sprintf(" %d: %s ", i+1, name)
		if tab(i) == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabParts, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	contentHeight := max(m.height-5, 1)
	sb.WriteString(clipLines(m.renderActiveTab(), contentHeight))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

// renderActiveTab dispatches to the renderer of the selected tab.
func (m Model) renderActiveTab() string {
	switch m.activeTab {
	case tabTransfer:
		return m.renderTransfer(m.width - 2)
	case tabCongestion:
		return m.renderCongestion()
	case tabEvents:
		return m.renderEvents()
	default:
		return ""
	}
}

// renderStatus renders the bottom bar: the error, the completion notice or
// the live state and key help.
func (m Model) renderStatus() string {
	switch {
	case m.err != nil:
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	case m.done:
		return okStyle.Render("Transfer complete")
	}
	parts := []string{
		fmt.Sprintf("state: %s", m.stats.State),
		fmt.Sprintf("elapsed: %s", m.now.Sub(m.started).Truncate(time.Second)),
		"q: quit  tab: next tab",
	}
	return statusBarStyle.Render(strings.Join(parts, "  |  "))
}

// clipLines truncates s to at most maxLines lines.
func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}
