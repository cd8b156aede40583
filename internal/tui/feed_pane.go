package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexhall/foreman/internal/events"
)

// feedCap bounds the feed so long runs don't grow without limit.
const feedCap = 500

// FeedPaneModel is the scrollable event feed.
type FeedPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewFeedPaneModel creates an empty feed pane.
func NewFeedPaneModel() FeedPaneModel {
	return FeedPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the feed pane.
func (m FeedPaneModel) Update(msg tea.Msg) (FeedPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		m.viewport, cmd = m.viewport.Update(msg)

	case events.Event:
		m.append(formatEvent(msg))
	}

	return m, cmd
}

func (m *FeedPaneModel) append(line string) {
	if line == "" {
		return
	}
	m.lines = append(m.lines, line)
	if len(m.lines) > feedCap {
		m.lines = m.lines[len(m.lines)-feedCap:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *FeedPaneModel) resizeViewport() {
	w := m.width - 4
	h := m.height - 4
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	m.viewport.Width = w
	m.viewport.Height = h
}

// SetSize sets the pane dimensions.
func (m *FeedPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.resizeViewport()
}

// SetFocused sets whether this pane receives scroll keys.
func (m *FeedPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the feed pane.
func (m FeedPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	content := StyleTitle.Render("Events") + "\n" + m.viewport.View()
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(content)
}

// formatEvent turns a bus event into a single feed line. Unknown event
// types render as their type name so nothing is silently dropped.
func formatEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskClaimedEvent:
		return fmt.Sprintf("%s claim  %s (%s, attempt %d)", e.Timestamp.Format("15:04:05"), e.ID, e.Phase, e.Attempt)
	case events.TaskOutcomeEvent:
		line := fmt.Sprintf("%s done   %s -> %s in %v", e.Timestamp.Format("15:04:05"), e.ID, e.Status, e.Duration.Round(time.Millisecond))
		if e.Error != "" {
			line += ": " + truncate(e.Error, 60)
		}
		return line
	case events.TaskQAResolvedEvent:
		verdict := "passed"
		if !e.Passed {
			verdict = "failed"
		}
		return fmt.Sprintf("%s qa     %s %s", e.Timestamp.Format("15:04:05"), e.ID, verdict)
	case events.TaskReactivatedEvent:
		return fmt.Sprintf("%s retry  %s from %s (activation %d)", e.Timestamp.Format("15:04:05"), e.ID, e.FromStatus, e.Reactivations)
	case events.TaskSkippedEvent:
		return fmt.Sprintf("%s skip   %s: %s", e.Timestamp.Format("15:04:05"), e.ID, e.Reason)
	case events.PhaseSelectedEvent:
		if e.HintUsed {
			return fmt.Sprintf("%s phase  %s (hinted, %d eligible)", e.Timestamp.Format("15:04:05"), e.Phase, e.Eligible)
		}
		return fmt.Sprintf("%s phase  %s (%d eligible)", e.Timestamp.Format("15:04:05"), e.Phase, e.Eligible)
	case events.DispatchStartedEvent:
		return "" // too chatty for the feed
	case events.DispatchFinishedEvent:
		if e.Err == "" {
			return ""
		}
		return fmt.Sprintf("%s error  %s via %s: %s", e.Timestamp.Format("15:04:05"), e.ID, e.Endpoint, truncate(e.Err, 60))
	case events.EscalationRaisedEvent:
		return fmt.Sprintf("%s guard  %s level %d %s: %s", e.Timestamp.Format("15:04:05"), e.ID, e.Level, e.Intervention, e.Reason)
	default:
		return ev.EventType()
	}
}
