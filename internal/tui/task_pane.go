package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alexhall/foreman/internal/events"
	"github.com/alexhall/foreman/internal/task"
)

// taskRow is the displayed state of a single task, folded from events.
type taskRow struct {
	ID            string
	Status        string
	Phase         string
	Attempts      int
	Reactivations int
	GuardLevel    int
}

// TaskPaneModel renders the live task table.
type TaskPaneModel struct {
	rows        map[string]*taskRow // taskID -> row
	order       []string            // insertion order for display
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{rows: make(map[string]*taskRow)}
}

func (m *TaskPaneModel) row(id string) *taskRow {
	if r, ok := m.rows[id]; ok {
		return r
	}
	r := &taskRow{ID: id, Status: task.StatusNew.String()}
	m.rows[id] = r
	m.order = append(m.order, id)
	return r
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case events.TaskClaimedEvent:
		r := m.row(msg.ID)
		r.Status = task.StatusInProgress.String()
		r.Phase = msg.Phase
		r.Attempts = msg.Attempt

	case events.TaskOutcomeEvent:
		r := m.row(msg.ID)
		r.Status = msg.Status.String()

	case events.TaskQAResolvedEvent:
		r := m.row(msg.ID)
		if msg.Passed {
			r.Status = task.StatusCompleted.String()
		} else {
			r.Status = task.StatusQAFailed.String()
		}

	case events.TaskReactivatedEvent:
		r := m.row(msg.ID)
		r.Status = task.StatusNew.String()
		r.Reactivations = msg.Reactivations

	case events.TaskSkippedEvent:
		m.row(msg.ID).Status = task.StatusSkipped.String()

	case events.EscalationRaisedEvent:
		m.row(msg.ID).GuardLevel = msg.Level
	}

	return m, nil
}

// SetSize sets the pane dimensions.
func (m *TaskPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
}

// SetFocused sets whether this pane receives navigation keys.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case task.StatusInProgress.String(), task.StatusQAPending.String():
		return StyleStatusRunning
	case task.StatusCompleted.String():
		return StyleStatusComplete
	case task.StatusFailed.String(), task.StatusQAFailed.String():
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}

// View renders the task table.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Tasks"))
	b.WriteString("\n")

	visible := m.height - 4 // title + borders
	if visible < 1 {
		visible = 1
	}
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}

	for i := start; i < len(m.order) && i-start < visible; i++ {
		r := m.rows[m.order[i]]
		cursor := "  "
		if i == m.selectedIdx && m.focused {
			cursor = "> "
		}
		line := fmt.Sprintf("%s%-24s %s", cursor, truncate(r.ID, 24), statusStyle(r.Status).Render(fmt.Sprintf("%-12s", r.Status)))
		if r.Phase != "" {
			line += " " + r.Phase
		}
		if r.Reactivations > 0 {
			line += fmt.Sprintf(" r%d", r.Reactivations)
		}
		if r.GuardLevel > 0 {
			line += StyleStatusFailed.Render(fmt.Sprintf(" !%d", r.GuardLevel))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.order) == 0 {
		b.WriteString(StyleHelp.Render("waiting for tasks..."))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
