package tui

import (
	"fmt"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobcore/internal/events"
)

// WorkerPaneModel shows the queue of every worker.
type WorkerPaneModel struct {
	workers map[int]events.WorkerLoadEvent
	width   int
	height  int
	focused bool
}

// NewWorkerPaneModel creates a new worker pane.
func NewWorkerPaneModel() WorkerPaneModel {
	return WorkerPaneModel{workers: make(map[int]events.WorkerLoadEvent)}
}

// Update handles messages for the worker pane.
func (m WorkerPaneModel) Update(msg tea.Msg) (WorkerPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.WorkerLoadEvent:
		m.workers[msg.WorkerID] = msg
	}
	return m, nil
}

// View renders the worker pane.
func (m WorkerPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Workers")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	ids := make([]int, 0, len(m.workers))
	queued, idle := 0, 0
	for id, w := range m.workers {
		ids = append(ids, id)
		queued += w.Queued
		if w.Idle {
			idle++
		}
	}
	slices.Sort(ids)

	if len(ids) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for load reports..."))
	} else {
		b.WriteString(fmt.Sprintf("Queued: %d   Idle: %d/%d\n\n", queued, idle, len(ids)))
	}

	peak := 1
	for _, w := range m.workers {
		peak = max(peak, w.Queued)
	}
	barWidth := max(min(m.width-24, 40), 5)
	for _, id := range ids {
		w := m.workers[id]
		filled := w.Queued * barWidth / peak
		bar := StyleStatusRunning.Render(strings.Repeat("#", filled)) +
			StyleStatusPending.Render(strings.Repeat(".", barWidth-filled))
		state := StyleStatusRunning.Render("busy")
		if w.Idle {
			state = StyleStatusPending.Render("idle")
		}
		b.WriteString(fmt.Sprintf("w%-3d %s [%s] %d\n", id, state, bar, w.Queued))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *WorkerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *WorkerPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
