package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/jobs"
)

// maxTaskLines caps the task log kept per job.
const maxTaskLines = 200

// JobState is what the pane knows about one job.
type JobState struct {
	ID        string
	Name      string
	Status    string
	Phase     string
	Completed uint64
	Total     uint64
	Message   string
	Info      string
	ETA       *time.Time
	Critical  string
	Errors    []string
	Tasks     []string
}

// JobPaneModel is the job list plus a scrollable detail viewport.
type JobPaneModel struct {
	jobs        map[string]*JobState // job ID -> state
	jobOrder    []string             // newest first
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewJobPaneModel creates a new job pane.
func NewJobPaneModel() JobPaneModel {
	return JobPaneModel{
		jobs:     make(map[string]*JobState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// jobsLoadedMsg carries the reports listed at startup.
type jobsLoadedMsg struct {
	reports []jobs.Report
	err     error
}

// Update handles messages for the job pane.
func (m JobPaneModel) Update(msg tea.Msg) (JobPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.jobOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case jobsLoadedMsg:
		// Reports arrive newest first; live events may already have added jobs.
		for i := len(msg.reports) - 1; i >= 0; i-- {
			rep := msg.reports[i]
			st := m.ensure(rep.ID.String())
			st.Name = rep.Name
			st.Status = rep.Status.String()
			st.Phase = rep.Phase
			st.Completed = rep.Progress.Completed
			st.Total = rep.Progress.Total
			st.Message = rep.Progress.Message
			st.Info = rep.Info
			st.ETA = nil
			if !rep.Status.IsTerminal() {
				st.ETA = rep.EstimatedCompletion
			}
			st.Critical = rep.CriticalError
			st.Errors = st.Errors[:0]
			for _, e := range rep.NonCriticalErrors {
				st.Errors = append(st.Errors, e.Message)
			}
		}
		m.updateViewportContent()

	case events.JobStatusEvent:
		st := m.ensure(msg.JobID)
		if msg.Name != "" {
			st.Name = msg.Name
		}
		st.Status = msg.Status
		if status, err := jobs.ParseStatus(msg.Status); err == nil && status.IsTerminal() {
			st.ETA = nil
		}
		if msg.Error != "" {
			st.Critical = msg.Error
		}
		return m, m.refresh(msg.JobID)

	case events.JobProgressEvent:
		st := m.ensure(msg.JobID)
		st.Phase = msg.Phase
		st.Completed = msg.Completed
		st.Total = msg.Total
		st.Message = msg.Message
		st.ETA = msg.EstimatedCompletion
		return m, m.refresh(msg.JobID)

	case events.TaskFinishedEvent:
		st := m.ensure(msg.JobID)
		line := fmt.Sprintf("%s %s %s", msg.Timestamp.Format(time.TimeOnly), msg.TaskID, msg.Status)
		if msg.Error != "" {
			line += ": " + msg.Error
		}
		st.Tasks = append(st.Tasks, line)
		if len(st.Tasks) > maxTaskLines {
			st.Tasks = st.Tasks[len(st.Tasks)-maxTaskLines:]
		}
		return m, m.refresh(msg.JobID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// ensure returns the state for id, adding it at the top of the list.
func (m *JobPaneModel) ensure(id string) *JobState {
	if st, ok := m.jobs[id]; ok {
		return st
	}
	st := &JobState{ID: id, Status: jobs.StatusQueued.String()}
	m.jobs[id] = st
	m.jobOrder = append([]string{id}, m.jobOrder...)
	if len(m.jobOrder) > 1 {
		// Keep the same job selected.
		m.selectedIdx++
	}
	return st
}

// refresh schedules a debounced viewport update if id is selected.
func (m *JobPaneModel) refresh(id string) tea.Cmd {
	if m.SelectedID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the job pane.
func (m JobPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderJobList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m JobPaneModel) renderJobList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Jobs")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.jobOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("No jobs yet"))
	}
	for i, id := range m.jobOrder {
		st := m.jobs[id]
		name := fmt.Sprintf("%s %s", st.Name, shortID(id))
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(st.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedID returns the selected job ID, or "".
func (m JobPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.jobOrder) {
		return m.jobOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected job's state.
func (m JobPaneModel) Selected() (JobState, bool) {
	st, ok := m.jobs[m.SelectedID()]
	if !ok {
		return JobState{}, false
	}
	return *st, true
}

func (m *JobPaneModel) updateViewportContent() {
	st, ok := m.jobs[m.SelectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for jobs...")
		return
	}
	m.viewport.SetContent(renderDetail(st, m.viewport.Width))
	m.viewport.GotoBottom()
}

func renderDetail(st *JobState, width int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", StyleTitle.Render(st.Name), st.ID)
	fmt.Fprintf(&b, "Status:   %s %s\n", StatusIcon(st.Status), st.Status)
	if st.Info != "" {
		fmt.Fprintf(&b, "Info:     %s\n", st.Info)
	}
	if st.Phase != "" {
		fmt.Fprintf(&b, "Phase:    %s\n", st.Phase)
	}
	fmt.Fprintf(&b, "Progress: %s\n", progressBar(st.Completed, st.Total, min(max(width-20, 10), 40)))
	if st.Message != "" {
		fmt.Fprintf(&b, "          %s\n", st.Message)
	}
	if st.ETA != nil {
		fmt.Fprintf(&b, "ETA:      %s\n", st.ETA.Local().Format(time.TimeOnly))
	}
	if st.Critical != "" {
		fmt.Fprintf(&b, "\n%s %s\n", StyleStatusFailed.Render("Critical:"), st.Critical)
	}
	if len(st.Errors) > 0 {
		fmt.Fprintf(&b, "\n%s\n", StyleStatusPaused.Render(fmt.Sprintf("Non-critical errors (%d):", len(st.Errors))))
		for _, e := range st.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	if len(st.Tasks) > 0 {
		b.WriteString("\nTasks:\n")
		b.WriteString(strings.Join(st.Tasks, "\n"))
	}
	return b.String()
}

func progressBar(done, total uint64, width int) string {
	if total == 0 {
		return fmt.Sprintf("%d", done)
	}
	filled := int(min(done, total) * uint64(width) / total)
	bar := StyleStatusComplete.Render(strings.Repeat("=", filled)) +
		StyleStatusPending.Render(strings.Repeat(".", width-filled))
	return fmt.Sprintf("[%s] %d/%d", bar, done, total)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *JobPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-30-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *JobPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
	m.updateViewportContent()
}

// SetFocused updates the focus state.
func (m *JobPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
