package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobcore/internal/config"
	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/jobs"
)

// controlTimeout bounds a pause/resume/cancel issued from the keyboard.
const controlTimeout = 5 * time.Second

// Controller is the part of the job manager the TUI drives.
type Controller interface {
	ListJobs(ctx context.Context, statuses ...jobs.Status) ([]jobs.Report, error)
	PauseJob(ctx context.Context, id jobs.JobID) error
	ResumeJob(ctx context.Context, id jobs.JobID) error
	CancelJob(ctx context.Context, id jobs.JobID) error
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneJobs PaneID = iota
	PaneWorkers
	paneCount
)

// controlDoneMsg reports the outcome of a control request.
type controlDoneMsg struct {
	action string
	id     string
	err    error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	ctl          Controller
	jobPane      JobPaneModel
	workerPane   WorkerPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	notice       string
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(ctl Controller, eventBus *events.EventBus, cfg *config.Config, globalPath, projectPath string) Model {
	m := Model{
		ctl:          ctl,
		jobPane:      NewJobPaneModel(),
		workerPane:   NewWorkerPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneJobs,
		eventSub:     eventBus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), loadJobs(m.ctl))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func loadJobs(ctl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		reports, err := ctl.ListJobs(ctx)
		return jobsLoadedMsg{reports: reports, err: err}
	}
}

// control returns a command applying fn to the selected job.
func (m Model) control(action string, fn func(context.Context, jobs.JobID) error) tea.Cmd {
	raw := m.jobPane.SelectedID()
	if raw == "" {
		return nil
	}
	return func() tea.Msg {
		id, err := jobs.ParseJobID(raw)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			err = fn(ctx, id)
		}
		return controlDoneMsg{action: action, id: raw, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// While settings are open every key goes to the form.
		if m.showSettings {
			switch msg.String() {
			case "esc":
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)

				if !m.settingsPane.IsVisible() {
					m.showSettings = false
					if m.settingsPane.Saved() {
						m.notice = "settings saved, restart to apply"
					}
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneJobs
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneWorkers
			m.updateFocusStates()

		case KeyPause:
			cmds = append(cmds, m.control("pause", m.ctl.PauseJob))

		case KeyResume:
			cmds = append(cmds, m.control("resume", m.ctl.ResumeJob))

		case KeyCancel:
			cmds = append(cmds, m.control("cancel", m.ctl.CancelJob))

		default:
			if m.focusedPane == PaneJobs {
				var cmd tea.Cmd
				m.jobPane, cmd = m.jobPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case controlDoneMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s %s: %v", msg.action, shortID(msg.id), msg.err)
		} else {
			m.notice = ""
		}

	case jobsLoadedMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("listing jobs: %v", msg.err)
		}
		var cmd tea.Cmd
		m.jobPane, cmd = m.jobPane.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		var cmd tea.Cmd
		m.jobPane, cmd = m.jobPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.JobStatusEvent, events.JobProgressEvent, events.TaskFinishedEvent:
		var cmd tea.Cmd
		m.jobPane, cmd = m.jobPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.WorkerLoadEvent:
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Not displayed, but keep consuming.
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.jobPane.View(), m.workerPane.View())

	footer := HelpView()
	if m.notice != "" {
		footer = StyleNotice.Render(m.notice)
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, footer)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.jobPane.SetSize(leftWidth, availableHeight)
	m.workerPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.jobPane.SetFocused(m.focusedPane == PaneJobs)
	m.workerPane.SetFocused(m.focusedPane == PaneWorkers)
}
