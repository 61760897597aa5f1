package tui

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobcore/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Changes are written
// to disk and apply on the next start.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form bindings live on the heap so copies of the model share them.
	fields *settingsFields
}

// settingsFields are the form values (strings for Huh).
type settingsFields struct {
	saveTarget         string
	workers            string
	maxInFlight        string
	maxConcurrentJobs  string
	checkpointInterval string
	cancelGrace        string
	autoResume         bool
	logLevel           string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &settingsFields{},
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	*m.fields = settingsFields{
		saveTarget:         "global",
		workers:            strconv.Itoa(m.config.Scheduler.Workers),
		maxInFlight:        strconv.Itoa(m.config.Jobs.MaxInFlight),
		maxConcurrentJobs:  strconv.Itoa(m.config.Jobs.MaxConcurrentJobs),
		checkpointInterval: m.config.Jobs.CheckpointInterval.String(),
		cancelGrace:        m.config.Jobs.CancelGracePeriod.String(),
		autoResume:         m.config.Jobs.AutoResume,
		logLevel:           m.config.Log.Level,
	}
}

func validateCount(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.New("must be a whole number")
	}
	if n < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.New("must be a duration like 500ms or 5s")
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	f := m.fields
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.jobcore/config.json)", "global"),
					huh.NewOption("Project (.jobcore/config.json)", "project"),
				).
				Value(&f.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("workers").
				Title("Workers").
				Description("0 uses one worker per CPU").
				Value(&f.workers).
				Validate(validateCount),

			huh.NewInput().
				Key("maxInFlight").
				Title("Tasks In Flight Per Job").
				Value(&f.maxInFlight).
				Validate(validateCount),

			huh.NewInput().
				Key("maxConcurrentJobs").
				Title("Concurrent Jobs").
				Description("0 means unlimited").
				Value(&f.maxConcurrentJobs).
				Validate(validateCount),
		).Title("Scheduling"),

		huh.NewGroup(
			huh.NewInput().
				Key("checkpointInterval").
				Title("Checkpoint Interval").
				Value(&f.checkpointInterval).
				Validate(validateDuration),

			huh.NewInput().
				Key("cancelGrace").
				Title("Cancel Grace Period").
				Value(&f.cancelGrace).
				Validate(validateDuration),

			huh.NewConfirm().
				Key("autoResume").
				Title("Resume unfinished jobs on start?").
				Value(&f.autoResume),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&f.logLevel),
		).Title("Jobs"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to a copy of the config and writes it.
func (m *SettingsPaneModel) save() error {
	next := *m.config
	if err := m.applyForm(&next); err != nil {
		return err
	}

	targetPath := m.globalPath
	if m.fields.saveTarget == "project" {
		targetPath = m.projectPath
	}
	if err := config.Save(&next, targetPath); err != nil {
		return err
	}
	*m.config = next
	return nil
}

// applyForm copies form field values into cfg.
func (m *SettingsPaneModel) applyForm(cfg *config.Config) error {
	f := m.fields
	var err error
	if cfg.Scheduler.Workers, err = strconv.Atoi(f.workers); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	if cfg.Jobs.MaxInFlight, err = strconv.Atoi(f.maxInFlight); err != nil {
		return fmt.Errorf("tasks in flight: %w", err)
	}
	if cfg.Jobs.MaxConcurrentJobs, err = strconv.Atoi(f.maxConcurrentJobs); err != nil {
		return fmt.Errorf("concurrent jobs: %w", err)
	}
	if err = cfg.Jobs.CheckpointInterval.UnmarshalText([]byte(f.checkpointInterval)); err != nil {
		return fmt.Errorf("checkpoint interval: %w", err)
	}
	if err = cfg.Jobs.CancelGracePeriod.UnmarshalText([]byte(f.cancelGrace)); err != nil {
		return fmt.Errorf("cancel grace period: %w", err)
	}
	cfg.Jobs.AutoResume = f.autoResume
	cfg.Log.Level = f.logLevel
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied on restart)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
