package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobcore/internal/jobs"
)

// Pane borders
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles, shared by jobs and workers.
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	StyleStatusWarning  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	StyleStatusPaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	StyleStatusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("0"))
	StyleNotice   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type glyph struct {
	icon  string
	style lipgloss.Style
}

var statusGlyphs = map[jobs.Status]glyph{
	jobs.StatusQueued:              {"○", StyleStatusPending},
	jobs.StatusRunning:             {"●", StyleStatusRunning},
	jobs.StatusPaused:              {"‖", StyleStatusPaused},
	jobs.StatusCompleted:           {"✓", StyleStatusComplete},
	jobs.StatusCompletedWithErrors: {"✓", StyleStatusWarning},
	jobs.StatusFailed:              {"✗", StyleStatusFailed},
	jobs.StatusCanceled:            {"✗", StyleStatusPending},
}

// StatusIcon returns a styled indicator for a job status name.
func StatusIcon(status string) string {
	s, err := jobs.ParseStatus(status)
	if err != nil {
		return StyleStatusPending.Render("?")
	}
	g := statusGlyphs[s]
	return g.style.Render(g.icon)
}
