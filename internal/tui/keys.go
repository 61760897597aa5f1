package tui

import "strings"

// Navigation keys
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeySettings = "s"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
)

// Job control keys, applied to the selected job.
const (
	KeyPause  = "p"
	KeyResume = "r"
	KeyCancel = "c"
)

var helpEntries = [][2]string{
	{"Tab", "cycle focus"},
	{"1/2", "jump to pane"},
	{"j/k", "select"},
	{KeyPause + "/" + KeyResume + "/" + KeyCancel, "pause/resume/cancel"},
	{KeySettings, "settings"},
	{KeyQuit, "quit"},
}

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	parts := make([]string, len(helpEntries))
	for i, e := range helpEntries {
		parts[i] = e[0] + ": " + e[1]
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
