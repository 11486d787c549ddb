package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF5555")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorGray   = lipgloss.Color("#666666")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	dimStyle     = lipgloss.NewStyle().Foreground(colorGray)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	mathStyle    = lipgloss.NewStyle().Foreground(colorYellow)
	studentStyle = lipgloss.NewStyle().Foreground(colorGreen)
	tutorStyle   = lipgloss.NewStyle().Foreground(colorCyan)
	dividerStyle = lipgloss.NewStyle().Foreground(colorGray)

	stateStyles = map[string]lipgloss.Style{
		"ACTIVE":     lipgloss.NewStyle().Bold(true).Foreground(colorGreen),
		"CONNECTING": lipgloss.NewStyle().Foreground(colorYellow),
		"PAUSED":     lipgloss.NewStyle().Foreground(colorYellow),
		"ERROR":      lipgloss.NewStyle().Bold(true).Foreground(colorRed),
	}
)
