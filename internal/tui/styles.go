package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor    = lipgloss.Color("#7C3AED")
	accentColor     = lipgloss.Color("#10B981")
	errorColor      = lipgloss.Color("#EF4444")
	mutedColor      = lipgloss.Color("#6B7280")
	backgroundColor = lipgloss.Color("#1F2937")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(backgroundColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	systemStyle    = lipgloss.NewStyle().Foreground(accentColor).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	ownStyle       = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	peerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	timestampStyle = lipgloss.NewStyle().Foreground(mutedColor).Faint(true)
	onlineStyle    = lipgloss.NewStyle().Foreground(accentColor)
)
