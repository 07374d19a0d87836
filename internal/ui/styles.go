// Package ui renders the CLI's tables and status lines.
package ui

import "github.com/charmbracelet/lipgloss"

// Oxocarbon color scheme
var (
	OxocarbonBase01 = lipgloss.Color("#393939") // Borders
	OxocarbonBase03 = lipgloss.Color("#767676") // Muted text
	OxocarbonBase05 = lipgloss.Color("#f2f4f8") // Primary foreground
	OxocarbonWhite  = lipgloss.Color("#ffffff")

	OxocarbonBlue   = lipgloss.Color("#78a9ff")
	OxocarbonPink   = lipgloss.Color("#ee5396")
	OxocarbonRed    = lipgloss.Color("#ff5252")
	OxocarbonGreen  = lipgloss.Color("#42be65")
	OxocarbonPurple = lipgloss.Color("#be95ff") // main accent
	OxocarbonMauve  = lipgloss.Color("#d1aaff")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(OxocarbonWhite).
			Background(OxocarbonPurple).
			Padding(0, 1).
			Bold(true)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(OxocarbonMauve).
			Bold(true)

	MutedStyle = lipgloss.NewStyle().
			Foreground(OxocarbonBase03)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(OxocarbonRed).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(OxocarbonGreen)
)

// StatusStyle colors a download or playback status word
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "complete", "playing":
		return lipgloss.NewStyle().Foreground(OxocarbonGreen)
	case "running", "loading", "buffering":
		return lipgloss.NewStyle().Foreground(OxocarbonBlue)
	case "failed":
		return lipgloss.NewStyle().Foreground(OxocarbonRed)
	case "cancelled", "paused", "stopped":
		return lipgloss.NewStyle().Foreground(OxocarbonPink)
	default:
		return lipgloss.NewStyle().Foreground(OxocarbonBase05)
	}
}

var plain bool

// SetColor turns styling on or off for the whole process
func SetColor(enabled bool) { plain = !enabled }

// Render applies style unless color is off
func Render(style lipgloss.Style, text string) string {
	if plain {
		return text
	}
	return style.Render(text)
}
