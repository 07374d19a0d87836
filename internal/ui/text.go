package ui

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Truncate shortens text to maxWidth terminal cells, accounting for wide
// characters. Adds "..." if the text is truncated.
func Truncate(text string, maxWidth int) string {
	if runewidth.StringWidth(text) <= maxWidth {
		return text
	}
	if maxWidth <= 3 {
		return strings.Repeat(".", maxWidth)
	}

	width := 0
	for i, r := range text {
		width += runewidth.RuneWidth(r)
		if width > maxWidth-3 {
			return text[:i] + "..."
		}
	}
	return text
}

// PadRight pads text with spaces to width cells
func PadRight(text string, width int) string {
	if w := runewidth.StringWidth(text); w < width {
		return text + strings.Repeat(" ", width-w)
	}
	return text
}
