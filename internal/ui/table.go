package ui

import (
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const columnGap = "  "

// Table is a plain column layout with a styled header row
type Table struct {
	headers  []string
	rows     [][]string
	maxWidth []int
}

// NewTable creates a table with the given column headers
func NewTable(headers ...string) *Table {
	return &Table{headers: headers, maxWidth: make([]int, len(headers))}
}

// Limit caps the width of column i; longer cells are truncated
func (t *Table) Limit(i, width int) *Table {
	if i >= 0 && i < len(t.maxWidth) {
		t.maxWidth[i] = width
	}
	return t
}

// Row appends a row. Missing cells are left blank and extra cells dropped.
func (t *Table) Row(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	for i, c := range row {
		if limit := t.maxWidth[i]; limit > 0 {
			row[i] = Truncate(c, limit)
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.rows) }

// Render writes the table to w
func (t *Table) Render(w io.Writer) error {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if cw := runewidth.StringWidth(c); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	var b strings.Builder
	for i, h := range t.headers {
		cell := PadRight(h, widths[i])
		if i == len(t.headers)-1 {
			cell = h
		}
		b.WriteString(Render(HeaderStyle, cell))
		if i < len(t.headers)-1 {
			b.WriteString(columnGap)
		}
	}
	b.WriteString("\n")

	for _, row := range t.rows {
		for i, c := range row {
			if i < len(row)-1 {
				b.WriteString(PadRight(c, widths[i]))
				b.WriteString(columnGap)
			} else {
				b.WriteString(c)
			}
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
