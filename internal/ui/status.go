// internal/ui/status.go
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// StatusLine provides simple one-line status updates for CLI commands
type StatusLine struct {
	writer io.Writer
}

// NewStatusLine creates a status line writer on w (stdout if nil)
func NewStatusLine(w io.Writer) *StatusLine {
	if w == nil {
		w = os.Stdout
	}
	return &StatusLine{writer: w}
}

// Success prints a success status
func (sl *StatusLine) Success(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.GreenString("✓"), message)
}

// Fail prints a failure status
func (sl *StatusLine) Fail(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.RedString("✗"), message)
}

// Warning prints a warning status
func (sl *StatusLine) Warning(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.YellowString("⚠"), message)
}

// Info prints an info status
func (sl *StatusLine) Info(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.BlueString("ℹ"), message)
}

// Field prints an indented "label: value" pair
func (sl *StatusLine) Field(label, value string) {
	fmt.Fprintf(sl.writer, "   %s %s\n", color.New(color.Bold).Sprintf("%-12s", label+":"), value)
}

// Table prints rows aligned under a bold header.
func (sl *StatusLine) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := range header {
			if i < len(row) && len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(header))
		for i := range header {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(sl.writer, color.New(color.FgCyan, color.Bold).Sprint(line(header)))
	for _, row := range rows {
		fmt.Fprintln(sl.writer, line(row))
	}
}

// StatusColor colors a job status word for terminal output
func StatusColor(status string) string {
	switch status {
	case "SUCCEEDED":
		return color.GreenString(status)
	case "FAILED":
		return color.RedString(status)
	case "CANCELLED":
		return color.HiBlackString(status)
	case "PROCESSING":
		return color.YellowString(status)
	default:
		return color.CyanString(status)
	}
}

// FormatDuration renders d compactly ("4.2s", "3m12s")
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
