package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Theme colors for terminal output.
var (
	colorPrimary = lipgloss.Color("12")  // Blue
	colorSuccess = lipgloss.Color("10")  // Green
	colorWarning = lipgloss.Color("11")  // Yellow
	colorError   = lipgloss.Color("9")   // Red
	colorMuted   = lipgloss.Color("240") // Gray
)

// styled reports whether output to w gets borders and color.
func styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}

// renderTable writes rows under headers. Terminals get a bordered, colored
// table; anything else gets plain aligned columns.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(none)")
		return
	}
	t := table.New().Headers(headers...).Rows(rows...)
	if styled(w) {
		header := lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
		cell := lipgloss.NewStyle().Padding(0, 1)
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return header
				}
				if col < len(headers) && headers[col] == "STATUS" && row >= 0 && row < len(rows) {
					return cell.Foreground(statusColor(rows[row][col]))
				}
				return cell
			})
	} else {
		plain := lipgloss.NewStyle().PaddingRight(2)
		t = t.BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
			BorderHeader(false).BorderColumn(false).BorderRow(false).
			StyleFunc(func(int, int) lipgloss.Style { return plain })
	}
	fmt.Fprintln(w, t.Render())
}

// statusColor maps a record status to a theme color.
func statusColor(status string) lipgloss.Color {
	switch status {
	case "done", "completed", "idle", "merged":
		return colorSuccess
	case "failed", "crashed":
		return colorError
	case "blocked", "paused", "cancelled":
		return colorWarning
	case "running", "working", "active", "assigned", "starting":
		return colorPrimary
	default:
		return colorMuted
	}
}

// heading renders a section title.
func heading(w io.Writer, title string) string {
	if !styled(w) {
		return title
	}
	return lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Render(title)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
