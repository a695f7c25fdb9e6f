// Package tui provides a live terminal dashboard for integration test runs.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It shows every phase with its lifecycle state, server PID, time to healthy
// and result code, plus heartbeat probe latency.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-itest-supervisor/internal/supervisor"
)

// =============================================================================
// Palette
// =============================================================================

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	colorTitle  = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	colorPass   = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	colorBusy   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	colorFg     = lipgloss.AdaptiveColor{Light: "#111827", Dark: "#F3F4F6"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	colorRule   = lipgloss.AdaptiveColor{Light: "#D1D5DB", Dark: "#4B5563"}
)

func fg(c lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

// =============================================================================
// Styles
// =============================================================================

var (
	mutedStyle = fg(colorMuted)
	dimStyle   = fg(colorRule)

	statusOK      = fg(colorPass).Bold(true)
	statusError   = fg(colorFail).Bold(true)
	statusBusy    = fg(colorBusy).Bold(true)
	statusRunning = fg(colorAccent).Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(colorAccent).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorRule).
			Padding(0, 1)

	sectionHeaderStyle = fg(colorTitle).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorRule)

	footerStyle = mutedStyle.MarginTop(1)

	labelStyle = mutedStyle.Width(14)
	valueStyle = fg(colorFg).Bold(true)

	tableHeaderStyle = fg(colorTitle).Bold(true)
	tableCellStyle   = fg(colorFg)
)

// =============================================================================
// Phase State Indicator
// =============================================================================

// StateStyle returns the style used to render a phase state.
func StateStyle(s supervisor.State) lipgloss.Style {
	switch s {
	case supervisor.StateDone:
		return statusOK
	case supervisor.StateFailed:
		return statusError
	case supervisor.StateTerminating:
		return statusBusy
	case supervisor.StateSpawning, supervisor.StateAwaitingHealth, supervisor.StateRunning:
		return statusRunning
	default:
		return dimStyle
	}
}

// StateIcon returns a one-character marker for a phase state.
func StateIcon(s supervisor.State) string {
	switch s {
	case supervisor.StateDone:
		return "✓"
	case supervisor.StateFailed:
		return "✗"
	case supervisor.StateIdle:
		return "○"
	default:
		return "●"
	}
}

// StateLabel returns a styled "icon state" label.
func StateLabel(s supervisor.State) string {
	return StateStyle(s).Render(StateIcon(s) + " " + s.String())
}

// ResultLabel returns a styled result for a finished phase.
func ResultLabel(code int, err string) string {
	switch {
	case err != "":
		return statusError.Render("ERROR")
	case code != 0:
		return statusBusy.Render(fmt.Sprintf("FAIL (%d)", code))
	default:
		return statusOK.Render("PASS")
	}
}

// =============================================================================
// Helpers
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label, value string) string {
	return labelStyle.Render(label+":") + valueStyle.Render(value)
}

// RenderProgressBar renders completed phases as a bar of at least ten cells.
func RenderProgressBar(progress float64, width int) string {
	width = max(width, 10)
	filled := min(max(int(progress*float64(width)), 0), width)

	return fg(colorAccent).Render(repeatChar('█', filled)) +
		dimStyle.Render(repeatChar('░', width-filled)) +
		valueStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	return strings.Repeat(string(char), count)
}
