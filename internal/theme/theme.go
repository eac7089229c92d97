// Package theme holds the lipgloss styles used by the CLI output.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/bookpipe/internal/model"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the title line of command output.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// TableHeaderStyle styles table header cells.
var TableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorBlue).
	Padding(0, 1)

// CellStyle is the base style for table cells.
var CellStyle = lipgloss.NewStyle().
	Padding(0, 1)

// HelpStyle is used for hints and secondary text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// BorderStyle colors table borders.
var BorderStyle = lipgloss.NewStyle().
	Foreground(ColorBorder)

// StatusStyle returns a color-coded style for a task outcome status.
func StatusStyle(status model.TaskStatus) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch status {
	case model.StatusSuccess:
		return base.Foreground(ColorGreen)
	case model.StatusFailed:
		return base.Foreground(ColorRed)
	case model.StatusTimeout:
		return base.Foreground(ColorYellow)
	case model.StatusError:
		return base.Foreground(ColorOrange)
	default:
		return base.Foreground(ColorGray)
	}
}

// SuccessStyle and ErrorStyle mark one-line command results.
var (
	SuccessStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)
	ErrorStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
)
