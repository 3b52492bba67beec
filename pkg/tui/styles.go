// Package tui implements a terminal user interface for stepping through a
// command set run on one server.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/servo/pkg/runtime"
)

// Step status glyphs convey meaning without relying on color alone.
const (
	GlyphPending = "○"
	GlyphRunning = "◉"
	GlyphPassed  = "✓"
	GlyphFailed  = "✗"
	GlyphSkipped = "⏭"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorBlue   = lipgloss.Color("39")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var targetBadgeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(colorYellow).
	Padding(0, 1)

var (
	stepNormal = lipgloss.NewStyle().
			Foreground(colorWhite)

	stepRunning = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	stepPassed = lipgloss.NewStyle().
			Foreground(colorGreen)

	stepFailed = lipgloss.NewStyle().
			Foreground(colorRed)

	stepSkipped = lipgloss.NewStyle().
			Faint(true)
)

var (
	panelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)

	panelTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan).
			Padding(0, 1)

	commandStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)
)

var (
	keyStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	keyDescStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	keyBarStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

var matchStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(colorYellow)

var errorStyle = lipgloss.NewStyle().
	Foreground(colorRed).
	Bold(true)

var spinnerStyle = lipgloss.NewStyle().
	Foreground(colorYellow)

// statusLook maps an engine status to its glyph and style.
func statusLook(s runtime.Status) (string, lipgloss.Style) {
	switch s {
	case runtime.StatusRunning:
		return GlyphRunning, stepRunning
	case runtime.StatusSuccess:
		return GlyphPassed, stepPassed
	case runtime.StatusError:
		return GlyphFailed, stepFailed
	case runtime.StatusSkipped:
		return GlyphSkipped, stepSkipped
	default:
		return GlyphPending, stepNormal
	}
}
