package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// renderMarkdown converts a step description to styled terminal output at
// the given width. It falls back to the raw input when rendering fails.
func renderMarkdown(md string, width int) string {
	if strings.TrimSpace(md) == "" {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
