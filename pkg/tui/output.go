package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
)

// outputPanel renders the scrollable detail of the selected step.
type outputPanel struct {
	viewport viewport.Model
	content  string

	highlightQuery string
	matches        int

	width  int
	height int
	ready  bool
}

// SetSize updates the viewport dimensions.
func (p *outputPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
	contentW := max(width-4, 1)  // border padding
	contentH := max(height-3, 1) // title and border

	if !p.ready {
		p.viewport = viewport.New(contentW, contentH)
		p.ready = true
	} else {
		p.viewport.Width = contentW
		p.viewport.Height = contentH
	}
	p.refreshContent()
}

// SetContent replaces the displayed text.
func (p *outputPanel) SetContent(text string) {
	p.content = text
	p.refreshContent()
	if p.ready {
		p.viewport.GotoTop()
	}
}

// Update handles viewport-specific messages (mouse scroll, etc.).
func (p *outputPanel) Update(msg tea.Msg) {
	if p.ready {
		p.viewport, _ = p.viewport.Update(msg)
	}
}

// PageUp scrolls the viewport up.
func (p *outputPanel) PageUp() {
	if p.ready {
		p.viewport.HalfViewUp()
	}
}

// PageDown scrolls the viewport down.
func (p *outputPanel) PageDown() {
	if p.ready {
		p.viewport.HalfViewDown()
	}
}

// SetHighlight sets the search query and returns the number of matches.
func (p *outputPanel) SetHighlight(query string) int {
	p.highlightQuery = query
	p.refreshContent()
	return p.matches
}

func (p *outputPanel) refreshContent() {
	content := p.content
	p.matches = 0
	if p.highlightQuery != "" {
		content, p.matches = highlight(content, p.highlightQuery)
	}
	if p.ready {
		p.viewport.SetContent(content)
	}
}

// View renders the output panel.
func (p *outputPanel) View() string {
	title := panelTitle.Render("Output")
	content := "  Nothing has run yet."
	if p.ready && p.content != "" {
		content = p.viewport.View()
	}

	header := title
	if p.ready && p.viewport.TotalLineCount() > p.viewport.VisibleLineCount() {
		scrollInfo := fmt.Sprintf(" %3.0f%%", p.viewport.ScrollPercent()*100)
		padding := max(p.width-4-runewidth.StringWidth("Output")-len(scrollInfo), 0)
		header = title + strings.Repeat(" ", padding) + keyDescStyle.Render(scrollInfo)
	}

	return panelBorder.Width(p.width).Height(p.height).Render(
		header + "\n" + content,
	)
}
