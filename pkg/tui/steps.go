package tui

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
)

// stepInfo holds the display state for a single step.
type stepInfo struct {
	ID         string
	Title      string
	Status     runtime.Status
	Skippable  bool
	Repeatable bool
	Found      bool // matches the find term
}

// stepsPanel renders the scrollable step list.
type stepsPanel struct {
	steps  []stepInfo
	cursor int // highlighted step
	width  int
	height int
	offset int // scroll offset
}

func newStepsPanel(cs *schema.CommandSet) stepsPanel {
	p := stepsPanel{steps: make([]stepInfo, len(cs.Steps))}
	for i, s := range cs.Steps {
		p.steps[i] = stepInfo{
			ID:         s.ID,
			Title:      s.Title,
			Status:     runtime.StatusPending,
			Skippable:  s.Skippable,
			Repeatable: s.Repeatable,
		}
	}
	return p
}

// SetFound flags the steps in hits.
func (p *stepsPanel) SetFound(hits []int) {
	for i := range p.steps {
		p.steps[i].Found = false
	}
	for _, i := range hits {
		if i >= 0 && i < len(p.steps) {
			p.steps[i].Found = true
		}
	}
}

// SetStatuses copies the engine's statuses into the panel.
func (p *stepsPanel) SetStatuses(statuses []runtime.Status) {
	for i := range p.steps {
		if i < len(statuses) {
			p.steps[i].Status = statuses[i]
		}
	}
}

// SetCursor moves the cursor to step i.
func (p *stepsPanel) SetCursor(i int) {
	if i >= 0 && i < len(p.steps) {
		p.cursor = i
		p.ensureVisible()
	}
}

// CursorUp moves the browsing cursor up.
func (p *stepsPanel) CursorUp() {
	p.SetCursor(p.cursor - 1)
}

// CursorDown moves the browsing cursor down.
func (p *stepsPanel) CursorDown() {
	p.SetCursor(p.cursor + 1)
}

func (p *stepsPanel) ensureVisible() {
	visible := max(p.height-2, 1) // border and title
	if p.cursor < p.offset {
		p.offset = p.cursor
	}
	if p.cursor >= p.offset+visible {
		p.offset = p.cursor - visible + 1
	}
}

// View renders the step list panel.
func (p *stepsPanel) View() string {
	visible := max(p.height-2, 1)
	end := min(p.offset+visible, len(p.steps))

	var lines []string
	for i := p.offset; i < end; i++ {
		step := p.steps[i]
		glyph, style := statusLook(step.Status)

		title := step.Title
		if title == "" {
			title = step.ID
		}
		maxTitle := max(p.width-10, 4) // glyph, number, padding and flag
		title = runewidth.Truncate(title, maxTitle, "…")

		flag := " "
		if step.Repeatable {
			flag = "⟳"
		}
		mark := " "
		if step.Found {
			mark = "»"
		}
		line := fmt.Sprintf("%s%s %d. %s %s", mark, glyph, i+1, title, flag)
		if i == p.cursor {
			line = style.Reverse(true).Render(line)
		} else {
			line = style.Render(line)
		}
		lines = append(lines, line)
	}
	for len(lines) < visible {
		lines = append(lines, "")
	}

	return panelBorder.Width(p.width).Height(p.height).Render(
		panelTitle.Render("Steps") + "\n" + strings.Join(lines, "\n"),
	)
}

// Stats returns counts of steps by status.
func (p *stepsPanel) Stats() (total, passed, failed, skipped int) {
	total = len(p.steps)
	for _, s := range p.steps {
		switch s.Status {
		case runtime.StatusSuccess:
			passed++
		case runtime.StatusError:
			failed++
		case runtime.StatusSkipped:
			skipped++
		}
	}
	return
}
