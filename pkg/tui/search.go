package tui

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// finder looks for a case-insensitive term in each step's text and last
// output. Hits are step indices in plan order.
type finder struct {
	input  textinput.Model
	typing bool
	query  string
	hits   []int
	shown  int // occurrences in the output panel
}

func newFinder() finder {
	ti := textinput.New()
	ti.Placeholder = "find in steps"
	ti.CharLimit = 128
	ti.Width = 30
	ti.Prompt = "/"
	ti.PromptStyle = keyStyle
	return finder{input: ti}
}

// Start opens the input, seeded with the current term.
func (f *finder) Start() {
	f.typing = true
	f.input.SetValue(f.query)
	f.input.CursorEnd()
	f.input.Focus()
}

// Key feeds one key to the input. ended reports that typing stopped; kept
// reports that it stopped with enter and a non-empty term.
func (f *finder) Key(msg tea.KeyMsg) (ended, kept bool, cmd tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		f.typing = false
		f.input.Blur()
		f.query = ""
		f.hits = nil
		return true, false, nil
	case tea.KeyEnter:
		f.typing = false
		f.input.Blur()
		return true, f.query != "", nil
	}
	f.input, cmd = f.input.Update(msg)
	f.query = f.input.Value()
	return false, false, cmd
}

func (f *finder) Typing() bool  { return f.typing }
func (f *finder) Query() string { return f.query }
func (f *finder) Hits() []int   { return f.hits }

// Scan recomputes the hits; texts[i] is step i's searchable text.
func (f *finder) Scan(texts []string) {
	f.hits = nil
	if f.query == "" {
		return
	}
	q := strings.ToLower(f.query)
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), q) {
			f.hits = append(f.hits, i)
		}
	}
}

// After returns the first hit past step i, wrapping to the top.
func (f *finder) After(i int) (int, bool) {
	if len(f.hits) == 0 {
		return 0, false
	}
	for _, h := range f.hits {
		if h > i {
			return h, true
		}
	}
	return f.hits[0], true
}

func (f *finder) View() string {
	if !f.typing && f.query == "" {
		return ""
	}
	bar := keyDescStyle.Render("/" + f.query)
	if f.typing {
		bar = f.input.View()
	}
	switch {
	case f.query == "":
		return bar
	case len(f.hits) == 0:
		return bar + "  " + errorStyle.Render("no step matches")
	}
	noun := "steps"
	if len(f.hits) == 1 {
		noun = "step"
	}
	bar += "  " + stepPassed.Render(fmt.Sprintf("%d %s, %d here", len(f.hits), noun, f.shown))
	if !f.typing {
		bar += "  " + keyStyle.Render(keys.FindNext.Help().Key) + keyDescStyle.Render(":"+keys.FindNext.Help().Desc)
	}
	return bar
}

// highlight marks every case-insensitive occurrence of query in content and
// returns the count.
func highlight(content, query string) (string, int) {
	if query == "" {
		return content, 0
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(query))
	n := 0
	out := re.ReplaceAllStringFunc(content, func(s string) string {
		n++
		return matchStyle.Render(s)
	})
	return out, n
}
