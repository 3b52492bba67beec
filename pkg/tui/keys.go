package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap holds all TUI key bindings.
type keyMap struct {
	Advance   key.Binding
	RunAll    key.Binding
	Up        key.Binding
	Down      key.Binding
	Retry     key.Binding
	Skip      key.Binding
	Uninstall key.Binding
	Vars      key.Binding
	Search    key.Binding
	FindNext  key.Binding
	Quit      key.Binding
	PgUp      key.Binding
	PgDown    key.Binding
}

var keys = keyMap{
	Advance: key.NewBinding(
		key.WithKeys("enter", "n"),
		key.WithHelp("enter", "next step"),
	),
	RunAll: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "continue"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "browse up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "browse down"),
	),
	Retry: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "retry"),
	),
	Skip: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "skip"),
	),
	Uninstall: key.NewBinding(
		key.WithKeys("U"),
		key.WithHelp("U", "uninstall all"),
	),
	Vars: key.NewBinding(
		key.WithKeys("v"),
		key.WithHelp("v", "vars"),
	),
	Search: key.NewBinding(
		key.WithKeys("/"),
		key.WithHelp("/", "search"),
	),
	FindNext: key.NewBinding(
		key.WithKeys("f"),
		key.WithHelp("f", "next match"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	PgUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("PgUp", "scroll up"),
	),
	PgDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("PgDn", "scroll down"),
	),
}

// keyBarText renders the context-sensitive key hint string.
func keyBarText(running, completed, showVars bool) string {
	hint := func(b key.Binding) string {
		return keyStyle.Render(b.Help().Key) + keyDescStyle.Render(":"+b.Help().Desc)
	}
	join := func(bs ...key.Binding) string {
		out := ""
		for i, b := range bs {
			if i > 0 {
				out += "  "
			}
			out += hint(b)
		}
		return out
	}
	switch {
	case showVars:
		return join(keys.Vars, keys.Quit)
	case running:
		return join(keys.Up, keys.Down, keys.PgUp, keys.PgDown)
	case completed:
		return join(keys.Up, keys.Down, keys.Retry, keys.Uninstall, keys.Vars, keys.Search, keys.Quit)
	}
	return join(keys.Advance, keys.RunAll, keys.Up, keys.Down, keys.Retry, keys.Skip, keys.Uninstall, keys.Vars, keys.Search, keys.Quit)
}
