package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/servo/pkg/runtime"
)

// stepDoneMsg is sent after a run, retry or skip finishes.
type stepDoneMsg struct {
	index int
	err   error
}

// allDoneMsg is sent after continue stops.
type allDoneMsg struct{ err error }

// uninstallDoneMsg is sent after the uninstall pass.
type uninstallDoneMsg struct {
	results []runtime.UninstallResult
	err     error
}

// Model is the top-level Bubble Tea model for the TUI.
type Model struct {
	engine *runtime.Engine
	ctx    context.Context
	cancel context.CancelFunc

	steps   stepsPanel
	output  outputPanel
	find    finder
	spinner spinner.Model

	running  bool
	showVars bool
	message  string
	err      error

	width  int
	height int
}

// NewModel creates a TUI model over an open run.
func NewModel(e *runtime.Engine) Model {
	ctx, cancel := context.WithCancel(context.Background())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	m := Model{
		engine:  e,
		ctx:     ctx,
		cancel:  cancel,
		steps:   newStepsPanel(e.Set),
		find:    newFinder(),
		spinner: sp,
	}
	m.refresh()
	if i, ok := e.Next(); ok {
		m.steps.SetCursor(i)
	}
	m.showSelected()
	return m
}

// Run starts the Bubble Tea program in the alternate screen.
func Run(e *runtime.Engine) error {
	_, err := tea.NewProgram(NewModel(e), tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) runStep(i int, retry bool) tea.Cmd {
	return func() tea.Msg {
		var err error
		if retry {
			_, err = m.engine.Retry(m.ctx, i)
		} else {
			_, err = m.engine.RunStep(m.ctx, i)
		}
		return stepDoneMsg{index: i, err: err}
	}
}

func (m Model) skipStep(i int) tea.Cmd {
	return func() tea.Msg {
		return stepDoneMsg{index: i, err: m.engine.Skip(m.ctx, i)}
	}
}

func (m Model) runAll() tea.Cmd {
	return func() tea.Msg {
		return allDoneMsg{err: m.engine.RunAll(m.ctx)}
	}
}

func (m Model) uninstallAll() tea.Cmd {
	return func() tea.Msg {
		results, err := m.engine.UninstallAll(m.ctx)
		return uninstallDoneMsg{results: results, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layoutPanels()
		m.showSelected()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stepDoneMsg:
		m.running = false
		m.err = msg.err
		m.refresh()
		m.steps.SetCursor(msg.index)
		m.message = ""
		if msg.err == nil {
			if i, ok := m.engine.Next(); ok && m.engine.Statuses()[msg.index].Done() {
				m.steps.SetCursor(i)
			}
		}
		m.showSelected()

	case allDoneMsg:
		m.running = false
		m.err = msg.err
		m.refresh()
		if i, ok := m.engine.Next(); ok {
			m.steps.SetCursor(i)
		}
		m.showSelected()

	case uninstallDoneMsg:
		m.running = false
		m.err = msg.err
		m.refresh()
		m.message = uninstallSummary(msg.results)
		m.showSelected()

	case tea.MouseMsg:
		m.output.Update(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.find.Typing() {
		ended, kept, cmd := m.find.Key(msg)
		m.scanSteps()
		if ended && kept {
			if i, ok := m.find.After(m.steps.cursor - 1); ok {
				m.steps.SetCursor(i)
			}
		}
		m.showSelected()
		return m, cmd
	}
	if matchKey(msg, keys.Quit) {
		m.cancel()
		return m, tea.Quit
	}

	switch {
	case matchKey(msg, keys.Up):
		m.steps.CursorUp()
		m.showSelected()
	case matchKey(msg, keys.Down):
		m.steps.CursorDown()
		m.showSelected()
	case matchKey(msg, keys.PgUp):
		m.output.PageUp()
	case matchKey(msg, keys.PgDown):
		m.output.PageDown()
	case matchKey(msg, keys.FindNext):
		if i, ok := m.find.After(m.steps.cursor); ok {
			m.steps.SetCursor(i)
			m.showSelected()
		}
	}
	if m.running {
		return m, nil
	}

	switch {
	case matchKey(msg, keys.Vars):
		m.showVars = !m.showVars
	case matchKey(msg, keys.Search):
		m.find.Start()
		return m, nil
	case matchKey(msg, keys.Advance):
		i, ok := m.engine.Next()
		if !ok {
			m.message = "All steps completed."
			return m, nil
		}
		return m.start(i, m.runStep(i, false))
	case matchKey(msg, keys.RunAll):
		m.running = true
		m.err = nil
		return m, tea.Batch(m.spinner.Tick, m.runAll())
	case matchKey(msg, keys.Retry):
		return m.start(m.steps.cursor, m.runStep(m.steps.cursor, true))
	case matchKey(msg, keys.Skip):
		return m.start(m.steps.cursor, m.skipStep(m.steps.cursor))
	case matchKey(msg, keys.Uninstall):
		m.running = true
		m.err = nil
		return m, tea.Batch(m.spinner.Tick, m.uninstallAll())
	}
	return m, nil
}

func (m Model) start(i int, cmd tea.Cmd) (tea.Model, tea.Cmd) {
	m.running = true
	m.err = nil
	m.steps.SetCursor(i)
	m.steps.steps[i].Status = runtime.StatusRunning
	return m, tea.Batch(m.spinner.Tick, cmd)
}

func matchKey(msg tea.KeyMsg, binding key.Binding) bool {
	return key.Matches(msg, binding)
}

// refresh pulls statuses from the engine.
func (m *Model) refresh() {
	m.steps.SetStatuses(m.engine.Statuses())
	m.scanSteps()
}

// scanSteps re-runs the find term over every step.
func (m *Model) scanSteps() {
	texts := make([]string, len(m.engine.Set.Steps))
	for i := range texts {
		texts[i] = m.stepText(i)
	}
	m.find.Scan(texts)
	m.steps.SetFound(m.find.Hits())
}

// stepText is what find looks at: the step as written plus its last result.
func (m *Model) stepText(i int) string {
	step := m.engine.Set.Steps[i]
	parts := []string{step.Title, step.Command}
	if r, ok := m.engine.Last(i); ok {
		parts = append(parts, r.Command, r.Stdout, r.Stderr)
	}
	return strings.Join(parts, "\n")
}

// showSelected renders the selected step's description and last result into
// the output panel.
func (m *Model) showSelected() {
	i := m.steps.cursor
	step := m.engine.Set.Steps[i]
	var b strings.Builder
	b.WriteString(labelStyle.Render(step.Title) + "\n")
	if step.Description != "" {
		b.WriteString(renderMarkdown(step.Description, m.output.width-4) + "\n")
	}
	r, ok := m.engine.Last(i)
	if !ok {
		b.WriteString(commandStyle.Render("$ "+step.Command) + "\n")
		m.output.SetContent(b.String())
		return
	}
	if r.Command != "" {
		b.WriteString(commandStyle.Render("$ "+r.Command) + "\n")
	}
	if r.Note != "" {
		b.WriteString(keyDescStyle.Render("("+r.Note+")") + "\n")
	}
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		b.WriteString(stepFailed.Render(r.Stderr))
	}
	if r.ExitCode != nil {
		fmt.Fprintf(&b, "\n%s %d\n", labelStyle.Render("exit"), *r.ExitCode)
	}
	if r.Error != "" {
		b.WriteString(errorStyle.Render(r.Error) + "\n")
	}
	m.output.SetContent(b.String())
	m.find.shown = m.output.SetHighlight(m.find.Query())
}

func uninstallSummary(results []runtime.UninstallResult) string {
	var ran, failed int
	for _, r := range results {
		if !r.Ran {
			continue
		}
		ran++
		if r.Error != "" {
			failed++
		}
	}
	return fmt.Sprintf("Uninstall: %d ran, %d failed.", ran, failed)
}

func (m *Model) layoutPanels() {
	bodyH := max(m.height-4, 5) // header, status line, key bar
	stepsW := max(m.width/3, 24)
	if stepsW > m.width-20 {
		stepsW = m.width / 2
	}
	m.steps.width = stepsW
	m.steps.height = bodyH
	m.steps.ensureVisible()
	m.output.SetSize(m.width-stepsW-4, bodyH)
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader() + "\n")

	if m.showVars {
		b.WriteString(panelBorder.Width(max(m.width-2, 20)).Render(m.renderVars()) + "\n")
	} else {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.steps.View(), m.output.View()) + "\n")
	}

	switch {
	case m.running:
		b.WriteString(" " + m.spinner.View() + " running…")
	case m.err != nil:
		b.WriteString(" " + errorStyle.Render(m.err.Error()))
	case m.message != "":
		b.WriteString(" " + m.message)
	default:
		total, passed, failed, skipped := m.steps.Stats()
		fmt.Fprintf(&b, " %d/%d done  %s %d  %s %d  %s %d", passed+failed+skipped, total,
			GlyphPassed, passed, GlyphFailed, failed, GlyphSkipped, skipped)
	}
	if bar := m.find.View(); bar != "" {
		b.WriteString("  " + bar)
	}
	b.WriteString("\n")

	_, ok := m.engine.Next()
	b.WriteString(keyBarStyle.Render(keyBarText(m.running, !ok, m.showVars)))
	return b.String()
}

func (m Model) renderHeader() string {
	state := m.engine.State()
	header := headerStyle.Render("servo: " + m.engine.Set.Meta.Name)
	if state.Target != "" {
		header += " " + targetBadgeStyle.Render(state.Target)
	}
	return header + " " + keyDescStyle.Render(state.RunID)
}

func (m Model) renderVars() string {
	vars := m.engine.State().Vars
	if len(vars) == 0 {
		return panelTitle.Render("Variables") + "\n  No variables defined."
	}
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	lines := []string{panelTitle.Render("Variables")}
	for _, k := range names {
		lines = append(lines, fmt.Sprintf("  %s = %s", labelStyle.Render(k), vars[k]))
	}
	return strings.Join(lines, "\n")
}
