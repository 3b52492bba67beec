// Package diagram draws command sets as Mermaid flowcharts or ASCII boxes.
// Steps with a check command get a decision node; when guards label the
// edge into their step. A status overlay colours steps by run progress.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Generate produces a diagram of cs. statuses is optional; when it has one
// entry per step, each step is marked with its status.
func Generate(cs *schema.CommandSet, format Format, statuses []runtime.Status) (string, error) {
	if cs == nil {
		return "", fmt.Errorf("nil command set")
	}
	if len(statuses) != len(cs.Steps) {
		statuses = nil
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(cs, statuses), nil
	case FormatASCII:
		return generateASCII(cs, statuses), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(cs *schema.CommandSet, statuses []runtime.Status) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	b.WriteString("    START([Start])\n")
	prev := "START"
	for i, s := range cs.Steps {
		id := safeID(s.ID)
		entry := id
		if s.CheckCommand != "" {
			entry = id + "_check"
			fmt.Fprintf(&b, "    %s{%q}\n", entry, "already done?")
		}
		if s.When != "" {
			fmt.Fprintf(&b, "    %s -->|%q| %s\n", prev, truncate(s.When, 30), entry)
			fmt.Fprintf(&b, "    %s -.->|\"skip\"| %s\n", prev, nextID(cs, i))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", prev, entry)
		}
		if s.CheckCommand != "" {
			fmt.Fprintf(&b, "    %s -->|\"no\"| %s\n", entry, id)
			fmt.Fprintf(&b, "    %s -->|\"yes\"| %s\n", entry, nextID(cs, i))
		}
		b.WriteString("    " + nodeDefinition(s) + "\n")
		prev = id
	}
	fmt.Fprintf(&b, "    %s --> DONE([Done])\n", prev)

	for i, s := range cs.Steps {
		style := ""
		if statuses != nil {
			style = statusStyle(statuses[i])
		}
		if style == "" && s.ReserveMemoryMB > 0 {
			style = "fill:#1a3a4a,stroke:#0af"
		}
		if style != "" {
			fmt.Fprintf(&b, "    style %s %s\n", safeID(s.ID), style)
		}
	}
	return b.String()
}

// nextID is the node after step i: the next step's entry point or DONE.
func nextID(cs *schema.CommandSet, i int) string {
	if i+1 >= len(cs.Steps) {
		return "DONE"
	}
	next := cs.Steps[i+1]
	if next.CheckCommand != "" && next.When == "" {
		return safeID(next.ID) + "_check"
	}
	return safeID(next.ID)
}

func statusStyle(s runtime.Status) string {
	switch s {
	case runtime.StatusSuccess:
		return "fill:#1b4332,stroke:#2d6a4f"
	case runtime.StatusError:
		return "fill:#641220,stroke:#e5383b"
	case runtime.StatusSkipped:
		return "fill:#333,stroke:#888,stroke-dasharray: 5 5"
	case runtime.StatusRunning:
		return "fill:#3d2c00,stroke:#ffb703"
	}
	return ""
}

func nodeDefinition(s schema.Step) string {
	id := safeID(s.ID)
	title := s.Title
	if title == "" {
		title = s.ID
	}
	label := escMermaid(title)
	if f := flags(s); f != "" {
		label += "<br/>" + f
	}
	if s.Repeatable {
		return fmt.Sprintf(`%s(["%s"])`, id, label)
	}
	return fmt.Sprintf(`%s["%s"]`, id, label)
}

// --- ASCII ---

func generateASCII(cs *schema.CommandSet, statuses []runtime.Status) string {
	var b strings.Builder

	name := cs.Meta.Name
	if name == "" {
		name = "Command set"
	}
	if len(cs.Steps) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Uniform box width so every box and connector aligns.
	const indent = 8
	boxWidth := computeUniformBoxWidth(cs.Steps, name)
	connCol := indent + 1 + boxWidth/2
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + centerPad(name, boxWidth) + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")

	for i, s := range cs.Steps {
		b.WriteString(connPad + "│\n")
		if s.When != "" {
			b.WriteString(connPad + "│ when " + truncate(s.When, 40) + "\n")
		}
		status := runtime.StatusPending
		if statuses != nil {
			status = statuses[i]
		}
		writeASCIIStep(&b, s, status, statuses != nil, indent, boxWidth)
	}
	return b.String()
}

// computeUniformBoxWidth returns the widest interior width needed across
// all steps and the header name.
func computeUniformBoxWidth(steps []schema.Step, name string) int {
	w := 22
	if nw := runewidth.StringWidth(name) + 4; nw > w {
		w = nw
	}
	for _, s := range steps {
		if sw := runewidth.StringWidth(stepLine(s, runtime.StatusPending)); sw > w {
			w = sw
		}
		if f := flags(s); f != "" {
			if fw := runewidth.StringWidth(" " + f + " "); fw > w {
				w = fw
			}
		}
	}
	return w
}

func stepLine(s schema.Step, status runtime.Status) string {
	label := s.Title
	if label == "" {
		label = s.ID
	}
	return fmt.Sprintf(" %s %s ", statusIcon(status), label)
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", total-left)
}

func writeASCIIStep(b *strings.Builder, s schema.Step, status runtime.Status, withStatus bool, indent, boxWidth int) {
	if !withStatus {
		status = ""
	}
	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2
	line := func(content string) {
		b.WriteString(pad + "│" + content + strings.Repeat(" ", boxWidth-runewidth.StringWidth(content)) + "│\n")
	}

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	line(stepLine(s, status))
	if f := flags(s); f != "" {
		line(" " + f + " ")
	}
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

func statusIcon(s runtime.Status) string {
	switch s {
	case runtime.StatusSuccess:
		return "✓"
	case runtime.StatusError:
		return "✗"
	case runtime.StatusSkipped:
		return "⊘"
	case runtime.StatusRunning:
		return "▶"
	case runtime.StatusPending:
		return "·"
	default:
		return "○"
	}
}

// flags summarises a step's options on one line.
func flags(s schema.Step) string {
	var f []string
	if s.CheckCommand != "" {
		f = append(f, "check")
	}
	if s.UninstallCommand != "" {
		f = append(f, "uninstall")
	}
	if s.Skippable {
		f = append(f, "skippable")
	}
	if s.Repeatable {
		f = append(f, "repeatable")
	}
	if s.ReserveMemoryMB > 0 {
		f = append(f, fmt.Sprintf("swap %dM", s.ReserveMemoryMB))
	}
	return strings.Join(f, " · ")
}

// --- string helpers ---

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_")
	return r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
