package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ormasoftchile/servo/pkg/runtime"
)

var glyphs = map[runtime.Status]string{
	runtime.StatusPending: "·",
	runtime.StatusRunning: "▶",
	runtime.StatusSuccess: "✓",
	runtime.StatusError:   "✗",
	runtime.StatusSkipped: "⊘",
}

// withIndex parses the step argument: a 1-based number or a step id.
// Without one, the next pending step is used.
func (d *Debugger) withIndex(parts []string, f func(i int) error) error {
	if len(parts) < 2 {
		i, ok := d.engine.Next()
		if !ok {
			return errors.New("all steps completed")
		}
		return f(i)
	}
	if n, err := strconv.Atoi(parts[1]); err == nil {
		return f(n - 1)
	}
	i := d.engine.Set.StepIndex(parts[1])
	if i < 0 {
		return fmt.Errorf("no step %q", parts[1])
	}
	return f(i)
}

func (d *Debugger) report(ctx context.Context, i int, op func(context.Context, int) (runtime.Status, error)) error {
	steps := d.engine.Set.Steps
	if i < 0 || i >= len(steps) {
		return fmt.Errorf("step %d: %w", i+1, runtime.ErrStepIndex)
	}
	step := steps[i]
	before := len(d.engine.State().History)
	fmt.Fprintf(d.output, "Executing step %d: %s [%s]\n", i+1, step.Title, step.ID)
	status, err := op(ctx, i)
	if isRefusal(err) {
		return err
	}
	if len(d.engine.State().History) == before {
		fmt.Fprintf(d.output, "  %s %s already %s\n", glyphs[status], step.ID, status)
		return nil
	}
	note := ""
	if last, ok := d.engine.Last(i); ok && last.Note != "" {
		note = " (" + last.Note + ")"
	}
	fmt.Fprintf(d.output, "  %s %s %s%s\n", glyphs[status], step.ID, status, note)
	if status == runtime.StatusError {
		d.handleShow(i)
	}
	return nil
}

// isRefusal reports whether err means the engine declined to run the step.
func isRefusal(err error) bool {
	for _, target := range []error{runtime.ErrBlocked, runtime.ErrBusy, runtime.ErrNotRetryable, runtime.ErrStepIndex} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// handleNext executes the next pending step.
func (d *Debugger) handleNext(ctx context.Context) error {
	i, ok := d.engine.Next()
	if !ok {
		fmt.Fprintf(d.output, "All steps completed.\n")
		return nil
	}
	return d.report(ctx, i, d.engine.RunStep)
}

// handleContinue executes all remaining steps, halting on failure.
func (d *Debugger) handleContinue(ctx context.Context) error {
	for {
		i, ok := d.engine.Next()
		if !ok {
			fmt.Fprintf(d.output, "All steps completed.\n")
			return nil
		}
		if err := d.report(ctx, i, d.engine.RunStep); err != nil {
			return err
		}
		if d.engine.Statuses()[i] == runtime.StatusError {
			fmt.Fprintf(d.output, "Halted on failure.\n")
			return nil
		}
	}
}

func (d *Debugger) handleSkip(ctx context.Context, i int) error {
	if err := d.engine.Skip(ctx, i); err != nil {
		return err
	}
	fmt.Fprintf(d.output, "  %s %s skipped\n", glyphs[runtime.StatusSkipped], d.engine.Set.Steps[i].ID)
	return nil
}

// handleUninstall tears the run down in reverse order.
func (d *Debugger) handleUninstall(ctx context.Context) {
	results, err := d.engine.UninstallAll(ctx)
	for _, r := range results {
		switch {
		case !r.Ran:
			fmt.Fprintf(d.output, "  · %s: nothing to uninstall\n", r.StepID)
		case r.Error != "":
			fmt.Fprintf(d.output, "  ✗ %s: %s\n", r.StepID, r.Error)
		default:
			fmt.Fprintf(d.output, "  ✓ %s uninstalled\n", r.StepID)
		}
	}
	if err != nil {
		fmt.Fprintf(d.output, "Uninstall finished with failures.\n")
	}
}

// handleStatus lists every step with its status.
func (d *Debugger) handleStatus() {
	for i, s := range d.engine.Statuses() {
		step := d.engine.Set.Steps[i]
		var flags string
		if step.Skippable {
			flags += " skippable"
		}
		if step.Repeatable {
			flags += " repeatable"
		}
		fmt.Fprintf(d.output, "  %s %d. %-20s %-8s%s\n", glyphs[s], i+1, step.ID, s, flags)
	}
}

// handleShow prints the last recorded output of step i.
func (d *Debugger) handleShow(i int) {
	r, ok := d.engine.Last(i)
	if !ok {
		fmt.Fprintf(d.output, "  no result recorded\n")
		return
	}
	if r.Command != "" {
		fmt.Fprintf(d.output, "  $ %s\n", r.Command)
	}
	for _, s := range []string{r.Stdout, r.Stderr} {
		if s != "" {
			fmt.Fprintf(d.output, "%s", indent(s))
		}
	}
	if r.Error != "" {
		fmt.Fprintf(d.output, "  error: %s\n", r.Error)
	}
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
}

// handlePrint displays vars.
func (d *Debugger) handlePrint(parts []string) {
	if len(parts) < 2 || parts[1] != "vars" {
		fmt.Fprintf(d.output, "Usage: print vars\n")
		return
	}
	vars := d.engine.State().Vars
	if len(vars) == 0 {
		fmt.Fprintf(d.output, "No variables defined.\n")
		return
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(d.output, "  %s = %q\n", k, vars[k])
	}
}

// handleHistory shows recorded step results.
func (d *Debugger) handleHistory() {
	history := d.engine.State().History
	if len(history) == 0 {
		fmt.Fprintf(d.output, "No steps executed yet.\n")
		return
	}
	for _, r := range history {
		fmt.Fprintf(d.output, "  %s [%d] %s: %s", glyphs[r.Status], r.StepIndex+1, r.StepID, r.Status)
		if r.Note != "" {
			fmt.Fprintf(d.output, " (%s)", r.Note)
		}
		fmt.Fprintln(d.output)
		if r.Error != "" {
			fmt.Fprintf(d.output, "       error: %s\n", r.Error)
		}
	}
}

// handleDump outputs the full current state as JSON.
func (d *Debugger) handleDump() {
	data, err := json.MarshalIndent(d.engine.State(), "", "  ")
	if err != nil {
		fmt.Fprintf(d.output, "  Error marshaling state: %v\n", err)
		return
	}
	fmt.Fprintln(d.output, string(data))
}

// handleHelp displays available commands.
func (d *Debugger) handleHelp() {
	fmt.Fprintln(d.output, "Available commands:")
	fmt.Fprintln(d.output, "  next (n)         Execute the next pending step")
	fmt.Fprintln(d.output, "  continue (c)     Execute all remaining steps, halting on failure")
	fmt.Fprintln(d.output, "  run [step]       Run a step (number or id)")
	fmt.Fprintln(d.output, "  retry (r) [step] Re-run a failed or repeatable step")
	fmt.Fprintln(d.output, "  skip (s) [step]  Skip a skippable step")
	fmt.Fprintln(d.output, "  uninstall        Run uninstall commands in reverse order")
	fmt.Fprintln(d.output, "  status (st)      Show every step's status")
	fmt.Fprintln(d.output, "  show [step]      Show a step's last output")
	fmt.Fprintln(d.output, "  print vars       Show static variables")
	fmt.Fprintln(d.output, "  history (h)      Show recorded step results")
	fmt.Fprintln(d.output, "  dump             Output full state as JSON")
	fmt.Fprintln(d.output, "  help (?)         Show this help")
	fmt.Fprintln(d.output, "  quit (q)         Exit debugger")
}
