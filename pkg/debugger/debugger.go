// Package debugger implements the interactive REPL for stepping through a
// command set run.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/servo/pkg/runtime"
)

// Debugger provides an interactive REPL over one run.
type Debugger struct {
	engine *runtime.Engine
	output io.Writer
	rl     *readline.Instance
}

// New creates a debugger for an open run.
func New(e *runtime.Engine) *Debugger {
	return &Debugger{engine: e, output: os.Stdout}
}

// SetOutput redirects what the debugger prints.
func (d *Debugger) SetOutput(w io.Writer) { d.output = w }

// Engine returns the underlying run.
func (d *Debugger) Engine() *runtime.Engine {
	return d.engine
}

var commandNames = []string{"next", "continue", "run", "skip", "retry", "uninstall",
	"status", "show", "print vars", "history", "dump", "help", "quit"}

// Run starts the interactive REPL loop.
func (d *Debugger) Run(ctx context.Context) error {
	completer := readline.NewPrefixCompleter()
	for _, cmd := range commandNames {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          d.buildPrompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          d.output,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	d.rl = rl
	defer rl.Close()

	set := d.engine.Set
	fmt.Fprintf(d.output, "servo debugger: %s, %d steps, run %s\n", set.Meta.Name, len(set.Steps), d.engine.RunID())
	fmt.Fprintf(d.output, "Type 'help' for available commands, 'next' to execute next step.\n\n")

	for {
		rl.SetPrompt(d.buildPrompt())
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if d.Dispatch(ctx, line) {
			return nil
		}
	}
}

// Dispatch handles one input line and reports whether the user quit.
func (d *Debugger) Dispatch(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	var err error
	switch parts[0] {
	case "next", "n":
		err = d.handleNext(ctx)
	case "continue", "c":
		err = d.handleContinue(ctx)
	case "run":
		err = d.withIndex(parts, func(i int) error { return d.report(ctx, i, d.engine.RunStep) })
	case "retry", "r":
		err = d.withIndex(parts, func(i int) error { return d.report(ctx, i, d.engine.Retry) })
	case "skip", "s":
		err = d.withIndex(parts, func(i int) error { return d.handleSkip(ctx, i) })
	case "uninstall":
		d.handleUninstall(ctx)
	case "status", "st":
		d.handleStatus()
	case "show":
		err = d.withIndex(parts, func(i int) error { d.handleShow(i); return nil })
	case "print", "p":
		d.handlePrint(parts)
	case "history", "h":
		d.handleHistory()
	case "dump":
		d.handleDump()
	case "help", "?":
		d.handleHelp()
	case "quit", "q", "exit":
		fmt.Fprintf(d.output, "Exiting debugger.\n")
		return true
	default:
		fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", parts[0])
	}
	if err != nil {
		fmt.Fprintf(d.output, "Error: %v\n", err)
	}
	return false
}

// buildPrompt creates the prompt string: servo[step N/total | step_id]>
func (d *Debugger) buildPrompt() string {
	i, ok := d.engine.Next()
	if !ok {
		return "servo[done]> "
	}
	steps := d.engine.Set.Steps
	return fmt.Sprintf("servo[%d/%d | %s]> ", i+1, len(steps), steps[i].ID)
}
