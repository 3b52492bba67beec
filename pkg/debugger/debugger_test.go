package debugger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
)

// exitRunner fails the commands listed in codes and succeeds everything else.
type exitRunner struct {
	codes map[string]int
}

func (r *exitRunner) Run(_ context.Context, cmd string) (*executor.Result, error) {
	code := r.codes[cmd]
	res := &executor.Result{Command: cmd, Stdout: "ran " + cmd + "\n", ExitCode: &code}
	if code != 0 {
		res.Stderr = "boom\n"
		return res, &executor.CommandError{Result: res}
	}
	return res, nil
}

func newDebugger(t *testing.T, r executor.Runner) (*Debugger, *bytes.Buffer) {
	t.Helper()
	cs := &schema.CommandSet{
		APIVersion: schema.APIVersion,
		Meta:       schema.Meta{Name: "web", Vars: map[string]string{"pkg": "nginx", "port": "80"}},
		Steps: []schema.Step{
			{Order: 10, ID: "update", Title: "Refresh index", Command: "apt-get update"},
			{Order: 20, ID: "install", Title: "Install", Command: "apt-get install -y {{pkg}}", Skippable: true, UninstallCommand: "apt-get remove -y {{pkg}}"},
			{Order: 30, ID: "reload", Title: "Reload", Command: "systemctl reload {{pkg}}", Repeatable: true},
		},
	}
	e, err := runtime.NewEngine(cs, r, runtime.Options{ServerID: "web1"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var buf bytes.Buffer
	d := New(e)
	d.SetOutput(&buf)
	return d, &buf
}

func TestDebuggerCommandHelp(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	d.handleHelp()
	for _, cmd := range []string{"next", "continue", "run", "retry", "skip", "uninstall", "status", "show", "print", "history", "dump", "help", "quit"} {
		if !strings.Contains(buf.String(), cmd) {
			t.Errorf("help output missing command %q", cmd)
		}
	}
}

func TestDebuggerPrompt(t *testing.T) {
	d, _ := newDebugger(t, &exitRunner{})
	if got := d.buildPrompt(); got != "servo[1/3 | update]> " {
		t.Errorf("prompt = %q", got)
	}
	d.Dispatch(context.Background(), "continue")
	if got := d.buildPrompt(); got != "servo[done]> " {
		t.Errorf("prompt after continue = %q", got)
	}
}

func TestDebuggerNextAndContinue(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{codes: map[string]int{"apt-get install -y nginx": 100}})
	ctx := context.Background()

	d.Dispatch(ctx, "n")
	if !strings.Contains(buf.String(), "✓ update success") {
		t.Errorf("next output: %s", buf)
	}
	buf.Reset()
	d.Dispatch(ctx, "c")
	out := buf.String()
	if !strings.Contains(out, "✗ install error") || !strings.Contains(out, "Halted on failure.") {
		t.Errorf("continue output: %s", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("failed step output not shown: %s", out)
	}
	if got := d.Engine().Statuses(); got[2] != runtime.StatusPending {
		t.Errorf("reload ran past a failure: %v", got)
	}
}

func TestDebuggerSkipRetryAndRefusals(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	ctx := context.Background()

	d.Dispatch(ctx, "skip install")
	if !strings.Contains(buf.String(), "Error:") {
		t.Errorf("skip past a pending step should be refused: %s", buf)
	}
	buf.Reset()
	d.Dispatch(ctx, "retry 1")
	if !strings.Contains(buf.String(), "has not run") {
		t.Errorf("retry of pending step: %s", buf)
	}

	d.Dispatch(ctx, "next")
	d.Dispatch(ctx, "s")
	if got := d.Engine().Statuses()[1]; got != runtime.StatusSkipped {
		t.Errorf("install = %s, want skipped", got)
	}
	d.Dispatch(ctx, "run reload")
	buf.Reset()
	d.Dispatch(ctx, "r 3")
	if !strings.Contains(buf.String(), "(rerun)") {
		t.Errorf("repeatable retry output: %s", buf)
	}
	buf.Reset()
	d.Dispatch(ctx, "run 1")
	if !strings.Contains(buf.String(), "already success") {
		t.Errorf("run on done step: %s", buf)
	}
}

func TestDebuggerStatusHistoryAndShow(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	ctx := context.Background()
	d.Dispatch(ctx, "h")
	if !strings.Contains(buf.String(), "No steps executed yet.") {
		t.Errorf("empty history: %s", buf)
	}
	d.Dispatch(ctx, "next")
	buf.Reset()

	d.Dispatch(ctx, "status")
	out := buf.String()
	for _, want := range []string{"✓ 1. update", "· 2. install", "skippable", "repeatable"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
	buf.Reset()
	d.Dispatch(ctx, "history")
	if !strings.Contains(buf.String(), "✓ [1] update: success") {
		t.Errorf("history: %s", buf)
	}
	buf.Reset()
	d.Dispatch(ctx, "show update")
	if !strings.Contains(buf.String(), "$ apt-get update") || !strings.Contains(buf.String(), "    ran apt-get update") {
		t.Errorf("show: %s", buf)
	}
}

func TestDebuggerPrintVars(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	d.handlePrint([]string{"print", "vars"})
	out := buf.String()
	if !strings.Contains(out, `pkg = "nginx"`) || strings.Index(out, "pkg") > strings.Index(out, "port") {
		t.Errorf("print vars: %s", out)
	}
	buf.Reset()
	d.handlePrint([]string{"print"})
	if !strings.Contains(buf.String(), "Usage") {
		t.Errorf("bare print: %s", buf)
	}
}

func TestDebuggerDump(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	d.handleDump()
	var state runtime.RunState
	if err := json.Unmarshal(buf.Bytes(), &state); err != nil {
		t.Fatalf("dump is not JSON: %v", err)
	}
	if state.RunID != d.Engine().RunID() || len(state.StepIDs) != 3 {
		t.Errorf("dump = %+v", state)
	}
}

func TestDebuggerUninstall(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	ctx := context.Background()
	d.Dispatch(ctx, "continue")
	buf.Reset()
	d.Dispatch(ctx, "uninstall")
	out := buf.String()
	if !strings.Contains(out, "· reload: nothing to uninstall") || !strings.Contains(out, "✓ install uninstalled") {
		t.Errorf("uninstall: %s", out)
	}
	if strings.Index(out, "reload") > strings.Index(out, "install uninstalled") {
		t.Errorf("uninstall not in reverse order: %s", out)
	}
}

func TestDebuggerQuitAndUnknown(t *testing.T) {
	d, buf := newDebugger(t, &exitRunner{})
	if d.Dispatch(context.Background(), "frobnicate") {
		t.Error("unknown command quit the debugger")
	}
	if !strings.Contains(buf.String(), `Unknown command: "frobnicate"`) {
		t.Errorf("unknown: %s", buf)
	}
	if !d.Dispatch(context.Background(), "q") {
		t.Error("q did not quit")
	}
}
