package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/vars"
)

var (
	// ErrBlocked is returned when an earlier step is neither success nor skipped.
	ErrBlocked = errors.New("blocked by an earlier step")
	// ErrNotSkippable is returned by Skip for steps that may not be skipped
	// or are not in a skippable state.
	ErrNotSkippable = errors.New("step cannot be skipped")
	// ErrNotRetryable is returned by Retry for steps that are neither failed
	// nor repeatable.
	ErrNotRetryable = errors.New("step cannot be retried")
	// ErrStepIndex is returned for indexes outside the command set.
	ErrStepIndex = errors.New("step index out of range")
	// ErrBusy is returned when the step is already running.
	ErrBusy = errors.New("step is running")
)

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxxxxxx.
func GenerateRunID(now time.Time) string {
	return now.Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// Options configures an Engine.
type Options struct {
	// Capability selects dynamic variables and is exposed to when guards.
	// Nil means the command set's meta.capability.
	Capability *vars.Capability
	// Vars override the command set's meta.vars.
	Vars     map[string]string
	ServerID string
	Actor    string
	// Mode is recorded in the manifest: real or replay.
	Mode string
	// StateDir holds one directory per run with the trace, snapshots and
	// run.yaml. Empty keeps the run in memory only.
	StateDir string
	// RunID is generated when empty.
	RunID string
	Audit audit.Sink
	// Governance is merged with the command set's own policy.
	Governance *governance.Engine
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine sequences the steps of one command set against one runner.
type Engine struct {
	Set        *schema.CommandSet
	Runner     executor.Runner
	Capability *vars.Capability
	Gov        *governance.Engine
	Audit      audit.Sink
	Logger     *slog.Logger
	Trace      *TraceWriter
	BaseDir    string // <state dir>/<run id>; empty when in memory
	ServerID   string
	Now        func() time.Time

	mu    sync.Mutex
	state *RunState
	seq   int
}

// NewEngine creates an engine for a fresh run.
func NewEngine(cs *schema.CommandSet, runner executor.Runner, opts Options) (*Engine, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	runID := opts.RunID
	if runID == "" {
		runID = GenerateRunID(now())
	}
	mode := opts.Mode
	if mode == "" {
		mode = "real"
	}

	v := make(map[string]string, len(cs.Meta.Vars)+len(opts.Vars))
	for k, val := range cs.Meta.Vars {
		v[k] = val
	}
	for k, val := range opts.Vars {
		v[k] = val
	}
	state := &RunState{
		RunID:      runID,
		CommandSet: cs.Meta.Name,
		Target:     opts.ServerID,
		Mode:       mode,
		StartedAt:  now(),
		Actor:      opts.Actor,
		Vars:       v,
		StepIDs:    make([]string, len(cs.Steps)),
		Statuses:   make([]Status, len(cs.Steps)),
	}
	for i, s := range cs.Steps {
		state.StepIDs[i] = s.ID
		state.Statuses[i] = StatusPending
	}
	return newEngine(cs, runner, opts, state, 0)
}

func newEngine(cs *schema.CommandSet, runner executor.Runner, opts Options, state *RunState, seq int) (*Engine, error) {
	gov, err := governance.NewEngine(cs.Meta.Governance)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	capability := opts.Capability
	if capability == nil {
		capability = vars.CapabilityFor(cs.Meta.Capability)
	}
	e := &Engine{
		Set:        cs,
		Runner:     runner,
		Capability: capability,
		Gov:        gov.Merge(opts.Governance),
		Audit:      opts.Audit,
		Logger:     opts.Logger,
		ServerID:   opts.ServerID,
		Now:        opts.Now,
		state:      state,
		seq:        seq,
	}
	if opts.StateDir != "" {
		e.BaseDir = filepath.Join(opts.StateDir, state.RunID)
		if err := os.MkdirAll(filepath.Join(e.BaseDir, "snapshots"), 0o755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
		e.Trace, err = NewTraceWriter(filepath.Join(e.BaseDir, "trace.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("create trace writer: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.state.RunID }

// Statuses returns a copy of the per-step statuses.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Status(nil), e.state.Statuses...)
}

// State returns a copy of the run state.
func (e *Engine) State() *RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyState()
}

// copyState copies the state. Callers hold e.mu.
func (e *Engine) copyState() *RunState {
	c := *e.state
	c.Statuses = append([]Status(nil), e.state.Statuses...)
	c.History = append([]*StepResult(nil), e.state.History...)
	return &c
}

// Last returns the most recent result recorded for step i.
func (e *Engine) Last(i int) (*StepResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for j := len(e.state.History) - 1; j >= 0; j-- {
		if r := e.state.History[j]; r.StepIndex == i {
			return r, true
		}
	}
	return nil, false
}

// Next returns the first step that is neither success nor skipped.
func (e *Engine) Next() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.state.Statuses {
		if !s.Done() {
			return i, true
		}
	}
	return -1, false
}

// plan is what begin decided to do with a step.
type plan struct {
	run   bool // execute the step
	rerun bool // completed repeatable step; its status is left alone
	cur   Status
}

// begin validates an operation on step i and marks it running when it will
// advance progression. Callers hold e.mu.
func (e *Engine) begin(i int, retry bool) (plan, error) {
	if i < 0 || i >= len(e.Set.Steps) {
		return plan{}, fmt.Errorf("%d: %w", i, ErrStepIndex)
	}
	step := e.Set.Steps[i]
	cur := e.state.Statuses[i]
	if cur == StatusRunning {
		return plan{cur: cur}, fmt.Errorf("step %q: %w", step.ID, ErrBusy)
	}
	if err := e.gate(i); err != nil {
		return plan{cur: cur}, err
	}

	p := plan{cur: cur}
	switch {
	case cur.Done() && step.Repeatable:
		p.run, p.rerun = true, true
	case cur.Done():
		if retry {
			return p, fmt.Errorf("step %q is %s: %w", step.ID, cur, ErrNotRetryable)
		}
	case cur == StatusPending && retry:
		return p, fmt.Errorf("step %q has not run: %w", step.ID, ErrNotRetryable)
	default:
		p.run = true
	}
	if p.run && !p.rerun {
		e.state.Statuses[i] = StatusRunning
	}
	return p, nil
}

// gate checks that every step before i is done. Callers hold e.mu.
func (e *Engine) gate(i int) error {
	for j := 0; j < i; j++ {
		if !e.state.Statuses[j].Done() {
			return fmt.Errorf("step %q is %s: %w", e.Set.Steps[j].ID, e.state.Statuses[j], ErrBlocked)
		}
	}
	return nil
}

// RunStep executes step i. A completed step is left alone unless it is
// repeatable, in which case it runs again without changing its status.
func (e *Engine) RunStep(ctx context.Context, i int) (Status, error) {
	return e.step(ctx, i, false)
}

// Retry re-runs a failed step, or any completed repeatable step.
func (e *Engine) Retry(ctx context.Context, i int) (Status, error) {
	return e.step(ctx, i, true)
}

func (e *Engine) step(ctx context.Context, i int, retry bool) (Status, error) {
	e.mu.Lock()
	p, err := e.begin(i, retry)
	e.mu.Unlock()
	if err != nil || !p.run {
		return p.cur, err
	}

	step := e.Set.Steps[i]
	log := e.logger().With("run", e.state.RunID, "step", step.ID)
	log.Info("step started", "index", i, "rerun", p.rerun)

	res, stepErr := e.execute(ctx, i, step)
	if p.rerun && res.Note == "" {
		res.Note = NoteRerun
	}
	err = e.finish(ctx, res, !p.rerun)
	if stepErr == nil {
		log.Info("step finished", "status", res.Status, "note", res.Note)
		return res.Status, err
	}
	log.Warn("step failed", "status", res.Status, "error", stepErr)
	stepErr = fmt.Errorf("step %q: %w", step.ID, stepErr)
	if err != nil {
		return res.Status, multierror.Append(stepErr, err)
	}
	return res.Status, stepErr
}

// execute runs one attempt of step i and returns its result. The error is
// the reason for an error status.
func (e *Engine) execute(ctx context.Context, i int, step schema.Step) (*StepResult, error) {
	res := &StepResult{
		RunID:     e.state.RunID,
		StepID:    step.ID,
		StepIndex: i,
		StartedAt: e.now(),
	}
	done := func(s Status, err error) (*StepResult, error) {
		res.Status = s
		res.EndedAt = e.now()
		if err != nil {
			res.Error = err.Error()
		}
		return res, err
	}

	ok, err := e.evalWhen(step.When)
	if err != nil {
		return done(StatusError, err)
	}
	if !ok {
		res.Note = NoteWhenFalse
		return done(StatusSkipped, nil)
	}

	r := &vars.Resolver{Static: e.static(), Capability: e.Capability, Runner: e.Runner, Logger: e.Logger}
	resolved := r.ResolveMany(ctx, step.Command, step.CheckCommand)
	command, check := resolved[0], resolved[1]
	if keys := vars.Unresolved(command); len(keys) > 0 {
		e.logger().Warn("unresolved variables left in command", "step", step.ID, "keys", keys)
	}
	res.Command = command

	if err := e.Gov.CheckCommand(command); err != nil {
		return done(StatusError, err)
	}

	if strings.TrimSpace(check) != "" {
		out, err := e.Runner.Run(ctx, check)
		var cerr *executor.CommandError
		switch {
		case err == nil:
			res.Note = NotePrecheckSatisfied
			res.Command = check
			fill(res, out)
			return done(StatusSuccess, nil)
		case !errors.As(err, &cerr):
			// Only a non-zero exit means "not satisfied". Anything else
			// leaves the host state unknown.
			res.Command = check
			fill(res, out)
			return done(StatusError, err)
		}
		e.logger().Debug("check command not satisfied", "step", step.ID, "exit_code", executor.ExitCode(err))
	}

	out, err := e.run(ctx, command, step.ReserveMemoryMB)
	fill(res, out)
	if err != nil {
		return done(StatusError, err)
	}
	return done(StatusSuccess, nil)
}

// reservingRunner is implemented by runners that can wrap a command in a
// swap reservation, such as *executor.Bound.
type reservingRunner interface {
	RunWith(ctx context.Context, command string, opts executor.Options) (*executor.Result, error)
}

func (e *Engine) run(ctx context.Context, command string, reserveMB int) (*executor.Result, error) {
	if reserveMB > 0 {
		if rr, ok := e.Runner.(reservingRunner); ok {
			return rr.RunWith(ctx, command, executor.Options{ResourceReservation: true, ReservationSizeMB: reserveMB})
		}
		e.logger().Warn("runner cannot reserve memory; running without reservation", "size_mb", reserveMB)
	}
	return e.Runner.Run(ctx, command)
}

func fill(res *StepResult, out *executor.Result) {
	if out == nil {
		return
	}
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.ExitCode = out.ExitCode
}

// static returns the run's static variables in resolver form.
func (e *Engine) static() map[string]any {
	return vars.StringMap(e.state.Vars)
}

// whenEnv is the environment for when guards: every variable under vars,
// undotted ones also at top level, plus capability, target and the
// per-step statuses keyed by id.
func (e *Engine) whenEnv() map[string]any {
	e.mu.Lock()
	steps := make(map[string]any, len(e.state.StepIDs))
	for i, id := range e.state.StepIDs {
		steps[id] = string(e.state.Statuses[i])
	}
	e.mu.Unlock()

	vs := e.static()
	env := map[string]any{
		"vars":       vs,
		"capability": e.Capability.Name,
		"target":     e.ServerID,
		"steps":      steps,
	}
	for k, v := range vs {
		if _, taken := env[k]; !taken && !strings.Contains(k, ".") {
			env[k] = v
		}
	}
	return env
}

// evalWhen evaluates a when guard with expr-lang. Empty means true.
func (e *Engine) evalWhen(when string) (bool, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return true, nil
	}
	env := e.whenEnv()
	program, err := expr.Compile(when, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile when %q: %w", when, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval when %q: %w", when, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("when %q did not return bool (got %T)", when, out)
	}
	return b, nil
}

// redact applies governance redaction to everything a result records.
func (e *Engine) redact(res *StepResult) {
	res.Command = e.Gov.Redact(res.Command)
	res.Stdout = e.Gov.Redact(res.Stdout)
	res.Stderr = e.Gov.Redact(res.Stderr)
	res.Error = e.Gov.Redact(res.Error)
}

// finish records res: status (when advance is set), history, trace,
// snapshot and audit. Persistence failures are aggregated.
func (e *Engine) finish(ctx context.Context, res *StepResult, advance bool) error {
	e.redact(res)
	e.mu.Lock()
	if advance {
		e.state.Statuses[res.StepIndex] = res.Status
	}
	e.state.History = append(e.state.History, res)
	e.seq++
	seq, snap := e.seq, e.copyState()
	e.mu.Unlock()

	var merr *multierror.Error
	if e.Trace != nil {
		if err := e.Trace.Write(TraceEvent{Type: "step_result", Timestamp: res.EndedAt, RunID: res.RunID, Result: res}); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("write trace: %w", err))
		}
	}
	if err := e.saveSnapshot(snap, seq); err != nil {
		merr = multierror.Append(merr, err)
	}
	if e.Audit != nil {
		entry := audit.Entry{
			Time:     res.EndedAt,
			Kind:     audit.KindStepResult,
			ServerID: e.ServerID,
			RunID:    res.RunID,
			StepID:   res.StepID,
			Command:  res.Command,
			Status:   string(res.Status),
			ExitCode: res.ExitCode,
			Content:  joinNonEmpty(res.Stdout, res.Stderr, res.Error),
		}
		if err := e.Audit.Record(ctx, entry); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("record audit: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

func (e *Engine) saveSnapshot(state *RunState, seq int) error {
	if e.BaseDir == "" {
		return nil
	}
	path := filepath.Join(e.BaseDir, "snapshots", fmt.Sprintf("state-%06d.json", seq))
	if err := SaveSnapshot(state, path); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func joinNonEmpty(parts ...string) string {
	var keep []string
	for _, p := range parts {
		if p = strings.TrimRight(p, "\n"); p != "" {
			keep = append(keep, p)
		}
	}
	return strings.Join(keep, "\n")
}

// RunAll runs every step that is not yet done, in order, and stops at the
// first failure.
func (e *Engine) RunAll(ctx context.Context) error {
	for i := range e.Set.Steps {
		e.mu.Lock()
		done := e.state.Statuses[i].Done()
		e.mu.Unlock()
		if done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := e.RunStep(ctx, i)
		if err != nil {
			return err
		}
		if status == StatusError {
			return fmt.Errorf("step %q failed", e.Set.Steps[i].ID)
		}
	}
	return nil
}

// Skip marks a skippable pending or failed step as skipped.
func (e *Engine) Skip(ctx context.Context, i int) error {
	e.mu.Lock()
	if i < 0 || i >= len(e.Set.Steps) {
		e.mu.Unlock()
		return fmt.Errorf("%d: %w", i, ErrStepIndex)
	}
	step := e.Set.Steps[i]
	cur := e.state.Statuses[i]
	if !step.Skippable {
		e.mu.Unlock()
		return fmt.Errorf("step %q: %w", step.ID, ErrNotSkippable)
	}
	if cur != StatusPending && cur != StatusError {
		e.mu.Unlock()
		return fmt.Errorf("step %q is %s: %w", step.ID, cur, ErrNotSkippable)
	}
	if err := e.gate(i); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	now := e.now()
	e.logger().Info("step skipped by operator", "run", e.state.RunID, "step", step.ID)
	return e.finish(ctx, &StepResult{
		RunID:     e.state.RunID,
		StepID:    step.ID,
		StepIndex: i,
		Status:    StatusSkipped,
		Note:      NoteOperatorSkip,
		StartedAt: now,
		EndedAt:   now,
	}, true)
}

// UninstallAll runs every step's uninstall command in reverse order. Steps
// without one are reported as not run. Failures are collected and the pass
// continues; a step whose uninstall succeeded returns to pending.
func (e *Engine) UninstallAll(ctx context.Context) ([]UninstallResult, error) {
	var merr *multierror.Error
	results := make([]UninstallResult, 0, len(e.Set.Steps))
	for i := len(e.Set.Steps) - 1; i >= 0; i-- {
		step := e.Set.Steps[i]
		ur := UninstallResult{StepID: step.ID}
		if strings.TrimSpace(step.UninstallCommand) == "" {
			results = append(results, ur)
			continue
		}
		r := &vars.Resolver{Static: e.static(), Capability: e.Capability, Runner: e.Runner, Logger: e.Logger}
		cmd := r.Resolve(ctx, step.UninstallCommand)
		ur.Ran = true
		ur.Command = e.Gov.Redact(cmd)

		var err error
		if err = e.Gov.CheckCommand(cmd); err == nil {
			var out *executor.Result
			out, err = e.Runner.Run(ctx, cmd)
			if out != nil {
				ur.ExitCode = out.ExitCode
				ur.Output = e.Gov.Redact(strings.TrimRight(out.Output(), "\n"))
			}
		}
		if err != nil {
			ur.Error = e.Gov.Redact(err.Error())
			merr = multierror.Append(merr, fmt.Errorf("uninstall %q: %w", step.ID, err))
			e.logger().Warn("uninstall failed", "run", e.state.RunID, "step", step.ID, "error", err)
		} else {
			e.mu.Lock()
			e.state.Statuses[i] = StatusPending
			e.mu.Unlock()
			e.logger().Info("uninstalled", "run", e.state.RunID, "step", step.ID)
		}
		if perr := e.recordUninstall(ctx, ur); perr != nil {
			merr = multierror.Append(merr, perr)
		}
		results = append(results, ur)
	}

	e.mu.Lock()
	e.seq++
	seq, snap := e.seq, e.copyState()
	e.mu.Unlock()
	if err := e.saveSnapshot(snap, seq); err != nil {
		merr = multierror.Append(merr, err)
	}
	return results, merr.ErrorOrNil()
}

func (e *Engine) recordUninstall(ctx context.Context, ur UninstallResult) error {
	now := e.now()
	var merr *multierror.Error
	if e.Trace != nil {
		if err := e.Trace.Write(TraceEvent{Type: "uninstall", Timestamp: now, RunID: e.state.RunID, Uninstall: &ur}); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("write trace: %w", err))
		}
	}
	if e.Audit != nil {
		status := "success"
		if ur.Error != "" {
			status = "error"
		}
		entry := audit.Entry{
			Time:     now,
			Kind:     audit.KindUninstall,
			ServerID: e.ServerID,
			RunID:    e.state.RunID,
			StepID:   ur.StepID,
			Command:  ur.Command,
			Status:   status,
			ExitCode: ur.ExitCode,
			Content:  joinNonEmpty(ur.Output, ur.Error),
		}
		if err := e.Audit.Record(ctx, entry); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("record audit: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

// BuildManifest summarises the run.
func (e *Engine) BuildManifest() *RunManifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := &RunManifest{
		RunID:      e.state.RunID,
		CommandSet: e.state.CommandSet,
		Target:     e.state.Target,
		Actor:      e.state.Actor,
		Mode:       e.state.Mode,
		StartedAt:  e.state.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:    e.now().UTC().Format(time.RFC3339),
	}
	for i, s := range e.state.Statuses {
		m.Steps = append(m.Steps, StepStatus{ID: e.state.StepIDs[i], Status: s})
		m.StepsSummary.Total++
		switch s {
		case StatusSuccess:
			m.StepsSummary.Success++
		case StatusError:
			m.StepsSummary.Error++
		case StatusSkipped:
			m.StepsSummary.Skipped++
		default:
			m.StepsSummary.Pending++
		}
	}
	return m
}

// WriteManifest writes run.yaml to the run directory.
func (e *Engine) WriteManifest() error {
	if e.BaseDir == "" {
		return nil
	}
	data, err := yaml.Marshal(e.BuildManifest())
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.BaseDir, "run.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Close writes the manifest and closes the trace.
func (e *Engine) Close() error {
	var merr *multierror.Error
	if err := e.WriteManifest(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if e.Trace != nil {
		if err := e.Trace.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close trace: %w", err))
		}
	}
	return merr.ErrorOrNil()
}
