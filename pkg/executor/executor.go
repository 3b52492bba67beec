// Package executor runs one command against one target: connect, execute,
// capture, close. It distinguishes a command that ran and failed from one
// that never ran, and can wrap a command in a temporary swap reservation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/target"
	"github.com/ormasoftchile/servo/pkg/transport"
)

// Result holds the output of a single command execution. ExitCode is nil
// when the command never produced an exit status.
type Result struct {
	Command   string        `json:"command"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  *int          `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// Succeeded reports whether the command exited 0.
func (r *Result) Succeeded() bool {
	return r != nil && r.ExitCode != nil && *r.ExitCode == 0
}

// Output returns stdout followed by stderr, the way an operator would see it
// on a terminal.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + r.Stderr
}

// TransportError means the command never produced an exit status: connect,
// authentication or session failure, or a dropped connection.
type TransportError struct {
	Target string
	Op     string // dial, exec
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError means the command ran and exited non-zero.
type CommandError struct {
	Result *Result
}

func (e *CommandError) Error() string {
	code := -1
	if e.Result.ExitCode != nil {
		code = *e.Result.ExitCode
	}
	return fmt.Sprintf("command exited with status %d", code)
}

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ExitCode extracts the exit status carried by a *CommandError, or -1.
func ExitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) && ce.Result.ExitCode != nil {
		return *ce.Result.ExitCode
	}
	return -1
}

// Options controls a single execution.
type Options struct {
	// ResourceReservation wraps the command in a temporary swap file that is
	// removed however the command ends.
	ResourceReservation bool
	// ReservationSizeMB is the swap size; zero means DefaultReservationMB.
	ReservationSizeMB int
}

// Executor opens a fresh connection per call.
type Executor struct {
	Dialer     transport.Dialer
	Governance *governance.Engine
	Logger     *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// New creates an Executor over d.
func New(d transport.Dialer, logger *slog.Logger) *Executor {
	return &Executor{Dialer: d, Logger: logger}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Execute runs command on t. A Result is returned on every path except
// precondition failures (invalid target, denied command, unsupported
// reservation). A non-nil error is a *TransportError or a *CommandError.
func (e *Executor) Execute(ctx context.Context, t *target.Target, command string, opts Options) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := e.Governance.CheckCommand(command); err != nil {
		return nil, err
	}

	wire := command
	if opts.ResourceReservation {
		if t.OSFamily() != target.OSLinux {
			return nil, fmt.Errorf("%s: %w", t, ErrReservationUnsupported)
		}
		wire = WrapReservation(command, opts.ReservationSizeMB)
	}

	log := e.logger().With("target", t.String())
	start := e.now()
	res := &Result{Command: command, StartedAt: start}

	conn, err := e.Dialer.Dial(ctx, t)
	if err != nil {
		res.Duration = e.now().Sub(start)
		log.Warn("dial failed", "error", err)
		return res, &TransportError{Target: t.String(), Op: "dial", Err: err}
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Warn("close connection", "error", cerr)
		}
	}()

	out, err := conn.Exec(ctx, wire)
	res.Duration = e.now().Sub(start)
	if out != nil {
		res.Stdout = string(out.Stdout)
		res.Stderr = string(out.Stderr)
	}
	if err != nil {
		log.Warn("exec failed", "error", err)
		return res, &TransportError{Target: t.String(), Op: "exec", Err: err}
	}

	code := out.ExitCode
	res.ExitCode = &code
	if opts.ResourceReservation {
		var setupFailed, cleanupFailed bool
		res.Stderr, setupFailed, cleanupFailed = stripMarkers(res.Stderr)
		if setupFailed {
			log.Warn("swap reservation unavailable; command ran without it", "size_mb", opts.ReservationSizeMB)
		}
		if cleanupFailed {
			log.Warn("swap reservation cleanup failed; swap file may remain", "path", reservationPath)
		}
	}
	log.Debug("command finished", "exit_code", code, "duration", res.Duration)
	if code != 0 {
		return res, &CommandError{Result: res}
	}
	return res, nil
}

// Runner executes commands against a fixed target.
type Runner interface {
	Run(ctx context.Context, command string) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, command string) (*Result, error)

// Run calls f(ctx, command).
func (f RunnerFunc) Run(ctx context.Context, command string) (*Result, error) {
	return f(ctx, command)
}

// Bound runs commands on a fixed target.
type Bound struct {
	Executor *Executor
	Target   *target.Target
}

// Bind returns a runner that executes on t.
func Bind(e *Executor, t *target.Target) *Bound {
	return &Bound{Executor: e, Target: t}
}

// Run executes command without reservation.
func (b *Bound) Run(ctx context.Context, command string) (*Result, error) {
	return b.Executor.Execute(ctx, b.Target, command, Options{})
}

// RunWith executes command with opts.
func (b *Bound) RunWith(ctx context.Context, command string, opts Options) (*Result, error) {
	return b.Executor.Execute(ctx, b.Target, command, opts)
}
