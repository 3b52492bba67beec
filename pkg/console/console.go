// Package console is the facade the management console calls: every
// operation is addressed by server id and resolved through the registry.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/target"
	"github.com/ormasoftchile/servo/pkg/terminal"
	"github.com/ormasoftchile/servo/pkg/vars"
)

var (
	// ErrUnknownServer is returned when the registry has no such server.
	ErrUnknownServer = errors.New("unknown server")
	// ErrUnknownRun is returned for run ids that are not open.
	ErrUnknownRun = errors.New("unknown run")
	// ErrCapabilityMismatch is returned when a command set targets another
	// OS family than the server.
	ErrCapabilityMismatch = errors.New("command set capability does not match server")
)

// Service wires the registry, executor, terminals, runs and audit log.
type Service struct {
	Registry  target.Registry
	Executor  *executor.Executor
	Terminals *terminal.Manager
	Audit     audit.Sink
	Logger    *slog.Logger
	// StateDir is where runs keep their trace and snapshots. Empty keeps
	// runs in memory.
	StateDir string

	mu   sync.Mutex
	runs map[string]*runtime.Engine
}

// New creates a Service. sink may be nil.
func New(reg target.Registry, exec *executor.Executor, sink audit.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.Discard
	}
	return &Service{
		Registry:  reg,
		Executor:  exec,
		Terminals: terminal.NewManager(exec, sink, logger),
		Audit:     sink,
		Logger:    logger,
		runs:      make(map[string]*runtime.Engine),
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Target resolves a server id.
func (s *Service) Target(serverID string) (*target.Target, error) {
	if s.Registry == nil {
		return nil, fmt.Errorf("%q: %w", serverID, ErrUnknownServer)
	}
	t, err := s.Registry.Lookup(serverID)
	if errors.Is(err, target.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", serverID, ErrUnknownServer)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Servers lists the registry's server ids when it can enumerate them.
func (s *Service) Servers() []string {
	if l, ok := s.Registry.(interface{ IDs() []string }); ok {
		return l.IDs()
	}
	return nil
}

// ExecuteCommand runs one command on a server and records a command_result
// audit entry for every attempt that reached the executor.
func (s *Service) ExecuteCommand(ctx context.Context, serverID, command string, opts executor.Options) (*executor.Result, error) {
	t, err := s.Target(serverID)
	if err != nil {
		return nil, err
	}
	res, err := s.Executor.Execute(ctx, t, command, opts)
	if res != nil {
		s.record(ctx, serverID, res, err)
	}
	return res, err
}

func (s *Service) record(ctx context.Context, serverID string, res *executor.Result, execErr error) {
	status := "success"
	switch {
	case executor.IsTransport(execErr):
		status = "transport_error"
	case execErr != nil:
		status = "error"
	}
	gov := s.Executor.Governance
	entry := audit.Entry{
		Kind:     audit.KindCommandResult,
		ServerID: serverID,
		Command:  gov.Redact(res.Command),
		Status:   status,
		ExitCode: res.ExitCode,
		Content:  gov.Redact(strings.TrimRight(res.Output(), "\n")),
	}
	if execErr != nil && res.ExitCode == nil {
		entry.Content = gov.Redact(execErr.Error())
	}
	if err := s.Audit.Record(ctx, entry); err != nil {
		s.logger().Error("record command result", "server", serverID, "error", err)
	}
}

// Resolve expands a template against a server's capability. Dynamic keys
// run their auxiliary commands on the server.
func (s *Service) Resolve(ctx context.Context, serverID, tmpl string, static map[string]any) (string, error) {
	t, err := s.Target(serverID)
	if err != nil {
		return "", err
	}
	r := &vars.Resolver{
		Static:     static,
		Capability: vars.CapabilityFor(t.OSFamily()),
		Runner:     executor.Bind(s.Executor, t),
		Logger:     s.Logger,
	}
	return r.Resolve(ctx, tmpl), nil
}

// InitSession opens (or returns) a live terminal. An empty serverID gives
// the offline mock shell.
func (s *Service) InitSession(_ context.Context, sessionID, serverID string) (*terminal.Session, error) {
	var t *target.Target
	if serverID != "" {
		var err error
		if t, err = s.Target(serverID); err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return s.Terminals.Init(sessionID, t), nil
}

// SubmitCommand sends one line to a live terminal.
func (s *Service) SubmitCommand(ctx context.Context, sessionID, command string) (terminal.Reply, error) {
	return s.Terminals.Submit(ctx, sessionID, command)
}

// EndSession ends a live terminal and records its transcript.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	return s.Terminals.End(ctx, sessionID)
}

func (s *Service) runOptions(cs *schema.CommandSet, serverID string, t *target.Target, opts runtime.Options) (runtime.Options, error) {
	if cs.Meta.Capability != "" && vars.CapabilityFor(cs.Meta.Capability) != vars.CapabilityFor(t.OSFamily()) {
		return opts, fmt.Errorf("%s on %s (%s): %w", cs.Meta.Capability, serverID, t.OSFamily(), ErrCapabilityMismatch)
	}
	opts.ServerID = serverID
	if opts.Capability == nil {
		opts.Capability = vars.CapabilityFor(t.OSFamily())
	}
	if opts.Audit == nil {
		opts.Audit = s.Audit
	}
	if opts.Logger == nil {
		opts.Logger = s.Logger
	}
	if opts.StateDir == "" {
		opts.StateDir = s.StateDir
	}
	if opts.Governance == nil {
		opts.Governance = s.Executor.Governance
	}
	return opts, nil
}

// StartRun binds a command set to a server and opens a new run.
func (s *Service) StartRun(cs *schema.CommandSet, serverID string, opts runtime.Options) (*runtime.Engine, error) {
	t, err := s.Target(serverID)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if opts, err = s.runOptions(cs, serverID, t, opts); err != nil {
		return nil, err
	}
	e, err := runtime.NewEngine(cs, executor.Bind(s.Executor, t), opts)
	if err != nil {
		return nil, err
	}
	s.addRun(e)
	return e, nil
}

// ResumeRun reopens a persisted run.
func (s *Service) ResumeRun(cs *schema.CommandSet, serverID, runID string, opts runtime.Options) (*runtime.Engine, error) {
	t, err := s.Target(serverID)
	if err != nil {
		return nil, err
	}
	if opts, err = s.runOptions(cs, serverID, t, opts); err != nil {
		return nil, err
	}
	e, err := runtime.ResumeEngine(cs, executor.Bind(s.Executor, t), runID, opts)
	if err != nil {
		return nil, err
	}
	s.addRun(e)
	return e, nil
}

func (s *Service) addRun(e *runtime.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = make(map[string]*runtime.Engine)
	}
	s.runs[e.RunID()] = e
}

// Run returns an open run.
func (s *Service) Run(runID string) (*runtime.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", runID, ErrUnknownRun)
	}
	return e, nil
}

// Runs lists open run ids.
func (s *Service) Runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunStep runs step i of a run.
func (s *Service) RunStep(ctx context.Context, runID string, i int) (runtime.Status, error) {
	e, err := s.Run(runID)
	if err != nil {
		return "", err
	}
	return e.RunStep(ctx, i)
}

// RunAll runs the remaining steps of a run.
func (s *Service) RunAll(ctx context.Context, runID string) error {
	e, err := s.Run(runID)
	if err != nil {
		return err
	}
	return e.RunAll(ctx)
}

// SkipStep skips step i of a run.
func (s *Service) SkipStep(ctx context.Context, runID string, i int) error {
	e, err := s.Run(runID)
	if err != nil {
		return err
	}
	return e.Skip(ctx, i)
}

// RetryStep retries step i of a run.
func (s *Service) RetryStep(ctx context.Context, runID string, i int) (runtime.Status, error) {
	e, err := s.Run(runID)
	if err != nil {
		return "", err
	}
	return e.Retry(ctx, i)
}

// UninstallAll tears a run down in reverse order.
func (s *Service) UninstallAll(ctx context.Context, runID string) ([]runtime.UninstallResult, error) {
	e, err := s.Run(runID)
	if err != nil {
		return nil, err
	}
	return e.UninstallAll(ctx)
}

// CloseRun writes the run manifest and forgets the run.
func (s *Service) CloseRun(runID string) error {
	s.mu.Lock()
	e, ok := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", runID, ErrUnknownRun)
	}
	return e.Close()
}
