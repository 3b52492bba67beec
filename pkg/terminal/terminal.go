// Package terminal emulates an interactive shell session on top of
// one-command-per-connection execution. A session remembers its working
// directory and history, expires after a period of inactivity, and leaves a
// transcript in the audit log when it ends.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/target"
)

// DefaultTimeout is how long a session may sit idle before it is ended.
const DefaultTimeout = 15 * time.Minute

// HomeDir is the initial working directory of every session.
const HomeDir = "~"

var (
	// ErrSessionExpired is returned for submits to an ended session.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound is returned for ids that were never initialized.
	ErrSessionNotFound = errors.New("session not found")
)

// EntryType distinguishes history entries.
type EntryType string

const (
	EntryCommand EntryType = "command"
	EntryOutput  EntryType = "output"
)

// Entry is one line of session history.
type Entry struct {
	Time    time.Time `json:"time"`
	Type    EntryType `json:"type"`
	Content string    `json:"content"`
}

// Status is the session lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Backend runs one command in a working directory and reports the output
// and the directory afterwards.
type Backend interface {
	Run(ctx context.Context, cwd, command string) (output, newCwd string)
}

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Session is the state of one emulated terminal.
type Session struct {
	ID           string         `json:"id"`
	Cwd          string         `json:"cwd"`
	History      []Entry        `json:"history"`
	Status       Status         `json:"status"`
	Target       *target.Target `json:"target,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	LastActivity time.Time      `json:"last_activity"`
}

// session is the manager's record: the public state plus what drives it.
type session struct {
	mu sync.Mutex
	Session
	backend Backend
	timer   Timer
}

// snapshot copies the public state. Callers hold s.mu.
func (s *session) snapshot() *Session {
	c := s.Session
	c.History = append([]Entry(nil), s.History...)
	return &c
}

// Reply is what a submit returns to the caller.
type Reply struct {
	Output string `json:"output"`
	Cwd    string `json:"cwd"`
}

// Manager owns the sessions.
type Manager struct {
	// Executor backs remote sessions.
	Executor   *executor.Executor
	Audit      audit.Sink
	Governance *governance.Engine
	Logger     *slog.Logger
	// Timeout is the idle limit; zero means DefaultTimeout.
	Timeout time.Duration
	// Now and AfterFunc default to time.Now and time.AfterFunc.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a manager whose remote sessions run through exec.
func NewManager(exec *executor.Executor, sink audit.Sink, logger *slog.Logger) *Manager {
	return &Manager{Executor: exec, Audit: sink, Logger: logger}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) timeout() time.Duration {
	if m.Timeout <= 0 {
		return DefaultTimeout
	}
	return m.Timeout
}

func (m *Manager) afterFunc(d time.Duration, f func()) Timer {
	if m.AfterFunc == nil {
		return time.AfterFunc(d, f)
	}
	return m.AfterFunc(d, f)
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

// Init returns the active session with this id, creating it when missing or
// ended. A nil target gets the mock shell; otherwise commands run on the
// target. The backend is fixed for the session's lifetime.
func (m *Manager) Init(id string, t *target.Target) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*session)
	}
	if s, ok := m.sessions[id]; ok {
		s.mu.Lock()
		if s.Status == StatusActive {
			snap := s.snapshot()
			s.mu.Unlock()
			return snap
		}
		s.mu.Unlock()
	}

	now := m.now()
	s := &session{Session: Session{
		ID:           id,
		Cwd:          HomeDir,
		Status:       StatusActive,
		Target:       t,
		StartedAt:    now,
		LastActivity: now,
	}}
	if t == nil {
		s.backend = &MockShell{}
	} else {
		s.backend = &RemoteShell{Runner: executor.Bind(m.Executor, t), OS: t.OSFamily()}
	}
	s.timer = m.afterFunc(m.timeout(), func() { m.expire(id, s) })
	m.sessions[id] = s
	m.logger().Info("session started", "session", id, "remote", t != nil)
	return s.snapshot()
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Submit runs command in the session and records both the command and its
// output in history. Remote failures are returned as output text.
func (m *Manager) Submit(ctx context.Context, id, command string) (Reply, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Reply{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusActive {
		return Reply{Cwd: s.Cwd}, ErrSessionExpired
	}

	s.timer.Reset(m.timeout())
	s.LastActivity = m.now()
	command = strings.TrimSpace(command)
	if command == "" {
		return Reply{Cwd: s.Cwd}, nil
	}
	s.History = append(s.History, Entry{Time: s.LastActivity, Type: EntryCommand, Content: command})

	out, cwd := s.backend.Run(ctx, s.Cwd, command)
	s.Cwd = cwd
	s.LastActivity = m.now()
	s.timer.Reset(m.timeout())
	s.History = append(s.History, Entry{Time: s.LastActivity, Type: EntryOutput, Content: out})
	return Reply{Output: out, Cwd: cwd}, nil
}

// End closes the session and records its transcript. A delivery failure is
// returned but the session stays ended.
func (m *Manager) End(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.end(ctx, s)
}

func (m *Manager) end(ctx context.Context, s *session) error {
	s.mu.Lock()
	if s.Status != StatusActive {
		s.mu.Unlock()
		return ErrSessionExpired
	}
	s.Status = StatusEnded
	s.timer.Stop()
	transcript := m.Governance.Redact(Transcript(s.History))
	entry := audit.Entry{
		Time:      m.now(),
		Kind:      audit.KindTerminalTranscript,
		SessionID: s.ID,
		Content:   transcript,
	}
	if s.Target != nil {
		entry.ServerID = s.Target.Name
	}
	n := len(s.History)
	s.mu.Unlock()

	m.logger().Info("session ended", "session", s.ID, "entries", n)
	if m.Audit == nil {
		return nil
	}
	if err := m.Audit.Record(ctx, entry); err != nil {
		m.logger().Error("record transcript", "session", s.ID, "error", err)
		return fmt.Errorf("record transcript: %w", err)
	}
	return nil
}

// expire is the idle timer callback. The session pointer guards against a
// re-initialized session under the same id.
func (m *Manager) expire(id string, s *session) {
	m.mu.Lock()
	current := m.sessions[id] == s
	m.mu.Unlock()
	if !current {
		return
	}
	s.mu.Lock()
	if s.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	if idle := m.now().Sub(s.LastActivity); idle < m.timeout() {
		// Activity landed after the timer was due; wait out the remainder.
		s.timer.Reset(m.timeout() - idle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	m.logger().Info("session idle timeout", "session", id)
	_ = m.end(context.Background(), s)
}

// Get returns a copy of the session state.
func (m *Manager) Get(id string) (*Session, bool) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// IDs lists known session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Transcript flattens history into "<RFC3339 time> [TYPE]: content" lines.
func Transcript(history []Entry) string {
	var b strings.Builder
	for _, e := range history {
		fmt.Fprintf(&b, "%s [%s]: %s\n", e.Time.UTC().Format(time.RFC3339), strings.ToUpper(string(e.Type)), e.Content)
	}
	return b.String()
}
