// Package audit records what the engine did: finished commands, step
// results and terminal transcripts. Sinks are append-only; a failed write is
// returned to the caller and never retried.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindCommandResult      Kind = "command_result"
	KindTerminalTranscript Kind = "terminal_transcript"
	KindStepResult         Kind = "step_result"
	KindUninstall          Kind = "uninstall"
)

// Entry is one audit record.
type Entry struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	ServerID  string    `json:"server_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Command   string    `json:"command,omitempty"`
	Status    string    `json:"status,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Content   string    `json:"content,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Stamp fills in ID and Time when unset.
func Stamp(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = now.UTC()
	}
	return e
}

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) error { return nil }

// Memory keeps entries in memory. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	// Err, when set, is returned by Record instead of storing.
	Err error
}

// Record stores e.
func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.entries = append(m.entries, Stamp(e, time.Now()))
	return nil
}

// Entries returns a copy of everything recorded.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Multi writes to every sink and joins their failures.
type Multi []Sink

// Record writes e to all sinks, continuing past failures.
func (ms Multi) Record(ctx context.Context, e Entry) error {
	e = Stamp(e, time.Now())
	var result *multierror.Error
	for _, s := range ms {
		if err := s.Record(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
