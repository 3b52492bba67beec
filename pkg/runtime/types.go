// Package runtime drives a command set through the executor one step at a
// time, tracking per-step status and recording every result.
package runtime

import (
	"time"
)

// Status is the per-run state of one step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Done reports whether the status lets later steps proceed.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// Notes attached to a StepResult explaining how its status was reached.
const (
	NotePrecheckSatisfied = "precheck_satisfied"
	NoteWhenFalse         = "when_false"
	NoteOperatorSkip      = "operator_skip"
	NoteRerun             = "rerun"
)

// StepResult is the record of one step attempt.
type StepResult struct {
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	StepIndex int       `json:"step_index"`
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Command   string    `json:"command,omitempty"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// UninstallResult is the outcome of one step's teardown.
type UninstallResult struct {
	StepID   string `json:"step_id"`
	Command  string `json:"command,omitempty"`
	Ran      bool   `json:"ran"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunState is the complete execution state at a point in time.
// Serialized to JSON for snapshot persistence.
type RunState struct {
	RunID      string            `json:"run_id"`
	CommandSet string            `json:"command_set"`
	Target     string            `json:"target,omitempty"`
	Mode       string            `json:"mode"` // real, replay
	StartedAt  time.Time         `json:"started_at"`
	Actor      string            `json:"actor"`
	Vars       map[string]string `json:"vars"`
	StepIDs    []string          `json:"step_ids"`
	Statuses   []Status          `json:"statuses"`
	History    []*StepResult     `json:"history"`
}

// TraceEvent wraps a result for JSONL trace output.
type TraceEvent struct {
	Type      string           `json:"type"` // step_result, uninstall
	Timestamp time.Time        `json:"timestamp"`
	RunID     string           `json:"run_id"`
	Result    *StepResult      `json:"result,omitempty"`
	Uninstall *UninstallResult `json:"uninstall,omitempty"`
}

// RunManifest summarises a run. Written as run.yaml.
type RunManifest struct {
	RunID        string       `yaml:"run_id"           json:"run_id"`
	CommandSet   string       `yaml:"command_set"      json:"command_set"`
	Target       string       `yaml:"target,omitempty" json:"target,omitempty"`
	Actor        string       `yaml:"actor,omitempty"  json:"actor,omitempty"`
	Mode         string       `yaml:"mode"             json:"mode"`
	StartedAt    string       `yaml:"started_at"       json:"started_at"`
	EndedAt      string       `yaml:"ended_at"         json:"ended_at"`
	StepsSummary StepsSummary `yaml:"steps_summary"    json:"steps_summary"`
	Steps        []StepStatus `yaml:"steps"            json:"steps"`
}

// StepStatus pairs a step id with its status.
type StepStatus struct {
	ID     string `yaml:"id"     json:"id"`
	Status Status `yaml:"status" json:"status"`
}

// StepsSummary counts steps by status.
type StepsSummary struct {
	Total   int `yaml:"total"   json:"total"`
	Success int `yaml:"success" json:"success"`
	Error   int `yaml:"error"   json:"error"`
	Skipped int `yaml:"skipped" json:"skipped"`
	Pending int `yaml:"pending" json:"pending"`
}
