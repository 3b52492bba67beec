package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/schema"
)

// ErrSetChanged is returned when a snapshot's steps no longer match the
// command set it is resumed with.
var ErrSetChanged = errors.New("command set changed since the run started")

// ResumeEngine restores run runID from its newest snapshot under
// opts.StateDir. A step caught running is reset to pending; re-running it is
// safe because steps with a passing check command short-circuit.
func ResumeEngine(cs *schema.CommandSet, runner executor.Runner, runID string, opts Options) (*Engine, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("resume %s: no state directory", runID)
	}
	path, err := LatestSnapshot(filepath.Join(opts.StateDir, runID, "snapshots"))
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	state, err := LoadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if state.RunID != runID {
		return nil, fmt.Errorf("resume %s: snapshot belongs to run %s", runID, state.RunID)
	}

	ids := make([]string, len(cs.Steps))
	for i, s := range cs.Steps {
		ids[i] = s.ID
	}
	if !slices.Equal(ids, state.StepIDs) || len(state.Statuses) != len(ids) {
		return nil, fmt.Errorf("resume %s: steps %v, snapshot has %v: %w", runID, ids, state.StepIDs, ErrSetChanged)
	}
	for i, s := range state.Statuses {
		if s == StatusRunning || s == "" {
			state.Statuses[i] = StatusPending
		}
	}
	if state.Vars == nil {
		state.Vars = make(map[string]string)
	}
	for k, v := range opts.Vars {
		state.Vars[k] = v
	}
	if opts.ServerID == "" {
		opts.ServerID = state.Target
	}

	var seq int
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	if _, err := fmt.Sscanf(base, "state-%d", &seq); err != nil {
		return nil, fmt.Errorf("resume %s: snapshot name %q: %w", runID, base, err)
	}

	e, err := newEngine(cs, runner, opts, state, seq)
	if err != nil {
		return nil, err
	}
	next, _ := e.Next()
	e.logger().Info("run resumed", "run", runID, "next", next, "snapshot", filepath.Base(path))
	return e, nil
}
