package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestSnapshotRoundTrip verifies serialization/deserialization of RunState.
func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	code := 0
	state := &RunState{
		RunID:      "20260211T153042-a7f3c0de",
		CommandSet: "nginx",
		Target:     "web1",
		Mode:       "real",
		StartedAt:  time.Date(2026, 2, 11, 15, 30, 42, 0, time.UTC),
		Actor:      "ops@example.com",
		Vars:       map[string]string{"pkg": "nginx"},
		StepIDs:    []string{"update", "install"},
		Statuses:   []Status{StatusSuccess, StatusError},
		History: []*StepResult{
			{RunID: "20260211T153042-a7f3c0de", StepID: "update", Status: StatusSuccess, ExitCode: &code},
		},
	}

	path := filepath.Join(dir, "state-000001.json")
	if err := SaveSnapshot(state, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunID != state.RunID || loaded.Target != "web1" || !loaded.StartedAt.Equal(state.StartedAt) {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Statuses[1] != StatusError || loaded.Vars["pkg"] != "nginx" {
		t.Errorf("statuses/vars lost: %+v", loaded)
	}
	if len(loaded.History) != 1 || loaded.History[0].ExitCode == nil || *loaded.History[0].ExitCode != 0 {
		t.Errorf("history = %+v", loaded.History)
	}
}

func TestLoadSnapshotErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadSnapshot(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{not json"), 0o600)
	if _, err := LoadSnapshot(bad); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	if _, err := LatestSnapshot(dir); err == nil {
		t.Error("empty dir must fail")
	}
	for _, n := range []string{"state-000002.json", "state-000010.json", "state-000009.json", "notes.txt"} {
		os.WriteFile(filepath.Join(dir, n), []byte("{}"), 0o600)
	}
	got, err := LatestSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "state-000010.json" {
		t.Errorf("latest = %s", got)
	}
}
