package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJSONLAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	code := 0
	for _, e := range []Entry{
		{Kind: KindCommandResult, ServerID: "web1", Command: "uptime", ExitCode: &code},
		{Kind: KindTerminalTranscript, SessionID: "s1", Content: "line1\nline2"},
	} {
		if err := j.Record(context.Background(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[0].ID == "" || got[0].Time.IsZero() {
		t.Error("entries must be stamped")
	}
	if got[1].Content != "line1\nline2" || got[1].Kind != KindTerminalTranscript {
		t.Errorf("entry = %+v", got[1])
	}
}

func TestSQLiteRecordAndList(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "db", "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	one := 1
	entries := []Entry{
		{Time: base, Kind: KindStepResult, ServerID: "web1", RunID: "r1", StepID: "install", Status: "error", ExitCode: &one},
		{Time: base.Add(500 * time.Millisecond), Kind: KindCommandResult, ServerID: "web1", Command: "df -h"},
		{Time: base.Add(time.Second), Kind: KindStepResult, ServerID: "db1", RunID: "r2", StepID: "install", Status: "success"},
	}
	for _, e := range entries {
		if err := db.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := db.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].StepID != "install" || all[1].Command != "df -h" {
		t.Fatalf("List() = %+v", all)
	}
	if all[0].ExitCode == nil || *all[0].ExitCode != 1 || all[1].ExitCode != nil {
		t.Errorf("exit codes not round-tripped: %+v", all)
	}
	if !all[1].Time.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("time = %v", all[1].Time)
	}

	web, _ := db.List(ctx, Filter{ServerID: "web1", Kind: KindStepResult})
	if len(web) != 1 || web[0].RunID != "r1" {
		t.Errorf("filtered = %+v", web)
	}
	lim, _ := db.List(ctx, Filter{Limit: 2})
	if len(lim) != 2 {
		t.Errorf("limit: got %d", len(lim))
	}
}

func TestMultiJoinsFailures(t *testing.T) {
	ok := &Memory{}
	bad := &Memory{Err: errors.New("disk full")}
	err := Multi{bad, ok, Discard}.Record(context.Background(), Entry{Kind: KindCommandResult})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if n := len(ok.Entries()); n != 1 {
		t.Errorf("healthy sink got %d entries, want 1", n)
	}
	if err := (Multi{ok}).Record(context.Background(), Entry{}); err != nil {
		t.Errorf("all healthy: err = %v", err)
	}
}
