package console

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/config"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/replay"
	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/target"
	"github.com/ormasoftchile/servo/pkg/terminal"
)

func newService(t *testing.T, sc *replay.Scenario) (*Service, *audit.Memory, *replay.Dialer) {
	t.Helper()
	reg := target.NewStaticRegistry(nil)
	reg.Add("web1", target.Target{Host: "10.0.0.5", Username: "root", Credential: target.Credential{Password: "pw"}})
	reg.Add("win1", target.Target{Host: "10.0.0.6", Username: "Administrator", OS: "windows", Credential: target.Credential{Password: "pw"}})
	reg.Add("nocred", target.Target{Host: "10.0.0.7", Username: "root"})
	sink := &audit.Memory{}
	d := replay.NewDialer(sc)
	return New(reg, executor.New(d, nil), sink, nil), sink, d
}

func TestExecuteCommandAudits(t *testing.T) {
	s, sink, _ := newService(t, &replay.Scenario{
		Commands: []replay.ScenarioCommand{
			{Command: "uptime", Stdout: " 10:00 up 3 days\n"},
			{Command: "systemctl status nope", Stderr: "Unit nope.service could not be found.\n", ExitCode: 4},
		},
		Unreachable: []string{"10.0.0.6"},
	})
	ctx := context.Background()

	if _, err := s.ExecuteCommand(ctx, "web1", "uptime", executor.Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecuteCommand(ctx, "web1", "systemctl status nope", executor.Options{}); executor.ExitCode(err) != 4 {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.ExecuteCommand(ctx, "win1", "hostname", executor.Options{}); !executor.IsTransport(err) {
		t.Fatalf("err = %v", err)
	}

	entries := sink.Entries()
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(entries))
	}
	wantStatus := []string{"success", "error", "transport_error"}
	for i, e := range entries {
		if e.Kind != audit.KindCommandResult || e.Status != wantStatus[i] {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
	if *entries[1].ExitCode != 4 || !strings.Contains(entries[1].Content, "could not be found") {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].ExitCode != nil || entries[2].ServerID != "win1" {
		t.Errorf("entry 2 = %+v", entries[2])
	}
}

func TestPreconditionFailures(t *testing.T) {
	s, sink, d := newService(t, &replay.Scenario{Commands: []replay.ScenarioCommand{{Pattern: ".*", Repeat: true}}})
	ctx := context.Background()

	if _, err := s.ExecuteCommand(ctx, "db9", "ls", executor.Options{}); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("unknown server: err = %v", err)
	}
	if _, err := s.ExecuteCommand(ctx, "nocred", "ls", executor.Options{}); !errors.Is(err, target.ErrMissingCredential) {
		t.Errorf("missing credential: err = %v", err)
	}
	if _, err := s.InitSession(ctx, "s1", "nocred"); !errors.Is(err, target.ErrMissingCredential) {
		t.Errorf("session without credential: err = %v", err)
	}
	s.Executor.Governance = &governance.Engine{DeniedCommands: []string{"reboot"}}
	if _, err := s.ExecuteCommand(ctx, "web1", "reboot", executor.Options{}); !errors.Is(err, governance.ErrDenied) {
		t.Errorf("denied: err = %v", err)
	}
	if d.Dials() != 0 || len(sink.Entries()) != 0 {
		t.Errorf("precondition failures must not dial or audit: dials=%d entries=%d", d.Dials(), len(sink.Entries()))
	}
}

func TestSessions(t *testing.T) {
	s, sink, d := newService(t, &replay.Scenario{Commands: []replay.ScenarioCommand{
		{Pattern: `^\{ whoami\n\} 2>&1; echo (__SERVO_END_[0-9a-f]+__); pwd$`, Stdout: "root\n"},
	}})
	ctx := context.Background()

	if _, err := s.InitSession(ctx, "mock", ""); err != nil {
		t.Fatal(err)
	}
	r, err := s.SubmitCommand(ctx, "mock", "cd /var/log")
	if err != nil || r.Cwd != "/var/log" {
		t.Fatalf("mock reply = %+v, %v", r, err)
	}

	sess, err := s.InitSession(ctx, "remote", "web1")
	if err != nil || sess.Cwd != terminal.HomeDir {
		t.Fatalf("InitSession = %+v, %v", sess, err)
	}
	// The replay answer has no sentinel, so the raw output comes back and
	// the cwd stays put.
	r, _ = s.SubmitCommand(ctx, "remote", "whoami")
	if r.Output != "root" || r.Cwd != "~" {
		t.Errorf("remote reply = %+v", r)
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d", d.Dials())
	}

	for _, id := range []string{"mock", "remote"} {
		if err := s.EndSession(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.SubmitCommand(ctx, "mock", "ls"); !errors.Is(err, terminal.ErrSessionExpired) {
		t.Errorf("err = %v", err)
	}
	var transcripts int
	for _, e := range sink.Entries() {
		if e.Kind == audit.KindTerminalTranscript {
			transcripts++
		}
	}
	if transcripts != 2 {
		t.Errorf("transcripts = %d", transcripts)
	}
}

func TestRuns(t *testing.T) {
	s, sink, _ := newService(t, &replay.Scenario{Commands: []replay.ScenarioCommand{
		{Command: "apt-get update"},
		{Command: "ufw allow 80/tcp", ExitCode: 1},
		{Command: "ufw disable"},
	}})
	ctx := context.Background()
	cs := &schema.CommandSet{
		APIVersion: schema.APIVersion,
		Meta:       schema.Meta{Name: "web", Capability: "linux"},
		Steps: []schema.Step{
			{Order: 1, ID: "update", Title: "update", Command: "apt-get update"},
			{Order: 2, ID: "fw", Title: "fw", Command: "ufw allow 80/tcp", Skippable: true, UninstallCommand: "ufw disable"},
		},
	}

	if _, err := s.StartRun(cs, "win1", runtime.Options{}); !errors.Is(err, ErrCapabilityMismatch) {
		t.Errorf("windows server: err = %v", err)
	}
	e, err := s.StartRun(cs, "web1", runtime.Options{})
	if err != nil {
		t.Fatal(err)
	}
	id := e.RunID()
	if err := s.RunAll(ctx, id); err == nil {
		t.Fatal("expected firewall failure")
	}
	if err := s.SkipStep(ctx, id, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RetryStep(ctx, id, 0); !errors.Is(err, runtime.ErrNotRetryable) {
		t.Errorf("err = %v", err)
	}
	results, err := s.UninstallAll(ctx, id)
	if err != nil || len(results) != 2 || !results[0].Ran {
		t.Errorf("uninstall = %+v, %v", results, err)
	}
	if err := s.CloseRun(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunStep(ctx, id, 0); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("closed run: err = %v", err)
	}

	var steps, uninstalls int
	for _, e := range sink.Entries() {
		switch e.Kind {
		case audit.KindStepResult:
			steps++
		case audit.KindUninstall:
			uninstalls++
		}
	}
	if steps != 3 || uninstalls != 1 {
		t.Errorf("audit: %d step results, %d uninstalls", steps, uninstalls)
	}
}

func TestOpenFromConfig(t *testing.T) {
	dir := t.TempDir()
	servers := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(servers, []byte("servers:\n  - id: web1\n    host: 10.0.0.5\n    username: root\n    credential:\n      password: pw\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Servers = servers
	cfg.StateDir = filepath.Join(dir, "runs")
	cfg.SSH.UseSSHConfig = false
	cfg.Audit.JSONL = filepath.Join(dir, "audit.jsonl")
	cfg.Terminal.IdleTimeout = 2 * time.Minute
	cfg.Governance = &schema.GovernancePolicy{DeniedCommands: []string{"shutdown"}}

	d := replay.NewDialer(&replay.Scenario{Commands: []replay.ScenarioCommand{{Command: "hostname", Stdout: "web1\n"}}})
	s, closeAudit, err := Open(context.Background(), cfg, d, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeAudit()

	if s.StateDir != cfg.StateDir || s.Terminals.Timeout != 2*time.Minute {
		t.Errorf("StateDir=%q Timeout=%v", s.StateDir, s.Terminals.Timeout)
	}
	if res, err := s.ExecuteCommand(context.Background(), "web1", "hostname", executor.Options{}); err != nil || res.Stdout != "web1\n" {
		t.Errorf("ExecuteCommand = %+v, %v", res, err)
	}
	if _, err := s.ExecuteCommand(context.Background(), "web1", "shutdown -h now", executor.Options{}); !errors.Is(err, governance.ErrDenied) {
		t.Errorf("denied command: err = %v", err)
	}
	if _, err := os.Stat(cfg.Audit.JSONL); err != nil {
		t.Errorf("audit log not written: %v", err)
	}
}
