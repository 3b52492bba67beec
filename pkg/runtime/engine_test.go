package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/replay"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/target"
)

// scriptRunner answers commands from tables and records what ran.
type scriptRunner struct {
	codes map[string]int    // exit code per command; missing means 0
	out   map[string]string // stdout per command
	down  bool              // every command fails in transport
	ran   []string
}

func (r *scriptRunner) Run(_ context.Context, cmd string) (*executor.Result, error) {
	r.ran = append(r.ran, cmd)
	if r.down {
		return &executor.Result{Command: cmd}, &executor.TransportError{Target: "web1", Op: "dial", Err: errors.New("connection refused")}
	}
	code := r.codes[cmd]
	res := &executor.Result{Command: cmd, Stdout: r.out[cmd], ExitCode: &code}
	if code != 0 {
		return res, &executor.CommandError{Result: res}
	}
	return res, nil
}

func set(steps ...schema.Step) *schema.CommandSet {
	for i := range steps {
		steps[i].Order = (i + 1) * 10
		if steps[i].Title == "" {
			steps[i].Title = steps[i].ID
		}
	}
	return &schema.CommandSet{
		APIVersion: schema.APIVersion,
		Meta:       schema.Meta{Name: "test", Vars: map[string]string{"pkg": "nginx", "app.port": "8080"}},
		Steps:      steps,
	}
}

func newTestEngine(t *testing.T, cs *schema.CommandSet, r executor.Runner) *Engine {
	t.Helper()
	e, err := NewEngine(cs, r, Options{ServerID: "web1"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestRunIDFormat(t *testing.T) {
	id := GenerateRunID(time.Date(2026, 2, 11, 15, 30, 42, 0, time.UTC))
	if !regexp.MustCompile(`^20260211T153042-[a-f0-9]{8}$`).MatchString(id) {
		t.Errorf("RunID %q does not match YYYYMMDDTHHmmss-xxxxxxxx", id)
	}
}

func TestRunAllInOrder(t *testing.T) {
	r := &scriptRunner{codes: map[string]int{"dpkg -s nginx": 1}}
	e := newTestEngine(t, set(
		schema.Step{ID: "update", Command: "apt-get update"},
		schema.Step{ID: "install", Command: "apt-get install -y {{pkg}}", CheckCommand: "dpkg -s {{pkg}}"},
		schema.Step{ID: "open", Command: "ufw allow {{app.port}}/tcp"},
	), r)

	if err := e.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	want := []string{"apt-get update", "dpkg -s nginx", "apt-get install -y nginx", "ufw allow 8080/tcp"}
	if !slices.Equal(r.ran, want) {
		t.Errorf("ran %q, want %q", r.ran, want)
	}
	if got := e.Statuses(); !slices.Equal(got, []Status{StatusSuccess, StatusSuccess, StatusSuccess}) {
		t.Errorf("statuses = %v", got)
	}
	if _, ok := e.Next(); ok {
		t.Error("Next should report nothing left")
	}
}

func TestPrecheckShortCircuits(t *testing.T) {
	r := &scriptRunner{out: map[string]string{"dpkg -s nginx": "Status: install ok installed\n"}}
	e := newTestEngine(t, set(
		schema.Step{ID: "install", Command: "apt-get install -y {{pkg}}", CheckCommand: "dpkg -s {{pkg}}"},
	), r)

	for i := 0; i < 2; i++ {
		status, err := e.RunStep(context.Background(), 0)
		if err != nil || status != StatusSuccess {
			t.Fatalf("RunStep #%d = %s, %v", i, status, err)
		}
	}
	if !slices.Equal(r.ran, []string{"dpkg -s nginx"}) {
		t.Errorf("ran %q: command must not run when the check passes, and a finished step is a no-op", r.ran)
	}
	last, _ := e.Last(0)
	if last.Note != NotePrecheckSatisfied || last.Command != "dpkg -s nginx" {
		t.Errorf("last = %+v", last)
	}
}

func TestFailureHaltsProgression(t *testing.T) {
	r := &scriptRunner{codes: map[string]int{"make install": 2}}
	e := newTestEngine(t, set(
		schema.Step{ID: "fetch", Command: "git pull"},
		schema.Step{ID: "build", Command: "make install"},
		schema.Step{ID: "start", Command: "systemctl start app"},
	), r)
	ctx := context.Background()

	err := e.RunAll(ctx)
	if executor.ExitCode(err) != 2 {
		t.Fatalf("RunAll err = %v, want exit 2", err)
	}
	if got := e.Statuses(); !slices.Equal(got, []Status{StatusSuccess, StatusError, StatusPending}) {
		t.Fatalf("statuses = %v", got)
	}
	if i, _ := e.Next(); i != 1 {
		t.Errorf("Next = %d, want 1", i)
	}
	if _, err := e.RunStep(ctx, 2); !errors.Is(err, ErrBlocked) {
		t.Errorf("RunStep past failure: err = %v, want ErrBlocked", err)
	}
	if slices.Contains(r.ran, "systemctl start app") {
		t.Error("step after the failure ran")
	}

	r.codes["make install"] = 0
	if status, err := e.Retry(ctx, 1); err != nil || status != StatusSuccess {
		t.Fatalf("Retry = %s, %v", status, err)
	}
	if err := e.RunAll(ctx); err != nil {
		t.Fatalf("RunAll after retry: %v", err)
	}
	if n := strings.Count(strings.Join(r.ran, "\n"), "git pull"); n != 1 {
		t.Errorf("finished step re-ran: %d times", n)
	}
}

func TestSkip(t *testing.T) {
	r := &scriptRunner{codes: map[string]int{"ufw allow 8080/tcp": 1}}
	e := newTestEngine(t, set(
		schema.Step{ID: "update", Command: "apt-get update"},
		schema.Step{ID: "open", Command: "ufw allow 8080/tcp", Skippable: true},
		schema.Step{ID: "start", Command: "systemctl start nginx"},
	), r)
	ctx := context.Background()

	if err := e.Skip(ctx, 0); !errors.Is(err, ErrNotSkippable) {
		t.Errorf("Skip non-skippable: err = %v", err)
	}
	if err := e.Skip(ctx, 1); !errors.Is(err, ErrBlocked) {
		t.Errorf("Skip before earlier steps finish: err = %v", err)
	}
	if err := e.RunAll(ctx); err == nil {
		t.Fatal("expected the firewall step to fail")
	}
	if err := e.Skip(ctx, 1); err != nil {
		t.Fatalf("Skip failed skippable step: %v", err)
	}
	if err := e.Skip(ctx, 1); !errors.Is(err, ErrNotSkippable) {
		t.Errorf("Skip already skipped: err = %v", err)
	}
	if err := e.RunAll(ctx); err != nil {
		t.Fatalf("RunAll after skip: %v", err)
	}
	if got := e.Statuses(); !slices.Equal(got, []Status{StatusSuccess, StatusSkipped, StatusSuccess}) {
		t.Errorf("statuses = %v", got)
	}
	if last, _ := e.Last(1); last.Note != NoteOperatorSkip {
		t.Errorf("skip note = %q", last.Note)
	}
}

func TestRepeatableAndRetry(t *testing.T) {
	r := &scriptRunner{}
	e := newTestEngine(t, set(
		schema.Step{ID: "install", Command: "apt-get install -y nginx"},
		schema.Step{ID: "restart", Command: "systemctl restart nginx", Repeatable: true},
	), r)
	ctx := context.Background()

	if _, err := e.Retry(ctx, 0); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry pending: err = %v", err)
	}
	if err := e.RunAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Retry(ctx, 0); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry finished non-repeatable: err = %v", err)
	}

	// A failing rerun is reported but leaves progression alone.
	r.codes = map[string]int{"systemctl restart nginx": 1}
	status, err := e.Retry(ctx, 1)
	if status != StatusError || err == nil {
		t.Errorf("rerun = %s, %v", status, err)
	}
	if got := e.Statuses()[1]; got != StatusSuccess {
		t.Errorf("rerun changed status to %s", got)
	}
	if last, _ := e.Last(1); last.Note != NoteRerun {
		t.Errorf("rerun note = %q", last.Note)
	}

	r.codes = nil
	if status, err := e.RunStep(ctx, 1); status != StatusSuccess || err != nil {
		t.Errorf("RunStep on repeatable = %s, %v", status, err)
	}
	if n := strings.Count(strings.Join(r.ran, "\n"), "systemctl restart nginx"); n != 3 {
		t.Errorf("restart ran %d times, want 3", n)
	}
}

func TestWhenGuard(t *testing.T) {
	r := &scriptRunner{}
	e := newTestEngine(t, set(
		schema.Step{ID: "iis", Command: "Install-WindowsFeature Web-Server", When: `capability == "windows"`},
		schema.Step{ID: "port", Command: "ufw allow 8080/tcp", When: `vars["app.port"] == "8080" && pkg == "nginx"`},
		schema.Step{ID: "after", Command: "true", When: `steps.port == "success"`},
		schema.Step{ID: "broken", Command: "true", When: "nosuchvar > 1"},
	), r)
	err := e.RunAll(context.Background())
	if err == nil {
		t.Fatal("expected the broken guard to fail its step")
	}
	want := []Status{StatusSkipped, StatusSuccess, StatusSuccess, StatusError}
	if got := e.Statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if slices.Contains(r.ran, "Install-WindowsFeature Web-Server") {
		t.Error("guarded step ran")
	}
	if last, _ := e.Last(0); last.Note != NoteWhenFalse {
		t.Errorf("note = %q", last.Note)
	}
}

func TestTransportFailureOnCheck(t *testing.T) {
	r := &scriptRunner{down: true}
	e := newTestEngine(t, set(
		schema.Step{ID: "install", Command: "apt-get install -y nginx", CheckCommand: "dpkg -s nginx"},
	), r)
	status, err := e.RunStep(context.Background(), 0)
	if status != StatusError || !executor.IsTransport(err) {
		t.Fatalf("RunStep = %s, %v", status, err)
	}
	if len(r.ran) != 1 {
		t.Errorf("ran %q: command must not run when the host is unreachable", r.ran)
	}
}

func TestCheckErrorWithoutExitCode(t *testing.T) {
	for name, checkErr := range map[string]error{
		"denied":   governance.ErrDenied,
		"canceled": context.Canceled,
	} {
		t.Run(name, func(t *testing.T) {
			var ran []string
			r := executor.RunnerFunc(func(_ context.Context, cmd string) (*executor.Result, error) {
				ran = append(ran, cmd)
				if cmd == "dpkg -s nginx" {
					return nil, checkErr
				}
				zero := 0
				return &executor.Result{Command: cmd, ExitCode: &zero}, nil
			})
			e := newTestEngine(t, set(
				schema.Step{ID: "install", Command: "apt-get install -y nginx", CheckCommand: "dpkg -s nginx"},
			), r)
			status, err := e.RunStep(context.Background(), 0)
			if status != StatusError || !errors.Is(err, checkErr) {
				t.Fatalf("RunStep = %s, %v", status, err)
			}
			if !slices.Equal(ran, []string{"dpkg -s nginx"}) {
				t.Errorf("ran %q: command must not run when the check could not be evaluated", ran)
			}
		})
	}
}

func TestDynamicVariables(t *testing.T) {
	r := &scriptRunner{out: map[string]string{"nproc": "4\n"}}
	e := newTestEngine(t, set(
		schema.Step{ID: "build", Command: "make -j{{os.cpuCores}} {{missing}}"},
	), r)
	if _, err := e.RunStep(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if r.ran[1] != "make -j4 {{missing}}" {
		t.Errorf("command = %q", r.ran[1])
	}
}

func TestUninstallAllReverse(t *testing.T) {
	r := &scriptRunner{codes: map[string]int{"ufw delete allow 8080/tcp": 1}}
	e := newTestEngine(t, set(
		schema.Step{ID: "install", Command: "apt-get install -y nginx", UninstallCommand: "apt-get remove -y {{pkg}}"},
		schema.Step{ID: "config", Command: "cp app.conf /etc/nginx/"},
		schema.Step{ID: "open", Command: "ufw allow 8080/tcp", UninstallCommand: "ufw delete allow {{app.port}}/tcp"},
	), r)
	ctx := context.Background()
	if err := e.RunAll(ctx); err != nil {
		t.Fatal(err)
	}
	r.ran = nil

	results, err := e.UninstallAll(ctx)
	if err == nil || !strings.Contains(err.Error(), `uninstall "open"`) {
		t.Errorf("err = %v", err)
	}
	if !slices.Equal(r.ran, []string{"ufw delete allow 8080/tcp", "apt-get remove -y nginx"}) {
		t.Errorf("ran %q", r.ran)
	}
	var ids []string
	for _, ur := range results {
		ids = append(ids, ur.StepID)
	}
	if !slices.Equal(ids, []string{"open", "config", "install"}) {
		t.Errorf("result order = %v", ids)
	}
	if results[1].Ran || !results[0].Ran || results[0].Error == "" || results[2].Error != "" {
		t.Errorf("results = %+v", results)
	}
	want := []Status{StatusPending, StatusSuccess, StatusSuccess}
	if got := e.Statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestGovernance(t *testing.T) {
	r := &scriptRunner{out: map[string]string{"mysql -e status --password=s3cret": "Uptime: 5 password=s3cret\n"}}
	cs := set(
		schema.Step{ID: "status", Command: "mysql -e status --password=s3cret"},
		schema.Step{ID: "wipe", Command: "mkfs.ext4 /dev/sdb"},
	)
	cs.Meta.Governance = &schema.GovernancePolicy{
		DeniedCommands: []string{"mkfs.ext4"},
		Redact:         []schema.RedactionRule{{Pattern: `password=\S+`, Replace: "password=***"}},
	}
	sink := &audit.Memory{}
	e, err := NewEngine(cs, r, Options{ServerID: "db1", Audit: sink})
	if err != nil {
		t.Fatal(err)
	}
	err = e.RunAll(context.Background())
	if !errors.Is(err, governance.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if slices.Contains(r.ran, "mkfs.ext4 /dev/sdb") {
		t.Error("denied command ran")
	}
	last, _ := e.Last(0)
	if strings.Contains(last.Command+last.Stdout, "s3cret") {
		t.Errorf("secret not redacted: %+v", last)
	}
	entries := sink.Entries()
	if len(entries) != 2 || entries[0].Kind != audit.KindStepResult || entries[0].ServerID != "db1" {
		t.Fatalf("audit = %+v", entries)
	}
	if strings.Contains(entries[0].Command+entries[0].Content, "s3cret") {
		t.Errorf("audit entry not redacted: %+v", entries[0])
	}
}

func TestPersistAndResume(t *testing.T) {
	dir := t.TempDir()
	r := &scriptRunner{codes: map[string]int{"make": 1}}
	cs := set(
		schema.Step{ID: "fetch", Command: "git pull"},
		schema.Step{ID: "build", Command: "make"},
	)
	e, err := NewEngine(cs, r, Options{StateDir: dir, ServerID: "web1"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunAll(context.Background())
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	runDir := filepath.Join(dir, e.RunID())
	manifest, err := os.ReadFile(filepath.Join(runDir, "run.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"command_set: test", "target: web1", "error: 1", "status: error"} {
		if !strings.Contains(string(manifest), want) {
			t.Errorf("run.yaml missing %q:\n%s", want, manifest)
		}
	}
	events, err := ReadTrace(filepath.Join(runDir, "trace.jsonl"))
	if err != nil || len(events) != 2 {
		t.Fatalf("trace = %d events, %v", len(events), err)
	}

	r.codes = nil
	resumed, err := ResumeEngine(cs, r, e.RunID(), Options{StateDir: dir})
	if err != nil {
		t.Fatalf("ResumeEngine: %v", err)
	}
	if i, _ := resumed.Next(); i != 1 {
		t.Errorf("Next after resume = %d", i)
	}
	if err := resumed.RunAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	resumed.Close()
	if n := strings.Count(strings.Join(r.ran, "\n"), "git pull"); n != 1 {
		t.Errorf("resume re-ran a finished step")
	}
	snaps, _ := os.ReadDir(filepath.Join(runDir, "snapshots"))
	if len(snaps) != 3 {
		t.Errorf("snapshots = %d, want 3", len(snaps))
	}

	changed := set(schema.Step{ID: "fetch", Command: "git pull"}, schema.Step{ID: "test", Command: "make test"})
	if _, err := ResumeEngine(changed, r, e.RunID(), Options{StateDir: dir}); !errors.Is(err, ErrSetChanged) {
		t.Errorf("err = %v, want ErrSetChanged", err)
	}
}

// TestNginxReplay drives the sample command set through the executor and a
// recorded scenario, including the swap reservation on the install step.
func TestNginxReplay(t *testing.T) {
	cs, err := schema.LoadFile("../../testdata/valid/nginx.yaml")
	if err != nil {
		t.Fatal(err)
	}
	sc, err := replay.LoadScenario("../../testdata/replay-nginx.yaml")
	if err != nil {
		t.Fatal(err)
	}
	d := replay.NewDialer(sc)
	host := &target.Target{Name: "web1", Host: "10.0.0.5", Username: "root", Credential: target.Credential{Password: "pw"}}
	e, err := NewEngine(cs, executor.Bind(executor.New(d, nil), host), Options{ServerID: "web1", Mode: "replay"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	for i, s := range e.Statuses() {
		if s != StatusSuccess {
			t.Errorf("step %s = %s", cs.Steps[i].ID, s)
		}
	}
	if left := d.Unused(); len(left) != 0 {
		t.Errorf("unused scenario commands: %+v", left)
	}
	var wrapped bool
	for _, c := range d.Executed() {
		if strings.Contains(c, "fallocate -l 512M") && strings.Contains(c, "apt-get install -y nginx") {
			wrapped = true
		}
	}
	if !wrapped {
		t.Errorf("install step was not wrapped in a reservation: %q", d.Executed())
	}
}
