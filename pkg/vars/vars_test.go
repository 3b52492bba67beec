package vars

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/schema"
)

// fakeRunner answers auxiliary commands from a map and counts calls.
type fakeRunner struct {
	out   map[string]string
	fail  map[string]error
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, command string) (*executor.Result, error) {
	f.calls = append(f.calls, command)
	if err := f.fail[command]; err != nil {
		return &executor.Result{Command: command}, err
	}
	zero := 0
	return &executor.Result{Command: command, Stdout: f.out[command], ExitCode: &zero}, nil
}

func linuxCmd(t *testing.T, key string) string {
	t.Helper()
	cmd, ok := Linux.Command(key)
	if !ok {
		t.Fatalf("linux table has no %s", key)
	}
	return cmd
}

func TestKeys(t *testing.T) {
	got := Keys("a {{x}} b {{ y.z }} c {{x}} {{ bad-key }} {{os.ramTotal}}")
	want := []string{"x", "y.z", "os.ramTotal"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if Keys("no placeholders") != nil {
		t.Error("expected no keys")
	}
}

func TestResolveStaticWinsOverDynamic(t *testing.T) {
	r := &fakeRunner{out: map[string]string{linuxCmd(t, "os.hostname"): "web-1\n"}}
	got := Resolve(context.Background(), "host={{os.hostname}} port={{ port }}",
		map[string]any{"os.hostname": "override", "port": 8080}, Linux, r)
	if got != "host=override port=8080" {
		t.Errorf("Resolve = %q", got)
	}
	if len(r.calls) != 0 {
		t.Errorf("static keys must not run commands, ran %v", r.calls)
	}
}

func TestResolveDynamicOncePerKey(t *testing.T) {
	r := &fakeRunner{out: map[string]string{
		linuxCmd(t, "os.ramTotal"): "15921\n",
		linuxCmd(t, "os.cpuCores"): "8\n",
	}}
	got := Resolve(context.Background(), "{{os.ramTotal}}MB / {{os.cpuCores}} cores / {{os.ramTotal}}", nil, Linux, r)
	if got != "15921MB / 8 cores / 15921" {
		t.Errorf("Resolve = %q", got)
	}
	if len(r.calls) != 2 {
		t.Errorf("calls = %v, want one per unique key", r.calls)
	}
}

func TestResolveLeavesUnresolvedVerbatim(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{linuxCmd(t, "os.kernel"): errors.New("transport down")}}
	tmpl := "{{ missing }} {{os.kernel}} {{os.notAKey}}"
	got := Resolve(context.Background(), tmpl, nil, Linux, r)
	if got != tmpl {
		t.Errorf("Resolve = %q, want input unchanged", got)
	}
	if u := Unresolved(got); !reflect.DeepEqual(u, []string{"missing", "os.kernel", "os.notAKey"}) {
		t.Errorf("Unresolved = %v", u)
	}
}

func TestResolveEmptyOutputIsUnresolved(t *testing.T) {
	r := &fakeRunner{out: map[string]string{}}
	if got := Resolve(context.Background(), "{{os.hostname}}", nil, Linux, r); got != "{{os.hostname}}" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestResolveWithoutRunnerIsPure(t *testing.T) {
	got := Resolve(context.Background(), "{{a}} {{os.cpuCores}}", map[string]any{"a": true}, Linux, nil)
	if got != "true {{os.cpuCores}}" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestResolveManySharesValues(t *testing.T) {
	orig := randIntN
	randIntN = func(n int) int { return n / 2 }
	defer func() { randIntN = orig }()

	cmd := linuxCmd(t, "os.availableNetworkPort_random")
	r := &fakeRunner{out: map[string]string{cmd: "0.0.0.0:22\n[::]:80\nlisteners-end\n"}}
	res := &Resolver{Capability: Linux, Runner: r}
	out := res.ResolveMany(context.Background(),
		"ss -ltn | grep -q :{{os.availableNetworkPort_random}}",
		"app --port {{os.availableNetworkPort_random}}")
	if len(r.calls) != 1 {
		t.Fatalf("calls = %v", r.calls)
	}
	port := strings.TrimPrefix(out[1], "app --port ")
	if !strings.HasSuffix(out[0], ":"+port) {
		t.Errorf("templates got different ports: %q / %q", out[0], out[1])
	}
}

func TestFreePort(t *testing.T) {
	listeners := "0.0.0.0:22\n127.0.0.53%lo:53\n*:1024\n[::]:1025\n65535\nlisteners-end\n"
	tests := []struct {
		which string
		want  string
	}{
		{"first", "1026"},
		{"last", "65534"},
	}
	for _, tt := range tests {
		got, ok := freePort(tt.which)(listeners)
		if !ok || got != tt.want {
			t.Errorf("freePort(%s) = %q, %v; want %s", tt.which, got, ok, tt.want)
		}
	}

	orig := randIntN
	randIntN = func(int) int { return 0 }
	defer func() { randIntN = orig }()
	if got, _ := freePort("random")(listeners); got != "1026" {
		t.Errorf("random with n=0 = %q, want 1026", got)
	}
}

func TestFreePortNeedsCompleteListing(t *testing.T) {
	for _, out := range []string{"", "\n", "0.0.0.0:22\n", "listeners-end\n0.0.0.0:22\n"} {
		if got, ok := freePort("first")(out); ok {
			t.Errorf("freePort(%q) = %q, want unresolved", out, got)
		}
	}
	if got, ok := freePort("first")("listeners-end\n"); !ok || got != "1024" {
		t.Errorf("empty listing = %q, %v; want 1024", got, ok)
	}
}

func TestPortKeyStaysWhenListingIsEmpty(t *testing.T) {
	for _, c := range []*Capability{Linux, Windows} {
		cmd := mustCmd(c, "os.availableNetworkPort_first")
		r := executor.RunnerFunc(func(_ context.Context, command string) (*executor.Result, error) {
			zero := 0
			return &executor.Result{Command: command, ExitCode: &zero}, nil
		})
		got := Resolve(context.Background(), "app --port {{os.availableNetworkPort_first}}", nil, c, r)
		if got != "app --port {{os.availableNetworkPort_first}}" {
			t.Errorf("%s: %q resolved from empty output to %q", c.Name, cmd, got)
		}
	}
}

func TestCapabilityFor(t *testing.T) {
	if CapabilityFor("Windows") != Windows || CapabilityFor("") != Linux || CapabilityFor("freebsd") != Linux {
		t.Error("CapabilityFor mismatch")
	}
	for _, c := range []*Capability{Linux, Windows} {
		if !reflect.DeepEqual(c.Keys(), Linux.Keys()) {
			t.Errorf("%s table keys differ from linux: %v", c.Name, c.Keys())
		}
	}
	if !strings.HasPrefix(mustCmd(Windows, "os.cpuCores"), "powershell -NoProfile -NonInteractive -Command") {
		t.Error("windows commands must go through powershell")
	}
}

func mustCmd(c *Capability, key string) string {
	cmd, _ := c.Command(key)
	return cmd
}

func TestCheckCommandSet(t *testing.T) {
	cs := &schema.CommandSet{
		Meta: schema.Meta{Name: "web", Vars: map[string]string{"pkg": "nginx"}},
		Steps: []schema.Step{
			{ID: "install", Command: "apt-get install -y {{pkg}} && make -j{{os.cpuCores}}", CheckCommand: "test -f {{conf}}"},
			{ID: "open", Command: "ufw allow {{os.availableNetworkPort_first}}", UninstallCommand: "ufw delete allow {{port}}"},
		},
	}
	got := CheckCommandSet(cs, nil)
	if len(got) != 2 {
		t.Fatalf("got %d findings, want 2: %v", len(got), got)
	}
	if got[0].Path != "steps[0].check_command" || got[1].Path != "steps[1].uninstall_command" {
		t.Errorf("paths = %s, %s", got[0].Path, got[1].Path)
	}
	if got[0].Severity != "warning" || !strings.Contains(got[0].Message, "{{conf}}") {
		t.Errorf("finding = %+v", got[0])
	}
	if n := len(CheckCommandSet(cs, map[string]string{"conf": "/etc/x", "port": "80"})); n != 0 {
		t.Errorf("extra vars not honoured: %d findings", n)
	}
	cs.Meta.Capability = "windows"
	cs.Meta.Vars["conf"] = "x"
	cs.Meta.Vars["port"] = "80"
	if n := len(CheckCommandSet(cs, nil)); n != 0 {
		t.Errorf("windows table should cover os.* keys: %d findings", n)
	}
}
