package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/ormasoftchile/servo/pkg/schema"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

// workspace writes servo.yaml and servers.yaml into a temp dir and returns
// the config path.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("servo.yaml", `servers: servers.yaml
state_dir: runs
ssh:
  use_ssh_config: false
audit:
  sqlite: audit.db
log:
  level: error
`)
	write("servers.yaml", `servers:
  - id: web1
    host: 10.0.0.5
    username: deploy
    credential:
      password: pw
`)
	write("uninstall.yaml", `commands:
  - command: systemctl disable --now nginx
  - command: ufw delete allow 8080/tcp
  - command: apt-get remove -y nginx
    exit_code: 100
    stderr: "E: Could not get lock /var/lib/dpkg/lock\n"
`)
	return filepath.Join(dir, "servo.yaml")
}

func TestValidateCommand(t *testing.T) {
	out, _, err := execute(t, "validate", "../../testdata/valid/nginx.yaml")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "nginx is valid (4 steps)") {
		t.Errorf("output = %q", out)
	}

	_, errOut, err := execute(t, "validate", "../../testdata/invalid/duplicate-ids.yaml")
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(errOut, "Validation failed") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestSchemaExport(t *testing.T) {
	out, _, err := execute(t, "schema", "export")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"steps"`) || !strings.Contains(out, `"check_command"`) {
		t.Errorf("schema output missing fields:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "servo dev") {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"pkg=nginx", "app.port=8080", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	if got["pkg"] != "nginx" || got["app.port"] != "8080" || got["empty"] != "" {
		t.Errorf("parseVars = %v", got)
	}
	if _, err := parseVars([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func TestDescribeMarkdown(t *testing.T) {
	cs, err := schema.LoadFile("../../testdata/valid/nginx.yaml")
	if err != nil {
		t.Fatal(err)
	}
	md := describeMarkdown(cs)
	for _, want := range []string{"# nginx", "| `app.port` | `8080` |", "## 2. Install nginx", "reserves 512 MB swap", "Uninstall:", "Runs when `capability == \"linux\"`."} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

// TestReplayRunLifecycle drives run, runs, trace, audit and uninstall
// through replay scenarios.
func TestReplayRunLifecycle(t *testing.T) {
	cfgPath := workspace(t)
	dir := filepath.Dir(cfgPath)

	out, _, err := execute(t, "run", "../../testdata/valid/nginx.yaml",
		"--config", cfgPath, "--server", "web1", "--scenario", "../../testdata/replay-nginx.yaml", "--actor", "ops")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	m := regexp.MustCompile(`Run (\S+): nginx on web1`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no run id in output:\n%s", out)
	}
	runID := m[1]
	if !strings.Contains(out, "4 steps: 4 success, 0 error, 0 skipped, 0 pending") {
		t.Errorf("summary missing:\n%s", out)
	}

	out, _, err = execute(t, "runs", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, runID) || !strings.Contains(out, "replay") {
		t.Errorf("runs output:\n%s", out)
	}

	out, _, err = execute(t, "trace", runID, "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "✓ install success") || !strings.Contains(out, "4 events") {
		t.Errorf("trace output:\n%s", out)
	}

	out, _, err = execute(t, "uninstall", "../../testdata/valid/nginx.yaml",
		"--config", cfgPath, "--server", "web1", "--run", runID, "--scenario", filepath.Join(dir, "uninstall.yaml"))
	if err == nil {
		t.Fatal("expected the failing apt-get remove to surface")
	}
	for _, want := range []string{"✓ start uninstalled", "✓ firewall uninstalled", "✗ install:", "· update: nothing to uninstall"} {
		if !strings.Contains(out, want) {
			t.Errorf("uninstall output missing %q:\n%s", want, out)
		}
	}

	out, _, err = execute(t, "audit", "--config", cfgPath, "--run", runID, "--kind", "uninstall")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "uninstall") < 3 {
		t.Errorf("audit output:\n%s", out)
	}
}

func TestDescribeDiagram(t *testing.T) {
	out, _, err := execute(t, "describe", "../../testdata/valid/nginx.yaml", "--format", "mermaid")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "flowchart TD") || !strings.Contains(out, "install_check") {
		t.Errorf("mermaid output:\n%s", out)
	}
	if _, _, err := execute(t, "describe", "../../testdata/valid/nginx.yaml", "--format", "svg"); err == nil {
		t.Error("expected unsupported format error")
	}
	describeFormat = "markdown"
}
