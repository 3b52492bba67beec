package governance

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ormasoftchile/servo/pkg/schema"
)

// TestAllowlistAcceptsAllowedCommand verifies allowed commands pass.
func TestAllowlistAcceptsAllowedCommand(t *testing.T) {
	g := &Engine{AllowedCommands: []string{"systemctl", "df", "free"}}
	if err := g.CheckCommand("systemctl status nginx"); err != nil {
		t.Errorf("expected allowed, got: %v", err)
	}
}

// TestAllowlistRejectsUnlistedCommand verifies non-allowed commands are blocked.
func TestAllowlistRejectsUnlistedCommand(t *testing.T) {
	g := &Engine{AllowedCommands: []string{"df"}}
	err := g.CheckCommand("df -h && rm -rf /tmp/x")
	if !errors.Is(err, ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}

// TestDenylistBlocksCommand verifies denied commands are blocked anywhere in
// a pipeline.
func TestDenylistBlocksCommand(t *testing.T) {
	g := &Engine{DeniedCommands: []string{"rm", "dd", "mkfs"}}
	for _, line := range []string{
		"rm -rf /",
		"echo hi; rm x",
		"cat f | sudo dd of=/dev/sda",
		"FOO=1 /bin/rm x",
		"(mkfs.ext4 /dev/sdb || mkfs /dev/sdb)",
	} {
		if err := g.CheckCommand(line); !errors.Is(err, ErrDenied) {
			t.Errorf("CheckCommand(%q) = %v, want ErrDenied", line, err)
		}
	}
	if err := g.CheckCommand("ls -la"); err != nil {
		t.Errorf("ls should pass: %v", err)
	}
}

// TestCombinedAllowDenyMode verifies deny takes precedence.
func TestCombinedAllowDenyMode(t *testing.T) {
	g := &Engine{
		AllowedCommands: []string{"apt-get", "curl"},
		DeniedCommands:  []string{"curl"},
	}
	if err := g.CheckCommand("apt-get install -y nginx"); err != nil {
		t.Errorf("apt-get should pass: %v", err)
	}
	if err := g.CheckCommand("curl x"); err == nil {
		t.Error("curl should be denied (deny takes precedence)")
	}
}

// TestNoGovernanceAllowsAll verifies that empty and nil engines permit everything.
func TestNoGovernanceAllowsAll(t *testing.T) {
	var nilEngine *Engine
	for _, g := range []*Engine{{}, nilEngine} {
		if err := g.CheckCommand("anything"); err != nil {
			t.Errorf("empty governance should allow all: %v", err)
		}
		if got := g.Redact("secret"); got != "secret" {
			t.Errorf("Redact = %q", got)
		}
	}
}

func TestPrograms(t *testing.T) {
	got := Programs("cd /opt && sudo ./bin/start; X=1 env | grep PATH\npwd")
	want := []string{"cd", "start", "env", "grep", "pwd"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Programs() = %v, want %v", got, want)
	}
}

func TestNewEngineRedaction(t *testing.T) {
	g, err := NewEngine(&schema.GovernancePolicy{
		Redact: []schema.RedactionRule{
			{Pattern: `password=\S+`, Replace: "password=[REDACTED]"},
			{Pattern: `\b\d{1,3}(\.\d{1,3}){3}\b`, Replace: "[IP]"},
		},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	got := g.Redact("login password=abc from 10.1.2.3")
	if got != "login password=[REDACTED] from [IP]" {
		t.Errorf("Redact = %q", got)
	}

	if _, err := NewEngine(&schema.GovernancePolicy{Redact: []schema.RedactionRule{{Pattern: "("}}}); err == nil {
		t.Error("expected compile error")
	}
}

func TestMerge(t *testing.T) {
	a := &Engine{DeniedCommands: []string{"rm"}}
	b := &Engine{DeniedCommands: []string{"dd"}}
	m := a.Merge(b)
	if m.CheckCommand("rm x") == nil || m.CheckCommand("dd x") == nil {
		t.Error("merged engine must deny both")
	}
	var nilEngine *Engine
	if nilEngine.Merge(b) != b || a.Merge(nil) != a {
		t.Error("merge with nil returns the other engine")
	}
}
