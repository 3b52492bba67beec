// Package recorder captures live command traffic as a replay scenario, so a
// run against a real server can be replayed offline later.
package recorder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/replay"
	"github.com/ormasoftchile/servo/pkg/target"
	"github.com/ormasoftchile/servo/pkg/transport"
)

// Recorder wraps a Dialer and captures every response it sees.
type Recorder struct {
	inner transport.Dialer
	// Governance redaction rules are applied to captured output.
	Governance *governance.Engine

	mu          sync.Mutex
	commands    []replay.ScenarioCommand
	unreachable []string
	secrets     []string // env var names whose values should be redacted
}

// New creates a recording wrapper around an existing dialer.
func New(inner transport.Dialer) *Recorder {
	return &Recorder{inner: inner}
}

// SetSecrets configures secret env var names whose values are redacted in captured output.
func (r *Recorder) SetSecrets(envVars []string) {
	r.secrets = envVars
}

// Dial delegates to the inner dialer. Refused hosts are recorded as
// unreachable.
func (r *Recorder) Dial(ctx context.Context, t *target.Target) (transport.Conn, error) {
	conn, err := r.inner.Dial(ctx, t)
	if err != nil {
		r.mu.Lock()
		r.unreachable = append(r.unreachable, t.Host)
		r.mu.Unlock()
		return nil, err
	}
	return &recordingConn{Conn: conn, r: r, host: t.Host}, nil
}

type recordingConn struct {
	transport.Conn
	r    *Recorder
	host string
}

func (c *recordingConn) Exec(ctx context.Context, command string) (*transport.Output, error) {
	out, err := c.Conn.Exec(ctx, command)
	sc := replay.ScenarioCommand{Command: c.r.redact(command), Host: c.host}
	switch {
	case err != nil:
		sc.Drop = true
	case out != nil:
		sc.Stdout = c.r.redact(string(out.Stdout))
		sc.Stderr = c.r.redact(string(out.Stderr))
		sc.ExitCode = out.ExitCode
	}
	c.r.mu.Lock()
	c.r.commands = append(c.r.commands, sc)
	c.r.mu.Unlock()
	return out, err
}

// Scenario returns what has been captured so far.
func (r *Recorder) Scenario() *replay.Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &replay.Scenario{
		Commands:    append([]replay.ScenarioCommand(nil), r.commands...),
		Unreachable: append([]string(nil), r.unreachable...),
	}
}

// WriteFile saves the captured scenario as YAML.
func (r *Recorder) WriteFile(path string) error {
	data, err := yaml.Marshal(r.Scenario())
	if err != nil {
		return fmt.Errorf("marshal scenario: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}
	return nil
}

// redact replaces secret values with <REDACTED>, then applies the
// governance rules.
func (r *Recorder) redact(s string) string {
	for _, envVar := range r.secrets {
		val := os.Getenv(envVar)
		if val != "" {
			s = strings.ReplaceAll(s, val, "<REDACTED>")
		}
	}
	return r.Governance.Redact(s)
}
