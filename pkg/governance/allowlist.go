// Package governance implements the command allowlist/denylist and output
// redaction applied to everything the engine runs or records.
package governance

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ormasoftchile/servo/pkg/schema"
)

// ErrDenied is wrapped by every policy rejection.
var ErrDenied = errors.New("denied by governance policy")

// Engine evaluates a governance policy. The zero value and a nil *Engine
// permit everything and redact nothing.
type Engine struct {
	AllowedCommands []string
	DeniedCommands  []string
	redactions      []*CompiledRedaction
}

// NewEngine creates an Engine from a policy. If policy is nil, returns a
// permissive engine.
func NewEngine(policy *schema.GovernancePolicy) (*Engine, error) {
	if policy == nil {
		return &Engine{}, nil
	}
	rules, err := CompileRedactionRules(policy.Redact)
	if err != nil {
		return nil, fmt.Errorf("governance redaction: %w", err)
	}
	return &Engine{
		AllowedCommands: policy.AllowedCommands,
		DeniedCommands:  policy.DeniedCommands,
		redactions:      rules,
	}, nil
}

// Merge returns an engine enforcing both g and other: deny lists are joined,
// allow lists are joined, and both sets of redactions apply.
func (g *Engine) Merge(other *Engine) *Engine {
	if g == nil {
		return other
	}
	if other == nil {
		return g
	}
	return &Engine{
		AllowedCommands: append(append([]string(nil), g.AllowedCommands...), other.AllowedCommands...),
		DeniedCommands:  append(append([]string(nil), g.DeniedCommands...), other.DeniedCommands...),
		redactions:      append(append([]*CompiledRedaction(nil), g.redactions...), other.redactions...),
	}
}

// CheckCommand validates the program of every simple command in a shell
// command line against the allowlist/denylist. Deny takes precedence over
// allow.
func (g *Engine) CheckCommand(commandLine string) error {
	if g == nil || (len(g.AllowedCommands) == 0 && len(g.DeniedCommands) == 0) {
		return nil
	}
	for _, prog := range Programs(commandLine) {
		if err := g.checkProgram(prog); err != nil {
			return err
		}
	}
	return nil
}

func (g *Engine) checkProgram(prog string) error {
	for _, denied := range g.DeniedCommands {
		if prog == denied {
			return fmt.Errorf("command %q: %w", prog, ErrDenied)
		}
	}
	if len(g.AllowedCommands) > 0 {
		for _, allowed := range g.AllowedCommands {
			if prog == allowed {
				return nil
			}
		}
		return fmt.Errorf("command %q is not in the allowlist: %w", prog, ErrDenied)
	}
	return nil
}

// Programs returns the program name of each simple command in line, split on
// ; && || | and newlines. Leading VAR=value assignments and sudo are skipped,
// and paths are reduced to their base name.
func Programs(line string) []string {
	var progs []string
	for _, seg := range splitSegments(line) {
		fields := strings.Fields(seg)
		for len(fields) > 0 {
			f := strings.TrimLeft(fields[0], "({!")
			if f == "" || strings.Contains(f, "=") || f == "sudo" || f == "exec" {
				fields = fields[1:]
				continue
			}
			progs = append(progs, path.Base(f))
			break
		}
	}
	return progs
}

func splitSegments(line string) []string {
	r := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n")
	return strings.Split(r.Replace(line), "\n")
}
