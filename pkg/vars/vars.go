// Package vars expands {{key}} placeholders in command templates. Static
// values supplied by the caller win; remaining keys are looked up in the
// target capability's resolver table, each of which runs one small command
// on the host. Keys nobody can resolve are left in place verbatim.
package vars

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ormasoftchile/servo/pkg/executor"
)

// keyRe matches {{key}} with optional blanks inside the braces. Group 1 is
// the dotted key.
var keyRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Keys returns the unique keys referenced by tmpl in first-occurrence order.
func Keys(tmpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range keyRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// Unresolved lists the keys still present in an expanded string.
func Unresolved(s string) []string {
	return Keys(s)
}

// Resolver expands templates for one target.
type Resolver struct {
	// Static values; scalars are rendered with fmt.Sprint. Nil entries are
	// treated as absent.
	Static map[string]any
	// Capability selects the dynamic resolver table. Nil means no dynamic
	// keys.
	Capability *Capability
	// Runner executes auxiliary commands. Nil leaves dynamic keys
	// unresolved and makes Resolve pure.
	Runner executor.Runner
	Logger *slog.Logger
}

// Resolve expands tmpl. Each key is resolved at most once.
func (r *Resolver) Resolve(ctx context.Context, tmpl string) string {
	return r.ResolveMany(ctx, tmpl)[0]
}

// ResolveMany expands several templates sharing one set of resolved values,
// so a key used in more than one of them (a random port, say) gets the same
// value everywhere.
func (r *Resolver) ResolveMany(ctx context.Context, tmpls ...string) []string {
	values := make(map[string]string)
	tried := make(map[string]bool)
	out := make([]string, len(tmpls))
	for i, tmpl := range tmpls {
		for _, key := range Keys(tmpl) {
			if tried[key] {
				continue
			}
			tried[key] = true
			if v, ok := r.lookup(ctx, key); ok {
				values[key] = v
			}
		}
		out[i] = keyRe.ReplaceAllStringFunc(tmpl, func(m string) string {
			key := keyRe.FindStringSubmatch(m)[1]
			if v, ok := values[key]; ok {
				return v
			}
			return m
		})
	}
	return out
}

func (r *Resolver) lookup(ctx context.Context, key string) (string, bool) {
	if v, ok := r.Static[key]; ok && v != nil {
		return fmt.Sprint(v), true
	}
	if r.Capability == nil || r.Runner == nil {
		return "", false
	}
	dyn, ok := r.Capability.resolvers[key]
	if !ok {
		return "", false
	}
	res, err := r.Runner.Run(ctx, dyn.Command)
	if err != nil {
		r.logger().Warn("dynamic variable unresolved", "key", key, "error", err)
		return "", false
	}
	v, ok := dyn.value(strings.TrimSpace(res.Stdout))
	if !ok {
		r.logger().Warn("dynamic variable unresolved", "key", key, "output", res.Stdout)
	}
	return v, ok
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// Resolve is shorthand for a one-off Resolver.
func Resolve(ctx context.Context, tmpl string, static map[string]any, c *Capability, runner executor.Runner) string {
	r := &Resolver{Static: static, Capability: c, Runner: runner}
	return r.Resolve(ctx, tmpl)
}

// StringMap converts string vars into the Static form.
func StringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
