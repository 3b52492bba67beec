package terminal

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/target"
)

// RemoteShell emulates a persistent shell over a stateless runner. Every
// command is sent together with a cd into the session's directory, and is
// followed by a sentinel line and the resulting working directory.
type RemoteShell struct {
	Runner executor.Runner
	// OS selects the wrapper dialect: target.OSLinux (POSIX sh) or
	// target.OSWindows (cmd.exe).
	OS string
	// Sentinel generates the per-command marker. Nil means a random token.
	Sentinel func() string
}

func newSentinel() string {
	return "__SERVO_END_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// Compose builds the composite command sent to the host.
func (r *RemoteShell) Compose(cwd, command, sentinel string) string {
	if r.OS == target.OSWindows {
		var b strings.Builder
		if cwd != "~" {
			fmt.Fprintf(&b, "cd /d \"%s\" && ", cwd)
		}
		fmt.Fprintf(&b, "%s & echo %s & cd", command, sentinel)
		return b.String()
	}
	var b strings.Builder
	if cwd != "~" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(cwd))
	}
	fmt.Fprintf(&b, "{ %s\n} 2>&1; echo %s; pwd", command, sentinel)
	return b.String()
}

// Run executes command in cwd and returns the output and the new directory.
// Failures become output text; the cwd is kept.
func (r *RemoteShell) Run(ctx context.Context, cwd, command string) (string, string) {
	sentinel := newSentinel()
	if r.Sentinel != nil {
		sentinel = r.Sentinel()
	}
	res, err := r.Runner.Run(ctx, r.Compose(cwd, command, sentinel))
	if res == nil || res.ExitCode == nil {
		return fmt.Sprintf("error: %v", err), cwd
	}
	return Split(res.Stdout, res.Stderr, sentinel, cwd)
}

// Split separates command output from the trailing working directory at the
// last sentinel occurrence. Without a sentinel, the raw output is returned
// and cwd is unchanged.
func Split(stdout, stderr, sentinel, cwd string) (string, string) {
	stdout = strings.ReplaceAll(stdout, "\r\n", "\n")
	i := strings.LastIndex(stdout, sentinel)
	if i < 0 {
		return joinOutput(stdout, stderr), cwd
	}
	if dir := strings.TrimSpace(stdout[i+len(sentinel):]); dir != "" {
		cwd = dir
	}
	return joinOutput(stdout[:i], stderr), cwd
}

func joinOutput(stdout, stderr string) string {
	out := strings.TrimRight(stdout, "\n")
	if e := strings.TrimRight(stderr, "\r\n"); e != "" {
		if out != "" {
			out += "\n"
		}
		out += e
	}
	return out
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
