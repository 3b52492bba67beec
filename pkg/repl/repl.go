// Package repl is the interactive front-end for live terminal sessions.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/servo/pkg/console"
	"github.com/ormasoftchile/servo/pkg/terminal"
)

// Shell drives one terminal session from a line editor.
type Shell struct {
	service   *console.Service
	sessionID string
	user      string
	host      string
	cwd       string
	output    io.Writer
}

// Open starts (or rejoins) the session. An empty serverID gives the mock
// shell.
func Open(ctx context.Context, svc *console.Service, sessionID, serverID string) (*Shell, error) {
	sess, err := svc.InitSession(ctx, sessionID, serverID)
	if err != nil {
		return nil, err
	}
	sh := &Shell{service: svc, sessionID: sessionID, user: "servo", host: "mock", cwd: sess.Cwd, output: os.Stdout}
	if sess.Target != nil {
		sh.user, sh.host = sess.Target.Username, sess.Target.Host
		if sess.Target.Name != "" {
			sh.host = sess.Target.Name
		}
	}
	return sh, nil
}

// SetOutput redirects command output.
func (sh *Shell) SetOutput(w io.Writer) { sh.output = w }

// Prompt renders user@host:cwd$.
func (sh *Shell) Prompt() string {
	return fmt.Sprintf("%s@%s:%s$ ", sh.user, sh.host, sh.cwd)
}

// Handle submits one line. done is true once the session is over, either
// because the user typed exit or because it expired.
func (sh *Shell) Handle(ctx context.Context, line string) (done bool, err error) {
	if strings.TrimSpace(line) == "exit" {
		return true, sh.service.EndSession(ctx, sh.sessionID)
	}
	reply, err := sh.service.SubmitCommand(ctx, sh.sessionID, line)
	if errors.Is(err, terminal.ErrSessionExpired) {
		fmt.Fprintln(sh.output, "session expired")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	sh.cwd = reply.Cwd
	if reply.Output != "" {
		fmt.Fprint(sh.output, reply.Output)
		if !strings.HasSuffix(reply.Output, "\n") {
			fmt.Fprintln(sh.output)
		}
	}
	return false, nil
}

// Run reads lines until exit, EOF or expiry, then ends the session.
func (sh *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.Prompt(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          sh.output,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.Prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return sh.end(ctx)
		}
		if err != nil {
			return err
		}
		done, err := sh.Handle(ctx, line)
		if err != nil {
			fmt.Fprintf(sh.output, "error: %v\n", err)
		}
		if done {
			return nil
		}
	}
}

func (sh *Shell) end(ctx context.Context) error {
	err := sh.service.EndSession(ctx, sh.sessionID)
	if errors.Is(err, terminal.ErrSessionExpired) {
		return nil
	}
	return err
}
