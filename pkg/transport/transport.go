// Package transport defines the primitive the execution engine is built on:
// authenticate to a target, run one command, read its output, close.
// Everything stateful (working directory, multi-step progress) is layered
// above this package.
package transport

import (
	"context"
	"errors"

	"github.com/ormasoftchile/servo/pkg/target"
)

// ErrClosed is returned by Exec on a connection that has been closed.
var ErrClosed = errors.New("connection closed")

// Output is what one remote command produced. ExitCode is the remote exit
// status; a command that ran and failed is not a transport error.
type Output struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Conn is an authenticated connection to one target.
type Conn interface {
	// Exec runs command and waits for it. A non-nil error means the command
	// never produced an exit status (session setup failed, the connection
	// dropped, ctx expired); partial output may still be returned.
	Exec(ctx context.Context, command string) (*Output, error)
	Close() error
}

// Dialer opens connections. Implementations: SSHDialer, replay.Dialer.
type Dialer interface {
	Dial(ctx context.Context, t *target.Target) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, t *target.Target) (Conn, error)

// Dial calls f(ctx, t).
func (f DialerFunc) Dial(ctx context.Context, t *target.Target) (Conn, error) {
	return f(ctx, t)
}
