package replay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ormasoftchile/servo/pkg/target"
	"github.com/ormasoftchile/servo/pkg/transport"
)

var (
	// ErrNoMatch is returned when no scenario entry answers a command.
	// Replay is fail-closed.
	ErrNoMatch = errors.New("replay: no matching scenario entry")
	// ErrUnreachable is returned by Dial for hosts listed as unreachable.
	ErrUnreachable = errors.New("replay: host unreachable")
	// ErrDropped is returned by Exec for entries marked drop.
	ErrDropped = errors.New("replay: connection dropped")
)

// Dialer implements transport.Dialer over a Scenario. Entries are consumed
// in file order unless marked repeat. Safe for concurrent use.
type Dialer struct {
	mu       sync.Mutex
	scenario *Scenario
	used     []bool
	dials    int
	log      []string
}

// NewDialer creates a Dialer from a loaded scenario.
func NewDialer(s *Scenario) *Dialer {
	if err := s.compile(); err != nil {
		// Scenarios built in code skip ParseScenario; a bad pattern there
		// is a programming error.
		panic(err)
	}
	return &Dialer{scenario: s, used: make([]bool, len(s.Commands))}
}

// Dial returns a replay connection, or ErrUnreachable.
func (d *Dialer) Dial(ctx context.Context, t *target.Target) (transport.Conn, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if slices.Contains(d.scenario.Unreachable, t.Host) {
		return nil, fmt.Errorf("dial %s: %w", t.Address(), ErrUnreachable)
	}
	return &conn{d: d, host: t.Host}, nil
}

// Dials reports how many connections were opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Executed returns every command seen, in order.
func (d *Dialer) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// Unused returns the non-repeat entries that were never consumed.
func (d *Dialer) Unused() []ScenarioCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ScenarioCommand
	for i, c := range d.scenario.Commands {
		if !d.used[i] && !c.Repeat {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dialer) answer(host, command string) (*transport.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, command)
	for i := range d.scenario.Commands {
		sc := &d.scenario.Commands[i]
		if d.used[i] && !sc.Repeat {
			continue
		}
		if !sc.matches(host, command) {
			continue
		}
		d.used[i] = true
		if sc.Drop {
			return nil, ErrDropped
		}
		return &transport.Output{
			Stdout:   []byte(sc.Stdout),
			Stderr:   []byte(sc.Stderr),
			ExitCode: sc.ExitCode,
		}, nil
	}
	return nil, fmt.Errorf("%w for command: %s", ErrNoMatch, command)
}

type conn struct {
	d      *Dialer
	host   string
	closed bool
}

func (c *conn) Exec(ctx context.Context, command string) (*transport.Output, error) {
	if c.closed {
		return nil, transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.d.answer(c.host, command)
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}
