package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ormasoftchile/servo/pkg/target"
)

// DefaultDialTimeout bounds the TCP connect plus SSH handshake.
const DefaultDialTimeout = 15 * time.Second

// ErrNoHostKeyPolicy is returned when the dialer has no way to verify the
// server's host key and insecure mode was not requested.
var ErrNoHostKeyPolicy = errors.New("no host key policy: set known_hosts or insecure_ignore_host_key")

// SSHDialer dials targets with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// Timeout bounds connect and handshake. Zero means DefaultDialTimeout.
	Timeout time.Duration
	// KnownHostsFile, when set, verifies host keys through knownhosts.
	KnownHostsFile string
	// HostKeyCallback overrides KnownHostsFile.
	HostKeyCallback ssh.HostKeyCallback
	// InsecureIgnoreHostKey accepts any host key. Used when neither of the
	// above is configured.
	InsecureIgnoreHostKey bool
	Logger                *slog.Logger
}

// Dial authenticates to t and returns a connection ready for Exec.
func (d *SSHDialer) Dial(ctx context.Context, t *target.Target) (Conn, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cfg, err := d.clientConfig(t)
	if err != nil {
		return nil, err
	}

	addr := t.Address()
	nd := net.Dialer{Timeout: cfg.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	// The handshake itself does not observe ctx; bound it with a deadline.
	deadline := time.Now().Add(cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = nc.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", t, err)
	}
	_ = nc.SetDeadline(time.Time{})

	d.logger().Debug("ssh connected", "target", t.String())
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (d *SSHDialer) clientConfig(t *target.Target) (*ssh.ClientConfig, error) {
	auth, err := authMethods(t.Credential)
	if err != nil {
		return nil, err
	}
	hk, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         timeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch {
	case d.HostKeyCallback != nil:
		return d.HostKeyCallback, nil
	case d.KnownHostsFile != "":
		cb, err := knownhosts.New(target.ExpandHome(d.KnownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("known hosts %q: %w", d.KnownHostsFile, err)
		}
		return cb, nil
	case d.InsecureIgnoreHostKey:
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, ErrNoHostKeyPolicy
}

func (d *SSHDialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// authMethods turns a credential into ssh auth methods. Key material is
// tried before the password.
func authMethods(c target.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	key := []byte(c.PrivateKey)
	if len(bytes.TrimSpace(key)) == 0 && c.KeyFile != "" {
		b, err := os.ReadFile(target.ExpandHome(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("unable to read private key %q: %w", c.KeyFile, err)
		}
		key = b
	}
	if len(bytes.TrimSpace(key)) > 0 {
		signer, err := parseKey(key, c.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, target.ErrMissingCredential
	}
	return methods, nil
}

func parseKey(pem []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		s, err := ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return s, nil
	}
	s, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key is encrypted and no passphrase was given: %w", err)
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return s, nil
}

type sshConn struct {
	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

// Exec opens one session, runs command and collects both streams.
func (c *sshConn) Exec(ctx context.Context, command string) (*Output, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	case err = <-done:
	}

	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}
	return out, fmt.Errorf("run: %w", err)
}

func (c *sshConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
