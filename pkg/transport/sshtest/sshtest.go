// Package sshtest runs an in-process SSH server for tests, in the manner of
// net/http/httptest. Commands are answered by a Handler; ShellHandler runs
// them through the local /bin/sh.
package sshtest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/ormasoftchile/servo/pkg/target"
)

// Test credentials accepted by every Server.
const (
	User     = "operator"
	Password = "hunter2"
)

// Handler answers one exec request.
type Handler func(command string) (stdout, stderr string, exitCode int)

// Server is a running SSH server on 127.0.0.1.
type Server struct {
	Addr string
	// PrivateKeyPEM is an OpenSSH-format key the server accepts.
	PrivateKeyPEM string

	srv *gliderssh.Server
	ln  net.Listener

	mu       sync.Mutex
	commands []string
	conns    int
}

// Start launches a server answering with h. It is closed by t.Cleanup.
func Start(t testing.TB, h Handler) *Server {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	allowed, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{Addr: ln.Addr().String(), PrivateKeyPEM: string(pem.EncodeToMemory(block)), ln: ln}
	s.srv = &gliderssh.Server{
		Handler: func(sess gliderssh.Session) {
			cmd := sess.RawCommand()
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
			stdout, stderr, code := h(cmd)
			_, _ = io.WriteString(sess, stdout)
			_, _ = io.WriteString(sess.Stderr(), stderr)
			_ = sess.Exit(code)
		},
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return ctx.User() == User && password == Password
		},
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return ctx.User() == User && gliderssh.KeysEqual(key, allowed)
		},
		ConnCallback: func(ctx gliderssh.Context, conn net.Conn) net.Conn {
			s.mu.Lock()
			s.conns++
			s.mu.Unlock()
			return conn
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	t.Cleanup(func() { _ = s.srv.Close() })
	return s
}

// Target returns a password target pointing at the server.
func (s *Server) Target() *target.Target {
	host, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.Atoi(port)
	return &target.Target{
		Name:       "sshtest",
		Host:       host,
		Port:       p,
		Username:   User,
		Credential: target.Credential{Password: Password},
	}
}

// Commands returns every command the server received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections returns the number of accepted TCP connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Close stops the server; further dials fail.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Static answers every command with the same output.
func Static(stdout, stderr string, exitCode int) Handler {
	return func(string) (string, string, int) { return stdout, stderr, exitCode }
}

// ShellHandler runs each command with sh -c on the local machine, starting
// in dir.
func ShellHandler(dir string) Handler {
	return func(command string) (string, string, int) {
		cmd := exec.CommandContext(context.Background(), "sh", "-c", command)
		cmd.Dir = dir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			return "", err.Error(), 127
		}
		return stdout.String(), stderr.String(), code
	}
}
