// Package target describes the remote hosts that commands execute against,
// the credentials used to reach them, and the registry that resolves a
// server identifier into a Target.
package target

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when a target does not name one.
const DefaultPort = 22

// Operating system families understood by the variable resolver.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

var (
	// ErrMissingHost is returned when a target has no host.
	ErrMissingHost = errors.New("target has no host")
	// ErrMissingUser is returned when a target has no username.
	ErrMissingUser = errors.New("target has no username")
	// ErrMissingCredential is returned when a target carries no password,
	// private key or key file. It is a caller error: nothing is dialed.
	ErrMissingCredential = errors.New("target has no credential")
)

// Credential holds exactly the secrets needed to authenticate. Any one of
// Password, PrivateKey (PEM) or KeyFile is sufficient.
type Credential struct {
	Password   string `yaml:"password,omitempty"    json:"-"`
	PrivateKey string `yaml:"private_key,omitempty" json:"-"`
	KeyFile    string `yaml:"key_file,omitempty"    json:"key_file,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"  json:"-"`
}

// Empty reports whether no usable secret is present.
func (c Credential) Empty() bool {
	return c.Password == "" && strings.TrimSpace(c.PrivateKey) == "" && c.KeyFile == ""
}

// Target is a remote host plus the credential used to reach it.
// It is passed explicitly into every operation; the engine never reads a
// "currently selected server" from ambient state.
type Target struct {
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	Host       string     `yaml:"host"           json:"host"`
	Port       int        `yaml:"port,omitempty" json:"port,omitempty"`
	Username   string     `yaml:"username"       json:"username"`
	OS         string     `yaml:"os,omitempty"   json:"os,omitempty"`
	Credential Credential `yaml:"credential"     json:"credential"`
}

// Validate checks the preconditions for an executor call.
func (t *Target) Validate() error {
	if t == nil || strings.TrimSpace(t.Host) == "" {
		return ErrMissingHost
	}
	if strings.TrimSpace(t.Username) == "" {
		return fmt.Errorf("%s: %w", t.Host, ErrMissingUser)
	}
	if t.Credential.Empty() {
		return fmt.Errorf("%s@%s: %w", t.Username, t.Host, ErrMissingCredential)
	}
	return nil
}

// Address returns host:port, defaulting the port to 22.
func (t *Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// OSFamily returns the normalized OS family, linux unless set otherwise.
func (t *Target) OSFamily() string {
	if t == nil {
		return OSLinux
	}
	switch strings.ToLower(strings.TrimSpace(t.OS)) {
	case OSWindows, "win", "win32":
		return OSWindows
	default:
		return OSLinux
	}
}

// String renders user@host:port without secrets.
func (t *Target) String() string {
	if t == nil {
		return "<no target>"
	}
	return t.Username + "@" + t.Address()
}
