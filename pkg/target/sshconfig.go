package target

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	config "github.com/kevinburke/ssh_config"
)

// Lookup returns the value of an ssh_config key for a host alias, or "".
type Lookup func(alias, key string) string

// UserSSHConfig looks keys up in ~/.ssh/config and /etc/ssh/ssh_config.
func UserSSHConfig(alias, key string) string {
	return config.Get(alias, key)
}

// DecodeSSHConfig parses an ssh_config document and returns a Lookup over it.
func DecodeSSHConfig(r io.Reader) (Lookup, error) {
	cfg, err := config.Decode(r)
	if err != nil {
		return nil, err
	}
	return func(alias, key string) string {
		v, err := cfg.Get(alias, key)
		if err != nil {
			return ""
		}
		return v
	}, nil
}

// ApplySSHConfig fills in HostName, Port, User and IdentityFile from an
// ssh_config source. Values already set on the target win. The ssh_config
// package reports "22" for an unset Port, which is the default anyway.
func ApplySSHConfig(t *Target, lookup Lookup) {
	if t == nil || lookup == nil {
		return
	}
	alias := t.Host
	if h := lookup(alias, "HostName"); h != "" {
		t.Host = h
	}
	if t.Port == 0 {
		if p := lookup(alias, "Port"); p != "" {
			if n, err := strconv.Atoi(p); err == nil && n > 0 && n < 1<<16 {
				t.Port = n
			}
		}
	}
	if t.Username == "" {
		t.Username = lookup(alias, "User")
	}
	if t.Credential.Empty() {
		// config.Get returns the built-in default identity when the alias
		// has none; only take an explicit file.
		if kf := lookup(alias, "IdentityFile"); kf != "" && kf != config.Default("IdentityFile") {
			t.Credential.KeyFile = ExpandHome(kf)
		}
	}
}

// ExpandHome replaces a leading ~ with $HOME. The config package doesn't
// handle ~.
func ExpandHome(path string) string {
	if path == "~" {
		return os.Getenv("HOME")
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(os.Getenv("HOME"), path[2:])
	}
	return path
}
