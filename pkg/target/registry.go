package target

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by a Registry for an unknown server id.
var ErrNotFound = errors.New("server not found")

// Registry resolves a server identifier into a Target. The console's real
// registry lives in the document store; this package only needs the lookup.
type Registry interface {
	Lookup(id string) (*Target, error)
}

// ServerEntry is one server in a servers file.
type ServerEntry struct {
	ID     string `yaml:"id"`
	Target `yaml:",inline"`
}

// ServersFile is the on-disk layout of a static registry.
type ServersFile struct {
	Servers []ServerEntry `yaml:"servers"`
}

// StaticRegistry is an in-memory Registry, typically loaded from YAML.
type StaticRegistry struct {
	mu      sync.RWMutex
	servers map[string]Target
	lookup  Lookup
}

// NewStaticRegistry creates an empty registry. When lookup is non-nil,
// entries are completed from ssh_config on every Lookup.
func NewStaticRegistry(lookup Lookup) *StaticRegistry {
	return &StaticRegistry{servers: make(map[string]Target), lookup: lookup}
}

// LoadServersFile reads a servers YAML file into a StaticRegistry.
func LoadServersFile(path string, lookup Lookup) (*StaticRegistry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open servers file: %w", err)
	}
	defer f.Close()
	return LoadServers(f, lookup)
}

// LoadServers parses a servers document with strict unknown-field rejection.
func LoadServers(r io.Reader, lookup Lookup) (*StaticRegistry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sf ServersFile
	if err := dec.Decode(&sf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode servers: %w", err)
	}
	reg := NewStaticRegistry(lookup)
	for i, s := range sf.Servers {
		if s.ID == "" {
			return nil, fmt.Errorf("servers[%d]: missing id", i)
		}
		if _, dup := reg.servers[s.ID]; dup {
			return nil, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		reg.servers[s.ID] = s.Target
	}
	return reg, nil
}

// Add registers or replaces a server.
func (r *StaticRegistry) Add(id string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[id] = t
}

// Lookup returns a copy of the target registered under id.
func (r *StaticRegistry) Lookup(id string) (*Target, error) {
	r.mu.RLock()
	t, ok := r.servers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	if t.Name == "" {
		t.Name = id
	}
	t.Credential = t.Credential.expandEnv()
	if t.Credential.KeyFile != "" {
		t.Credential.KeyFile = ExpandHome(t.Credential.KeyFile)
	}
	ApplySSHConfig(&t, r.lookup)
	return &t, nil
}

// expandEnv substitutes ${VAR} references so secrets can live in the
// environment (or a .env file) instead of the servers file.
func (c Credential) expandEnv() Credential {
	c.Password = os.ExpandEnv(c.Password)
	c.PrivateKey = os.ExpandEnv(c.PrivateKey)
	c.KeyFile = os.ExpandEnv(c.KeyFile)
	c.Passphrase = os.ExpandEnv(c.Passphrase)
	return c
}

// IDs returns the registered server ids in sorted order.
func (r *StaticRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
