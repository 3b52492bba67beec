// Package config loads the console configuration: servo.yaml plus an
// optional .env file for secrets.
package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/governance"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/target"
	"github.com/ormasoftchile/servo/pkg/transport"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "servo.yaml"

// Config is the servo.yaml document.
type Config struct {
	// Servers is the path of the servers file (the static registry).
	Servers  string `yaml:"servers"`
	StateDir string `yaml:"state_dir"`

	SSH        SSH                      `yaml:"ssh"`
	Audit      Audit                    `yaml:"audit"`
	Terminal   Terminal                 `yaml:"terminal"`
	Governance *schema.GovernancePolicy `yaml:"governance,omitempty"`
	Log        Log                      `yaml:"log"`
}

// SSH configures the transport.
type SSH struct {
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout"`
	// UseSSHConfig completes server entries from ~/.ssh/config.
	UseSSHConfig bool `yaml:"use_ssh_config"`
}

// Audit selects audit sinks. Both may be set; neither means discard.
type Audit struct {
	JSONL  string `yaml:"jsonl"`
	SQLite string `yaml:"sqlite"`
}

// Terminal configures live terminal sessions.
type Terminal struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Servers:  "servers.yaml",
		StateDir: filepath.Join(".servo", "runs"),
		SSH: SSH{
			KnownHosts:   "~/.ssh/known_hosts",
			Timeout:      transport.DefaultDialTimeout,
			UseSSHConfig: true,
		},
		Terminal: Terminal{IdleTimeout: 15 * time.Minute},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// LoadFile reads a configuration file. A missing file yields Default() when
// the path is the implicit DefaultFile. Relative paths inside the file are
// taken relative to the file's directory.
func LoadFile(path string) (*Config, error) {
	implicit := path == ""
	if implicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		if implicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Load decodes a configuration document over Default() with strict
// unknown-field rejection.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SSH.Timeout < 0 {
		return fmt.Errorf("ssh.timeout must not be negative")
	}
	if c.Terminal.IdleTimeout < 0 {
		return fmt.Errorf("terminal.idle_timeout must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.Servers, &c.StateDir, &c.Audit.JSONL, &c.Audit.SQLite} {
		if *p != "" && !filepath.IsAbs(*p) && !strings.HasPrefix(*p, "~") {
			*p = filepath.Join(dir, *p)
		}
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Logger builds the structured logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Dialer builds the SSH transport.
func (c *Config) Dialer(logger *slog.Logger) *transport.SSHDialer {
	d := &transport.SSHDialer{
		Timeout:               c.SSH.Timeout,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		Logger:                logger,
	}
	if !c.SSH.InsecureIgnoreHostKey && c.SSH.KnownHosts != "" {
		d.KnownHostsFile = target.ExpandHome(c.SSH.KnownHosts)
	}
	return d
}

// Registry loads the servers file.
func (c *Config) Registry() (*target.StaticRegistry, error) {
	var lookup target.Lookup
	if c.SSH.UseSSHConfig {
		lookup = target.UserSSHConfig
	}
	return target.LoadServersFile(target.ExpandHome(c.Servers), lookup)
}

// GovernanceEngine compiles the console-wide policy.
func (c *Config) GovernanceEngine() (*governance.Engine, error) {
	return governance.NewEngine(c.Governance)
}

// OpenAudit opens the configured sinks. The returned close function
// releases them.
func (c *Config) OpenAudit(ctx context.Context) (audit.Sink, func() error, error) {
	var sinks audit.Multi
	var closers []io.Closer
	closeAll := func() error { return closeEach(closers) }
	if c.Audit.JSONL != "" {
		j, err := audit.OpenJSONL(target.ExpandHome(c.Audit.JSONL))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, j)
		closers = append(closers, j)
	}
	if c.Audit.SQLite != "" {
		s, err := audit.OpenSQLite(ctx, target.ExpandHome(c.Audit.SQLite))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s)
	}
	switch len(sinks) {
	case 0:
		return audit.Discard, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

// closeEach closes every closer, collecting all failures.
func closeEach(closers []io.Closer) error {
	var merr *multierror.Error
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// LoadDotEnv reads a .env file and sets any variables that aren't already
// set in the environment. Lines are KEY=VALUE (or KEY="VALUE"). Comments (#)
// and blanks are skipped. A missing file is not an error.
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
	return scanner.Err()
}
