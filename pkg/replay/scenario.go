// Package replay implements a transport.Dialer that answers commands from
// pre-recorded scenario entries, for deterministic offline runs and tests.
package replay

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Scenario is a replay file: recorded command responses plus the hosts that
// should refuse connections.
type Scenario struct {
	Commands    []ScenarioCommand `yaml:"commands"`
	Unreachable []string          `yaml:"unreachable,omitempty"`
}

// ScenarioCommand is a recorded response. Command matches exactly; Pattern
// is a regular expression for commands carrying generated tokens. Host, when
// set, restricts the entry to one target host.
type ScenarioCommand struct {
	Command  string `yaml:"command,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Stdout   string `yaml:"stdout"`
	Stderr   string `yaml:"stderr"`
	ExitCode int    `yaml:"exit_code"`
	// Repeat lets the entry answer any number of times.
	Repeat bool `yaml:"repeat,omitempty"`
	// Drop simulates the connection failing mid-command.
	Drop bool `yaml:"drop,omitempty"`

	re *regexp.Regexp
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(s.Commands) == 0 && len(s.Unreachable) == 0 {
		return nil, fmt.Errorf("scenario must have at least one command or unreachable host")
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) compile() error {
	for i := range s.Commands {
		c := &s.Commands[i]
		if c.Command == "" && c.Pattern == "" {
			return fmt.Errorf("commands[%d]: command or pattern is required", i)
		}
		if c.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("commands[%d]: pattern: %w", i, err)
		}
		c.re = re
	}
	return nil
}

func (c *ScenarioCommand) matches(host, command string) bool {
	if c.Host != "" && c.Host != host {
		return false
	}
	if c.re != nil {
		return c.re.MatchString(command)
	}
	return c.Command == command
}
