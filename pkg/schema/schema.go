// Package schema defines the Go struct types for command-set YAML documents
// and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// APIVersion is the only accepted command-set apiVersion.
const APIVersion = "servo/v1"

// CommandSet is an ordered list of steps that installs or configures
// something on a server, plus the metadata needed to run it.
type CommandSet struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=servo/v1"`
	Meta       Meta   `yaml:"meta"       json:"meta"       jsonschema:"required"`
	Steps      []Step `yaml:"steps"      json:"steps"      jsonschema:"required,minItems=1"`
}

// Meta contains command-set metadata, static variables and governance.
type Meta struct {
	Name        string            `yaml:"name"                  json:"name"                  jsonschema:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Capability  string            `yaml:"capability,omitempty"  json:"capability,omitempty"  jsonschema:"enum=linux,enum=windows"`
	Vars        map[string]string `yaml:"vars,omitempty"        json:"vars,omitempty"`
	Governance  *GovernancePolicy `yaml:"governance,omitempty"  json:"governance,omitempty"`
}

// GovernancePolicy defines safety rules evaluated before and during execution.
type GovernancePolicy struct {
	AllowedCommands []string        `yaml:"allowed_commands,omitempty" json:"allowed_commands,omitempty"`
	DeniedCommands  []string        `yaml:"denied_commands,omitempty"  json:"denied_commands,omitempty"`
	Redact          []RedactionRule `yaml:"redact,omitempty"           json:"redact,omitempty"`
}

// RedactionRule is a regex pattern-replacement pair for sanitizing output.
type RedactionRule struct {
	Pattern string `yaml:"pattern" json:"pattern" jsonschema:"required"`
	Replace string `yaml:"replace" json:"replace" jsonschema:"required"`
}

// Step is a single unit of a command set.
type Step struct {
	Order       int    `yaml:"order"                 json:"order"                 jsonschema:"required,minimum=0"`
	ID          string `yaml:"id"                    json:"id"                    jsonschema:"required,pattern=^[A-Za-z][A-Za-z0-9_-]*$"`
	Title       string `yaml:"title"                 json:"title"                 jsonschema:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Command     string `yaml:"command"               json:"command"               jsonschema:"required,minLength=1"`
	// CheckCommand, when it exits 0, means the step is already satisfied
	// and Command is not run.
	CheckCommand     string `yaml:"check_command,omitempty"     json:"check_command,omitempty"`
	UninstallCommand string `yaml:"uninstall_command,omitempty" json:"uninstall_command,omitempty"`
	Skippable        bool   `yaml:"skippable,omitempty"         json:"skippable,omitempty"`
	Repeatable       bool   `yaml:"repeatable,omitempty"        json:"repeatable,omitempty"`
	// When is an expr-lang guard over vars; false skips the step.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	// ReserveMemoryMB runs Command with a temporary swap reservation.
	ReserveMemoryMB int `yaml:"reserve_memory_mb,omitempty" json:"reserve_memory_mb,omitempty" jsonschema:"minimum=0"`
}

// LoadFile reads and parses a command-set YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields).
func LoadFile(path string) (*CommandSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open command set: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a command set from an io.Reader with strict unknown-field
// rejection. Steps are returned sorted by Order.
func Load(r io.Reader) (*CommandSet, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cs CommandSet
	if err := dec.Decode(&cs); err != nil {
		return nil, fmt.Errorf("decode command set: %w", err)
	}
	cs.SortSteps()
	return &cs, nil
}

// SortSteps orders steps by Order, keeping document order for ties.
func (cs *CommandSet) SortSteps() {
	sort.SliceStable(cs.Steps, func(i, j int) bool {
		return cs.Steps[i].Order < cs.Steps[j].Order
	})
}

// StepIndex returns the index of the step with the given id, or -1.
func (cs *CommandSet) StepIndex(id string) int {
	for i, s := range cs.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
