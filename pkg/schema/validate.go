package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].command")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidateFile performs the full 3-phase validation pipeline on a file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*CommandSet, []*ValidationError) {
	cs, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return cs, Validate(cs)
}

// Validate runs the semantic and domain phases on a parsed command set.
func Validate(cs *CommandSet) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(cs)...)
	all = append(all, ValidateDomain(cs)...)
	if len(all) == 0 {
		return nil
	}
	return all
}

func semanticErr(format string, a ...any) []*ValidationError {
	return []*ValidationError{{
		Phase:    "semantic",
		Message:  fmt.Sprintf(format, a...),
		Severity: "error",
	}}
}

// validateSemantic validates the command set against the JSON Schema.
func validateSemantic(cs *CommandSet) []*ValidationError {
	data, err := json.Marshal(cs)
	if err != nil {
		return semanticErr("marshal for schema validation: %v", err)
	}
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticErr("generate schema: %v", err)
	}
	schemaDoc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return semanticErr("unmarshal schema: %v", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("command-set-v1.json", schemaDoc); err != nil {
		return semanticErr("add schema resource: %v", err)
	}
	sch, err := c.Compile("command-set-v1.json")
	if err != nil {
		return semanticErr("compile schema: %v", err)
	}

	doc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return semanticErr("unmarshal document: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semanticErr("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

var varNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(cs *CommandSet) []*ValidationError {
	var errs []*ValidationError
	add := func(path, severity, format string, a ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, a...),
			Severity: severity,
		})
	}

	if cs.APIVersion != APIVersion {
		add("apiVersion", "error", "unrecognized apiVersion %q, expected %q", cs.APIVersion, APIVersion)
	}
	if strings.TrimSpace(cs.Meta.Name) == "" {
		add("meta.name", "error", "name is required")
	}
	switch cs.Meta.Capability {
	case "", "linux", "windows":
	default:
		add("meta.capability", "error", "unknown capability %q, expected linux or windows", cs.Meta.Capability)
	}
	for k := range cs.Meta.Vars {
		if !varNameRe.MatchString(k) {
			add("meta.vars."+k, "error", "variable name %q is not a dotted identifier", k)
		}
	}
	if len(cs.Steps) == 0 {
		add("steps", "error", "at least one step is required")
	}

	ids := make(map[string]int)
	orders := make(map[int]string)
	for i, s := range cs.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			add(path+".id", "error", "step id is required")
		} else if prev, dup := ids[s.ID]; dup {
			add(path+".id", "error", "duplicate step ID %q (first at steps[%d])", s.ID, prev)
		} else {
			ids[s.ID] = i
		}
		if other, dup := orders[s.Order]; dup {
			add(path+".order", "error", "order %d is shared with step %q", s.Order, other)
		} else {
			orders[s.Order] = s.ID
		}
		if strings.TrimSpace(s.Command) == "" {
			add(path+".command", "error", "command is required")
		}
		if s.When != "" {
			if _, err := expr.Compile(s.When, expr.AsBool()); err != nil {
				add(path+".when", "error", "invalid when expression: %v", err)
			}
		}
		if s.ReserveMemoryMB > 0 && cs.Meta.Capability == "windows" {
			add(path+".reserve_memory_mb", "error", "memory reservation is only supported on linux")
		}
		if s.Repeatable && s.CheckCommand != "" {
			add(path, "warning", "repeatable step has a check_command; reruns short-circuit while it passes")
		}
	}
	return errs
}
