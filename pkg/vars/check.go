package vars

import (
	"fmt"

	"github.com/ormasoftchile/servo/pkg/schema"
)

// CheckCommandSet reports template keys that neither the command set's vars
// nor its capability can supply. They would be left verbatim at run time, so
// they are warnings unless extra names them.
func CheckCommandSet(cs *schema.CommandSet, extra map[string]string) []*schema.ValidationError {
	c := CapabilityFor(cs.Meta.Capability)
	var out []*schema.ValidationError
	for i, step := range cs.Steps {
		fields := []struct{ name, tmpl string }{
			{"command", step.Command},
			{"check_command", step.CheckCommand},
			{"uninstall_command", step.UninstallCommand},
		}
		for _, f := range fields {
			for _, key := range Keys(f.tmpl) {
				if _, ok := cs.Meta.Vars[key]; ok {
					continue
				}
				if _, ok := extra[key]; ok || c.Has(key) {
					continue
				}
				out = append(out, &schema.ValidationError{
					Phase:    "domain",
					Path:     fmt.Sprintf("steps[%d].%s", i, f.name),
					Message:  fmt.Sprintf("{{%s}} is not a declared var or a %s dynamic variable", key, c.Name),
					Severity: "warning",
				})
			}
		}
	}
	return out
}
