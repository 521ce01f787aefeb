package cmd

import (
	"fmt"
	"pce/internal/module"
	"strings"
)

// parseParams turns repeated section.key=value flags into run parameters.
// Values stay strings; the module schema coerces them on launch.
func parseParams(flags []string) (module.Params, error) {
	params := module.Params{}
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q: want section.key=value", f)
		}
		section, key, ok := strings.Cut(strings.TrimSpace(name), ".")
		if !ok || section == "" || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want section.key=value", f)
		}
		if params[section] == nil {
			params[section] = map[string]any{}
		}
		params[section][key] = value
	}
	return params, nil
}
