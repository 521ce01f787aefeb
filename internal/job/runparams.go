package job

import (
	"fmt"
	"os"
	"path/filepath"
	"pce/internal/module"
	"slices"
	"strconv"

	"gopkg.in/ini.v1"
)

// RunParamsFile is where a job's parameters are written in its run directory.
const RunParamsFile = "config/onramp_runparams.ini"

// WriteRunParams writes params as an INI file, one section per group.
func WriteRunParams(path string, params module.Params) error {
	cfg := ini.Empty()
	sections := make([]string, 0, len(params))
	for name := range params {
		sections = append(sections, name)
	}
	slices.Sort(sections)

	for _, name := range sections {
		sec, err := cfg.NewSection(name)
		if err != nil {
			return fmt.Errorf("invalid section %q: %w", name, err)
		}
		values := params[name]
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if _, err := sec.NewKey(k, fmt.Sprint(values[k])); err != nil {
				return fmt.Errorf("invalid key %s.%s: %w", name, k, err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("failed to write run params: %w", err)
	}
	return nil
}

// ReadRunParams loads a run parameter file. With a nil meta values are
// returned as strings; otherwise they are typed against meta's schema, so a
// validated set reads back equal to what was written.
func ReadRunParams(path string, meta *module.Metadata) (module.Params, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run params: %w", err)
	}
	params := make(module.Params)
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		values := make(map[string]any, len(sec.Keys()))
		for _, key := range sec.Keys() {
			values[key.Name()] = key.String()
		}
		params[sec.Name()] = values
	}
	if meta == nil {
		return params, nil
	}
	return meta.ValidateParams(params)
}

// intParam returns params[section][key] as an int, or nil when absent or
// not an integer.
func intParam(params module.Params, section, key string) *int {
	raw, ok := params[section][key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return nil
	}
	return &n
}
