package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"pce/internal/apperrors"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Paths inside a module tree.
const (
	MetadataFile      = "config/module.yaml"
	DeployScript      = "bin/onramp_deploy"
	PreprocessScript  = "bin/onramp_preprocess"
	RunScript         = "bin/onramp_run"
	StatusScript      = "bin/onramp_status"
	PostprocessScript = "bin/onramp_postprocess"

	DefaultResultFile = "output.txt"
)

// Params are run parameters grouped by section, e.g. {"onramp": {"np": 4}}.
type Params map[string]map[string]any

// ParamSpec constrains a single run parameter.
type ParamSpec struct {
	Type     string   `yaml:"type"` // int, float, bool or string
	Required bool     `yaml:"required"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
	Choices  []string `yaml:"choices"`
	Default  any      `yaml:"default"`
}

// Metadata is the optional descriptor a module ships in MetadataFile.
type Metadata struct {
	VisibleFiles []string                        `yaml:"visible_files"`
	ResultFile   string                          `yaml:"result_file"`
	Params       map[string]map[string]ParamSpec `yaml:"params"`
}

// builtinParams apply to every module; the scheduler reads them.
var builtinParams = map[string]map[string]ParamSpec{
	"onramp": {
		"np":    {Type: "int", Min: ptr(1.0)},
		"nodes": {Type: "int", Min: ptr(1.0)},
	},
}

func ptr[T any](v T) *T { return &v }

// LoadMetadata reads MetadataFile from a module tree. A missing file yields
// the defaults.
func LoadMetadata(root string) (*Metadata, error) {
	meta := &Metadata{}
	data, err := os.ReadFile(filepath.Join(root, MetadataFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read module metadata: %w", err)
	default:
		if err := yaml.Unmarshal(data, meta); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", MetadataFile, err)
		}
	}

	if meta.ResultFile == "" {
		meta.ResultFile = DefaultResultFile
	}
	if len(meta.VisibleFiles) == 0 {
		meta.VisibleFiles = []string{meta.ResultFile}
	}
	for section, keys := range builtinParams {
		if meta.Params == nil {
			meta.Params = make(map[string]map[string]ParamSpec)
		}
		if meta.Params[section] == nil {
			meta.Params[section] = make(map[string]ParamSpec)
		}
		for key, spec := range keys {
			if _, ok := meta.Params[section][key]; !ok {
				meta.Params[section][key] = spec
			}
		}
	}
	return meta, nil
}

// ValidateParams checks params against the schema and returns a normalised
// copy with typed values and defaults filled in. Keys without a spec are
// kept as strings, the form they take in the run parameter file.
func (m *Metadata) ValidateParams(params Params) (Params, error) {
	out := make(Params, len(params))
	for section, values := range params {
		out[section] = make(map[string]any, len(values))
		for key, v := range values {
			if _, ok := m.Params[section][key]; ok {
				out[section][key] = v
				continue
			}
			if v == nil {
				v = ""
			}
			out[section][key] = fmt.Sprint(v)
		}
	}

	for _, section := range sortedKeys(m.Params) {
		specs := m.Params[section]
		for _, key := range sortedKeys(specs) {
			spec := specs[key]
			field := "runparams." + section + "." + key
			raw, ok := out[section][key]
			if !ok || raw == nil {
				switch {
				case spec.Default != nil:
					raw = spec.Default
				case spec.Required:
					return nil, invalid(field, "is required")
				default:
					continue
				}
			}
			v, err := spec.coerce(raw)
			if err != nil {
				return nil, invalid(field, err.Error())
			}
			if out[section] == nil {
				out[section] = make(map[string]any)
			}
			out[section][key] = v
		}
	}
	return out, nil
}

func invalid(field, msg string) error {
	return apperrors.InvalidParams(field, apperrors.ReasonRunparamsInvalid, field+" "+msg)
}

func (s ParamSpec) coerce(raw any) (any, error) {
	switch s.Type {
	case "int":
		f, err := toFloat(raw)
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("must be an integer")
		}
		if err := s.checkRange(f); err != nil {
			return nil, err
		}
		return int(f), nil
	case "float":
		f, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("must be a number")
		}
		if err := s.checkRange(f); err != nil {
			return nil, err
		}
		return f, nil
	case "bool":
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("must be a boolean")
			}
			return b, nil
		}
		return nil, fmt.Errorf("must be a boolean")
	case "", "string":
		v := fmt.Sprint(raw)
		if len(s.Choices) > 0 && !slices.Contains(s.Choices, v) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(s.Choices, ", "))
		}
		return v, nil
	default:
		return nil, fmt.Errorf("has unsupported type %q in schema", s.Type)
	}
}

func (s ParamSpec) checkRange(f float64) error {
	if s.Min != nil && f < *s.Min {
		return fmt.Errorf("must be at least %v", *s.Min)
	}
	if s.Max != nil && f > *s.Max {
		return fmt.Errorf("must be at most %v", *s.Max)
	}
	return nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("not a number: %v", raw)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
