package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads an overrides layer from a YAML (or JSON) file.
func LoadFile(path string) (Overrides, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, Resource("read config", err)
	}
	out := Overrides{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrConfig, path, err)
	}
	return out, nil
}

// ParseAssignments turns "key=value" pairs into an overrides layer.
// Values are decoded as YAML scalars, so "3" is an int, "1e-4" a float
// and "true" a bool.
func ParseAssignments(pairs []string) (Overrides, error) {
	out := Overrides{}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, Errorf("override %q is not key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("%w: override %s: %w", ErrConfig, key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Merge folds layers into one, later layers winning.
func Merge(layers ...Overrides) Overrides {
	out := Overrides{}
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}
