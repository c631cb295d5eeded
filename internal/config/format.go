package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML and TOML config to JSON bytes so we can re-use
// the strict JSON decoder (DisallowUnknownFields) for every format.
//
// Returns (jsonBytes, format, err) where format is "json", "yaml" or "toml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
		}
		j, err := json.Marshal(normalizeTree(v))
		if err != nil {
			return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
		}
		return j, "yaml", nil
	case ".toml":
		var v map[string]any
		if _, err := toml.Decode(string(data), &v); err != nil {
			return nil, "toml", fmt.Errorf("toml decode: %w", err)
		}
		j, err := json.Marshal(normalizeTree(v))
		if err != nil {
			return nil, "toml", fmt.Errorf("toml->json marshal: %w", err)
		}
		return j, "toml", nil
	default:
		return data, "json", nil
	}
}

// normalizeTree ensures all map keys are strings so the result can be JSON-marshaled.
// TOML tables arrive as []map[string]any, which is flattened to []any.
func normalizeTree(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeTree(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeTree(v)
		}
		return m
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeTree(x[i])
		}
		return out
	case []any:
		for i := range x {
			x[i] = normalizeTree(x[i])
		}
		return x
	default:
		return in
	}
}
