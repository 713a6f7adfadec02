// Package envexpand implements the ${NAME} / ${NAME:default} recursive
// environment-variable expansion: every string value
// nested anywhere in a config document's objects and arrays is expanded
// before the document is unmarshaled into typed structs.
package envexpand

import (
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OSLookup resolves a variable against the process environment.
func OSLookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Lookup resolves a variable name to a value, following the same contract as
// os.LookupEnv. OSLookup is used in production; tests
// substitute a map-backed one.
type Lookup func(name string) (string, bool)

// ExpandString expands every `${NAME}` and `${NAME:default}` reference in s
// using lookup. `${NAME}` becomes `""` when NAME is unset; `${NAME:default}`
// becomes `default` when NAME is unset. Expansion is not recursive on the
// substituted value — a default or env value that itself contains `${...}`
// is inserted verbatim: expansion never injects `${...}` that was not
// present in the input.
func ExpandString(s string, lookup Lookup) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start == -1 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			out.WriteString(s[start:])
			break
		}
		end += start

		ref := s[start+2 : end]
		name, def, hasDefault := strings.Cut(ref, ":")
		value, ok := lookup(name)
		switch {
		case ok:
			out.WriteString(value)
		case hasDefault:
			out.WriteString(def)
		}
		i = end + 1
	}
	return out.String()
}

// walk recursively expands every string found in v (a generic
// JSON/YAML-decoded tree of map[string]any, []any, and scalars).
func walk(v any, lookup Lookup) any {
	switch t := v.(type) {
	case string:
		return ExpandString(t, lookup)
	case map[string]any:
		for k, child := range t {
			t[k] = walk(child, lookup)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = walk(child, lookup)
		}
		return t
	default:
		return v
	}
}

// ExpandJSON decodes raw as generic JSON, expands every string value with
// OSLookup, and re-encodes it. Callers then unmarshal the result into their
// concrete config structs.
func ExpandJSON(raw []byte) ([]byte, error) {
	return ExpandJSONWith(raw, OSLookup)
}

// ExpandJSONWith is ExpandJSON with an injectable lookup, for tests.
func ExpandJSONWith(raw []byte, lookup Lookup) ([]byte, error) {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	expanded := walk(tree, lookup)
	return json.Marshal(expanded)
}

// ExpandJSONOrYAML decodes raw as either JSON or YAML (trying JSON first),
// expands every string value, and re-encodes as JSON — the common shape
// both config.LoadServerSet and config.LoadBridgeConfig need, since both
// formats decode to the same generic map[string]any/[]any tree.
func ExpandJSONOrYAML(raw []byte) ([]byte, error) {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		if yamlErr := yaml.Unmarshal(raw, &tree); yamlErr != nil {
			return nil, yamlErr
		}
		tree = normalizeYAML(tree)
	}
	expanded := walk(tree, OSLookup)
	return json.Marshal(expanded)
}

// normalizeYAML converts the map[string]interface{} (actually
// map[string]any via yaml.v3, which unlike v2 already uses string keys) tree
// yaml.v3 produces into the same shape json.Unmarshal would have produced,
// so walk can treat both uniformly.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeYAML(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = normalizeYAML(child)
		}
		return t
	default:
		return v
	}
}
