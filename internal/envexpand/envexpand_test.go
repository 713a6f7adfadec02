package envexpand

import (
	"encoding/json"
	"testing"
)

func mapLookup(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestExpandString(t *testing.T) {
	lookup := mapLookup(map[string]string{"GH": "xyz"})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no refs", "plain value", "plain value"},
		{"set var no default", "${GH}", "xyz"},
		{"set var with default ignored", "${GH:fallback}", "xyz"},
		{"unset var no default", "${MISSING}", ""},
		{"unset var with default", "${MISSING:default-abc}", "default-abc"},
		{"multiple refs", "${GH}-${MISSING:def}", "xyz-def"},
		{"unterminated ref left verbatim", "prefix${GH", "prefix${GH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandString(tt.in, lookup); got != tt.want {
				t.Errorf("ExpandString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandString_Idempotent(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	in := "no references here at all"
	if got := ExpandString(in, lookup); got != in {
		t.Errorf("expansion of a ${...}-free string changed it: %q -> %q", in, got)
	}
}

func TestExpandJSONWith_RecursesThroughNestedStructures(t *testing.T) {
	lookup := mapLookup(map[string]string{"TOKEN": "secret-val"})
	input := []byte(`{
		"mcpServers": {
			"svc": {
				"command": "run",
				"env": {"API_TOKEN": "${TOKEN:fallback}", "OTHER": "${MISSING}"},
				"tags": ["${TOKEN}", "static"]
			}
		}
	}`)

	out, err := ExpandJSONWith(input, lookup)
	if err != nil {
		t.Fatalf("ExpandJSONWith() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode expanded JSON: %v", err)
	}
	svc := decoded["mcpServers"].(map[string]any)["svc"].(map[string]any)
	env := svc["env"].(map[string]any)
	if env["API_TOKEN"] != "secret-val" {
		t.Errorf("API_TOKEN = %v, want secret-val", env["API_TOKEN"])
	}
	if env["OTHER"] != "" {
		t.Errorf("OTHER = %v, want empty string", env["OTHER"])
	}
	tags := svc["tags"].([]any)
	if tags[0] != "secret-val" || tags[1] != "static" {
		t.Errorf("tags = %v, want [secret-val static]", tags)
	}
}

func TestExpandJSONOrYAML_AcceptsYAML(t *testing.T) {
	t.Setenv("MCPBRIDGE_TEST_VAR", "from-env")
	input := []byte("mcpServers:\n  svc:\n    command: run\n    env:\n      X: \"${MCPBRIDGE_TEST_VAR}\"\n")

	out, err := ExpandJSONOrYAML(input)
	if err != nil {
		t.Fatalf("ExpandJSONOrYAML() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	env := decoded["mcpServers"].(map[string]any)["svc"].(map[string]any)["env"].(map[string]any)
	if env["X"] != "from-env" {
		t.Errorf("X = %v, want from-env", env["X"])
	}
}
