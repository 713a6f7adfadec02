package bridgelog

import "testing"

func TestMaskHeaders(t *testing.T) {
	in := map[string]string{
		"Authorization":  "Bearer abc123",
		"X-Api-Key":      "k-1",
		"X-Custom-Token": "tok-value",
		"Content-Type":   "application/json",
	}
	out := MaskHeaders(in)

	if out["Authorization"] != "[MASKED]" {
		t.Errorf("Authorization = %q, want masked", out["Authorization"])
	}
	if out["X-Api-Key"] != "[MASKED]" {
		t.Errorf("X-Api-Key = %q, want masked", out["X-Api-Key"])
	}
	if out["X-Custom-Token"] != "[MASKED]" {
		t.Errorf("X-Custom-Token = %q, want masked (contains \"token\")", out["X-Custom-Token"])
	}
	if out["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q, want untouched", out["Content-Type"])
	}
}

func TestMaskHeaders_DoesNotMutateInput(t *testing.T) {
	in := map[string]string{"Authorization": "secret-value"}
	_ = MaskHeaders(in)
	if in["Authorization"] != "secret-value" {
		t.Error("MaskHeaders mutated its input map")
	}
}
