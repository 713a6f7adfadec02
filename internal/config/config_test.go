package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadServerSet_ValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{
		"mcpServers": {
			"echo": {"command": "echo-server", "args": ["--quiet"]},
			"disabled-one": {"command": "x", "enabled": false}
		}
	}`)

	set, skipped, err := LoadServerSet(path)
	if err != nil {
		t.Fatalf("LoadServerSet() error = %v", err)
	}
	if len(set.Servers) != 1 || set.Servers[0].Name != "echo" {
		t.Fatalf("Servers = %+v, want one entry named echo", set.Servers)
	}
	if set.Servers[0].TransportType != "stdio" {
		t.Errorf("TransportType = %q, want stdio (default)", set.Servers[0].TransportType)
	}
	if len(skipped) != 1 || skipped[0].Name != "disabled-one" {
		t.Errorf("skipped = %+v, want one entry for disabled-one", skipped)
	}
}

func TestLoadServerSet_MalformedEntrySkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{
		"mcpServers": {
			"good": {"command": "ok"},
			"bad": {"args": ["no command here"]}
		}
	}`)

	set, skipped, err := LoadServerSet(path)
	if err != nil {
		t.Fatalf("LoadServerSet() error = %v", err)
	}
	if len(set.Servers) != 1 || set.Servers[0].Name != "good" {
		t.Fatalf("Servers = %+v, want one entry named good", set.Servers)
	}
	if len(skipped) != 1 || skipped[0].Name != "bad" {
		t.Errorf("skipped = %+v, want one entry for bad", skipped)
	}
}

func TestLoadServerSet_MalformedTopLevelIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{not json or yaml: [`)

	if _, _, err := LoadServerSet(path); err == nil {
		t.Fatal("expected an error for a malformed top-level document")
	}
}

func TestLoadBridgeConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.json", `{
		"mcpServers": {
			"a": {"command": "a-bin", "priority": 1},
			"b": {"command": "b-bin", "priority": 2}
		},
		"bridge": {"defaultNamespace": true}
	}`)

	cfg, skipped, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("LoadBridgeConfig() error = %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %+v, want none", skipped)
	}
	if cfg.Bridge.ConflictResolution != "namespace" {
		t.Errorf("ConflictResolution = %q, want default namespace", cfg.Bridge.ConflictResolution)
	}
	if cfg.Bridge.Failover.MaxFailures != 3 {
		t.Errorf("Failover.MaxFailures = %d, want default 3", cfg.Bridge.Failover.MaxFailures)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("Servers = %+v, want 2 entries", cfg.Servers)
	}
}

func TestLoadBridgeConfig_YAMLFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", "mcpServers:\n  a:\n    command: a-bin\nbridge:\n  conflictResolution: priority\n")

	cfg, _, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("LoadBridgeConfig() error = %v", err)
	}
	if cfg.Bridge.ConflictResolution != "priority" {
		t.Errorf("ConflictResolution = %q, want priority", cfg.Bridge.ConflictResolution)
	}
}

func TestLoadServerSet_EnvExpansion(t *testing.T) {
	t.Setenv("MCPBRIDGE_TEST_TOKEN", "xyz")
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{
		"mcpServers": {
			"svc": {"command": "svc-bin", "env": {"TOKEN": "${MCPBRIDGE_TEST_TOKEN:default-abc}"}}
		}
	}`)

	set, _, err := LoadServerSet(path)
	if err != nil {
		t.Fatalf("LoadServerSet() error = %v", err)
	}
	if set.Servers[0].Env["TOKEN"] != "xyz" {
		t.Errorf("TOKEN = %q, want xyz", set.Servers[0].Env["TOKEN"])
	}
}
