// Package config loads and validates the server and bridge descriptors that
// drive mcpbridge: named-server config files, bridge config files, and the
// environment-variable expansion pass applied to both.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kentarosa/mcpbridge/internal/envexpand"
)

// HealthCheckConfig controls a backend's liveness probe loop.
type HealthCheckConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Interval int  `json:"interval" yaml:"interval"` // seconds
	Timeout  int  `json:"timeout" yaml:"timeout"`   // seconds
}

// ServerDescriptor is one backend's full configuration. Command/Args/Env
// apply to stdio backends; URL/Headers apply
// to sse/http backends.
type ServerDescriptor struct {
	Name    string `json:"-" yaml:"-"` // populated from the map key it was loaded under
	Enabled bool   `json:"enabled" yaml:"enabled"`

	Command         string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args            []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	PassEnvironment bool              `json:"passEnvironment,omitempty" yaml:"passEnvironment,omitempty"`
	Timeout         int               `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds, handshake/request default

	TransportType string            `json:"transportType,omitempty" yaml:"transportType,omitempty"` // stdio|sse|http
	URL           string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	RetryAttempts int               `json:"retryAttempts,omitempty" yaml:"retryAttempts,omitempty"`
	RetryDelay    float64           `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"` // seconds
	HealthCheck   HealthCheckConfig `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`

	// RemoteRetryBudget governs the mid-session resilience policy (clear
	// cached session, re-initialize, reissue the in-flight request once) on
	// a TransportReset/session-terminated signal from an sse/http backend.
	// Distinct from RetryAttempts, which only bounds the initial connect loop.
	RemoteRetryBudget int `json:"remoteRetryBudget,omitempty" yaml:"remoteRetryBudget,omitempty"`

	ToolNamespace     string `json:"toolNamespace,omitempty" yaml:"toolNamespace,omitempty"`
	ResourceNamespace string `json:"resourceNamespace,omitempty" yaml:"resourceNamespace,omitempty"`
	PromptNamespace   string `json:"promptNamespace,omitempty" yaml:"promptNamespace,omitempty"`

	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Defaults fills zero-valued fields with their documented defaults.
func (d *ServerDescriptor) Defaults() {
	if d.TransportType == "" {
		d.TransportType = "stdio"
	}
	if d.Timeout == 0 {
		d.Timeout = 60
	}
	if d.RetryAttempts == 0 {
		d.RetryAttempts = 3
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = 0.5
	}
	if d.HealthCheck.Interval == 0 {
		d.HealthCheck.Interval = 30
	}
	if d.HealthCheck.Timeout == 0 {
		d.HealthCheck.Timeout = 5
	}
}

// AggregationConfig toggles which capability kinds the bridge unions.
type AggregationConfig struct {
	Tools     bool `json:"tools" yaml:"tools"`
	Resources bool `json:"resources" yaml:"resources"`
	Prompts   bool `json:"prompts" yaml:"prompts"`
}

// FailoverConfig controls when a backend is marked FAILED and when recovery
// is attempted.
type FailoverConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	MaxFailures      int  `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`
	RecoveryInterval int  `json:"recoveryInterval,omitempty" yaml:"recoveryInterval,omitempty"` // seconds
}

// BridgeDescriptor configures the aggregating bridge.
type BridgeDescriptor struct {
	ConflictResolution string            `json:"conflictResolution,omitempty" yaml:"conflictResolution,omitempty"` // namespace|priority|first|error
	DefaultNamespace   bool              `json:"defaultNamespace" yaml:"defaultNamespace"`
	Aggregation        AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Failover           FailoverConfig    `json:"failover" yaml:"failover"`
}

// Defaults fills zero-valued fields with their documented defaults.
func (b *BridgeDescriptor) Defaults() {
	if b.ConflictResolution == "" {
		b.ConflictResolution = "namespace"
	}
	if b.Failover.MaxFailures == 0 {
		b.Failover.MaxFailures = 3
	}
	if b.Failover.RecoveryInterval == 0 {
		b.Failover.RecoveryInterval = 30
	}
}

// ServerSet is the decoded named-server config file:
// `{ "mcpServers": { "<name>": {...} } }`.
type ServerSet struct {
	Servers []ServerDescriptor
}

// BridgeConfig is the decoded bridge config file: server descriptors plus a
// bridge descriptor.
type BridgeConfig struct {
	Servers []ServerDescriptor
	Bridge  BridgeDescriptor
}

// rawServerEntry is the on-wire shape of one entry under "mcpServers". Using
// a raw struct here lets malformed individual entries be logged and skipped
// rather than failing the whole file.
type rawServerEntry struct {
	Command           string            `json:"command" yaml:"command"`
	Args              []string          `json:"args" yaml:"args"`
	Env               map[string]string `json:"env" yaml:"env"`
	PassEnvironment   bool              `json:"passEnvironment" yaml:"passEnvironment"`
	Enabled           *bool             `json:"enabled" yaml:"enabled"`
	Timeout           int               `json:"timeout" yaml:"timeout"`
	TransportType     string            `json:"transportType" yaml:"transportType"`
	URL               string            `json:"url" yaml:"url"`
	Headers           map[string]string `json:"headers" yaml:"headers"`
	RetryAttempts     int               `json:"retryAttempts" yaml:"retryAttempts"`
	RetryDelay        float64           `json:"retryDelay" yaml:"retryDelay"`
	RemoteRetryBudget int               `json:"remoteRetryBudget" yaml:"remoteRetryBudget"`
	HealthCheck       HealthCheckConfig `json:"healthCheck" yaml:"healthCheck"`
	ToolNamespace     string            `json:"toolNamespace" yaml:"toolNamespace"`
	ResourceNamespace string            `json:"resourceNamespace" yaml:"resourceNamespace"`
	PromptNamespace   string            `json:"promptNamespace" yaml:"promptNamespace"`
	Priority          int               `json:"priority" yaml:"priority"`
	Tags              []string          `json:"tags" yaml:"tags"`
}

type rawServerSetFile struct {
	MCPServers map[string]rawServerEntry `json:"mcpServers" yaml:"mcpServers"`
}

type rawBridgeFile struct {
	MCPServers map[string]rawServerEntry `json:"mcpServers" yaml:"mcpServers"`
	Bridge     BridgeDescriptor          `json:"bridge" yaml:"bridge"`
}

// SkippedEntry records a malformed or disabled server entry that
// LoadServerSet or LoadBridgeConfig chose to skip rather than fail the whole
// file on.
type SkippedEntry struct {
	Name   string
	Reason string
}

// LoadServerSet reads a named-server config file. JSON is tried first; if
// that fails, YAML is tried as a fallback. A malformed top-level document
// returns an error (exit code 1 at
// the CLI layer); malformed or disabled individual entries are skipped and
// reported via the returned []SkippedEntry.
func LoadServerSet(path string) (ServerSet, []SkippedEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServerSet{}, nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded, err := envexpand.ExpandJSONOrYAML(raw)
	if err != nil {
		return ServerSet{}, nil, fmt.Errorf("config: expand %s: %w", path, err)
	}

	var file rawServerSetFile
	if jsonErr := json.Unmarshal(expanded, &file); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(expanded, &file); yamlErr != nil {
			return ServerSet{}, nil, fmt.Errorf("config: parse %s: not valid JSON (%v) or YAML (%v)", path, jsonErr, yamlErr)
		}
	}

	set := ServerSet{}
	var skipped []SkippedEntry
	for _, name := range sortedKeys(file.MCPServers) {
		entry := file.MCPServers[name]
		desc, reason := resolveEntry(name, entry)
		if reason != "" {
			skipped = append(skipped, SkippedEntry{Name: name, Reason: reason})
			continue
		}
		set.Servers = append(set.Servers, desc)
	}
	return set, skipped, nil
}

// LoadBridgeConfig reads a bridge config file (server descriptors plus a
// bridge descriptor). Same JSON-primary/YAML-fallback loading as
// LoadServerSet.
func LoadBridgeConfig(path string) (BridgeConfig, []SkippedEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BridgeConfig{}, nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded, err := envexpand.ExpandJSONOrYAML(raw)
	if err != nil {
		return BridgeConfig{}, nil, fmt.Errorf("config: expand %s: %w", path, err)
	}

	var file rawBridgeFile
	if jsonErr := json.Unmarshal(expanded, &file); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(expanded, &file); yamlErr != nil {
			return BridgeConfig{}, nil, fmt.Errorf("config: parse %s: not valid JSON (%v) or YAML (%v)", path, jsonErr, yamlErr)
		}
	}

	cfg := BridgeConfig{Bridge: file.Bridge}
	cfg.Bridge.Defaults()

	var skipped []SkippedEntry
	for _, name := range sortedKeys(file.MCPServers) {
		entry := file.MCPServers[name]
		desc, reason := resolveEntry(name, entry)
		if reason != "" {
			skipped = append(skipped, SkippedEntry{Name: name, Reason: reason})
			continue
		}
		cfg.Servers = append(cfg.Servers, desc)
	}
	return cfg, skipped, nil
}

func resolveEntry(name string, entry rawServerEntry) (ServerDescriptor, string) {
	enabled := true
	if entry.Enabled != nil {
		enabled = *entry.Enabled
	}
	transportType := entry.TransportType
	if transportType == "" {
		transportType = "stdio"
	}
	if transportType == "stdio" && entry.Command == "" {
		return ServerDescriptor{}, "stdio server missing \"command\""
	}
	if (transportType == "sse" || transportType == "http") && entry.URL == "" {
		return ServerDescriptor{}, fmt.Sprintf("%s server missing \"url\"", transportType)
	}

	desc := ServerDescriptor{
		Name:              name,
		Enabled:           enabled,
		Command:           entry.Command,
		Args:              entry.Args,
		Env:               entry.Env,
		PassEnvironment:   entry.PassEnvironment,
		Timeout:           entry.Timeout,
		TransportType:     transportType,
		URL:               entry.URL,
		Headers:           entry.Headers,
		RetryAttempts:     entry.RetryAttempts,
		RetryDelay:        entry.RetryDelay,
		RemoteRetryBudget: entry.RemoteRetryBudget,
		HealthCheck:       entry.HealthCheck,
		ToolNamespace:     entry.ToolNamespace,
		ResourceNamespace: entry.ResourceNamespace,
		PromptNamespace:   entry.PromptNamespace,
		Priority:          entry.Priority,
		Tags:              entry.Tags,
	}
	desc.Defaults()
	if !enabled {
		return desc, "disabled"
	}
	return desc, ""
}

func sortedKeys(m map[string]rawServerEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
