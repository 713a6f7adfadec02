package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kentarosa/mcpbridge/internal/aggregator"
	"github.com/kentarosa/mcpbridge/internal/backend"
	"github.com/kentarosa/mcpbridge/internal/bridgelog"
	"github.com/kentarosa/mcpbridge/internal/config"
	"github.com/kentarosa/mcpbridge/internal/httpserver"
)

func runBridge(cmd *cobra.Command, args []string) error {
	log := bridgelog.Init(flagDebug)

	applyDeprecatedAliases(log)

	descs, bridgeDesc, err := buildDescriptors(args)
	if err != nil {
		return &configError{err: err}
	}
	if len(descs) == 0 {
		return newConfigError("mcpbridge: no runnable servers configured (pass a command, --named-server, --named-server-config, or --bridge-config)")
	}

	backends := make(map[string]*backend.ManagedBackend, len(descs))
	var ordered []*backend.ManagedBackend
	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	for _, d := range descs {
		mb := backend.New(d, backend.DialDescriptor, log)
		mb.SetRemoteRetryBudget(d.RemoteRetryBudget)
		backends[d.Name] = mb
		ordered = append(ordered, mb)
		mb.Start(ctx)
		defer mb.Stop()
	}

	var agg *aggregator.Aggregator
	if len(ordered) > 1 || bridgeDesc != nil {
		desc := config.BridgeDescriptor{}
		if bridgeDesc != nil {
			desc = *bridgeDesc
		}
		agg = aggregator.New(desc, ordered)
	}

	srv := httpserver.New(agg, backends, httpserver.Options{
		AllowOrigin: flagAllowOrigin,
		Stateless:   flagStateless,
		Log:         log,
	})

	addr, err := srv.Start(flagHost, flagPort)
	if err != nil {
		return &runtimeError{err: err}
	}
	log.Info("mcpbridge listening", "addr", addr, "backends", len(descs), "aggregated", agg != nil)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// applyDeprecatedAliases copies --sse-host/--sse-port onto --host/--port
// when set, logging once at warn rather than aliasing silently.
func applyDeprecatedAliases(log *slog.Logger) {
	if flagSSEHostDeprecated != "" {
		log.Warn("--sse-host is deprecated, use --host", "value", flagSSEHostDeprecated)
		flagHost = flagSSEHostDeprecated
	}
	if flagSSEPortDeprecated != 0 {
		log.Warn("--sse-port is deprecated, use --port", "value", flagSSEPortDeprecated)
		flagPort = flagSSEPortDeprecated
	}
}

// buildDescriptors assembles every backend descriptor this invocation
// should run, in order: positional command, --named-server entries,
// --named-server-config file, --bridge-config file (which also supplies the
// bridge descriptor when present).
func buildDescriptors(args []string) ([]config.ServerDescriptor, *config.BridgeDescriptor, error) {
	var descs []config.ServerDescriptor

	if len(args) > 0 {
		d := config.ServerDescriptor{
			Name:            "default",
			Enabled:         true,
			Command:         args[0],
			Args:            args[1:],
			TransportType:   "stdio",
			PassEnvironment: flagPassEnvironment,
			Env:             parseEnvFlags(flagEnv),
		}
		d.Defaults()
		descs = append(descs, d)
	}

	for _, spec := range flagNamedServer {
		d, err := parseNamedServerFlag(spec)
		if err != nil {
			return nil, nil, err
		}
		d.PassEnvironment = flagPassEnvironment
		if len(d.Env) == 0 {
			d.Env = parseEnvFlags(flagEnv)
		}
		d.Headers = mergeHeaders(d.Headers, parseEnvFlags(flagHeaders))
		d.Defaults()
		descs = append(descs, d)
	}

	if flagNamedServerCfg != "" {
		set, skipped, err := config.LoadServerSet(flagNamedServerCfg)
		if err != nil {
			return nil, nil, err
		}
		logSkipped(skipped)
		descs = append(descs, set.Servers...)
	}

	var bridgeDesc *config.BridgeDescriptor
	if flagBridgeConfig != "" {
		cfg, skipped, err := config.LoadBridgeConfig(flagBridgeConfig)
		if err != nil {
			return nil, nil, err
		}
		logSkipped(skipped)
		descs = append(descs, cfg.Servers...)
		bd := cfg.Bridge
		bridgeDesc = &bd
	}

	applyRemoteTransportFlags(descs)

	return descs, bridgeDesc, nil
}

// applyRemoteTransportFlags overrides outbound sse/http descriptors with
// --transport (when the descriptor didn't already pick one) and applies the
// --retry-remote/--remote-retries mid-session retry budget: capped by
// remoteRetries (default 0 = off; 1 when --retry-remote is set with no
// explicit count). This is RemoteRetryBudget, not RetryAttempts — the latter
// only governs the initial connect loop and is left untouched. --headers is
// merged into each of these descriptors' headers.
func applyRemoteTransportFlags(descs []config.ServerDescriptor) {
	budget := flagRemoteRetries
	if flagRetryRemote && budget == 0 {
		budget = 1
	}
	for i := range descs {
		d := &descs[i]
		if d.TransportType != "sse" && d.TransportType != "http" {
			continue
		}
		d.Headers = mergeHeaders(d.Headers, parseEnvFlags(flagHeaders))
		if t := normalizeTransportFlag(flagTransport); t != "" {
			d.TransportType = t
		}
		if budget > 0 {
			d.RemoteRetryBudget = budget
		}
	}
}

// parseNamedServerFlag decodes "name=command arg1 arg2..." — pflag has no
// equivalent to Python argparse's nargs=2, so --named-server packs name and
// command into one equals-delimited token, the same way
// --allow-exec packs "container:command" into one colon-delimited token.
func parseNamedServerFlag(spec string) (config.ServerDescriptor, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return config.ServerDescriptor{}, newConfigError("mcpbridge: invalid --named-server %q (expected \"name=command args...\")", spec)
	}
	fields := strings.Fields(parts[1])
	if len(fields) == 0 {
		return config.ServerDescriptor{}, newConfigError("mcpbridge: --named-server %q has an empty command", spec)
	}
	return config.ServerDescriptor{
		Name:          strings.TrimSpace(parts[0]),
		Enabled:       true,
		Command:       fields[0],
		Args:          fields[1:],
		TransportType: "stdio",
	}, nil
}

// parseEnvFlags decodes repeatable "KEY=VALUE" tokens (--env, --headers)
// into a map, last occurrence of a key wins.
func parseEnvFlags(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// normalizeTransportFlag maps the CLI's "sse"/"streamablehttp" vocabulary
// onto config.ServerDescriptor.TransportType's "sse"/"http".
func normalizeTransportFlag(t string) string {
	switch t {
	case "sse":
		return "sse"
	case "streamablehttp":
		return "http"
	default:
		return ""
	}
}

func logSkipped(skipped []config.SkippedEntry) {
	for _, s := range skipped {
		bridgelog.Default().Warn("skipping server entry", "name", s.Name, "reason", s.Reason)
	}
}
