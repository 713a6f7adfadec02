package main

import (
	"github.com/spf13/cobra"
)

// Package-level flag vars bind cobra flags directly rather than going
// through a parsed options struct.
var (
	flagPort              int
	flagHost              string
	flagTransport         string
	flagNamedServer       []string
	flagNamedServerCfg    string
	flagBridgeConfig      string
	flagPassEnvironment   bool
	flagEnv               []string
	flagHeaders           []string
	flagAllowOrigin       string
	flagStateless         bool
	flagDebug             bool
	flagRetryRemote       bool
	flagRemoteRetries     int
	flagSSEHostDeprecated string
	flagSSEPortDeprecated int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpbridge [command] [args...]",
		Short: "Transport-switching proxy and aggregating bridge for MCP servers",
		Long: `mcpbridge listens on HTTP, accepts MCP clients over SSE or
streamable HTTP, spawns one or more local stdio MCP servers as backends, and
exposes each as an addressable endpoint, with optional aggregation into a
single virtual server.

When a positional command is given, it is run as a single anonymous stdio
backend (e.g. "mcpbridge -- npx @my/mcp-server").`,
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBridge,
	}

	cmd.Flags().IntVar(&flagPort, "port", 8080, "Port to listen on")
	cmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "Host to bind to")
	cmd.Flags().StringVar(&flagTransport, "transport", "", "Outbound transport for sse/http backends (sse|streamablehttp); informational override, descriptors set their own transportType")
	cmd.Flags().StringArrayVar(&flagNamedServer, "named-server", nil, `Repeatable. Format "name=command arg1 arg2..."`)
	cmd.Flags().StringVar(&flagNamedServerCfg, "named-server-config", "", "Path to a named-server config file")
	cmd.Flags().StringVar(&flagBridgeConfig, "bridge-config", "", "Path to a bridge config file (servers + aggregation/failover settings)")
	cmd.Flags().BoolVar(&flagPassEnvironment, "pass-environment", false, "Pass the host's full environment to the positional and --named-server stdio backends")
	cmd.Flags().StringArrayVar(&flagEnv, "env", nil, `Repeatable. Format "KEY=VALUE", applied to the positional and --named-server stdio backends`)
	cmd.Flags().StringArrayVar(&flagHeaders, "headers", nil, `Repeatable. Format "Key=Value", applied to every outbound sse/http backend`)
	cmd.Flags().StringVar(&flagAllowOrigin, "allow-origin", "", "Value for Access-Control-Allow-Origin on every HTTP response; empty disables CORS")
	cmd.Flags().BoolVar(&flagStateless, "stateless", false, "Streamable HTTP: no session persisted across POSTs")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "Raise the log level to debug")
	cmd.Flags().BoolVar(&flagRetryRemote, "retry-remote", false, "Enable the single-retry policy for outbound sse/http backends")
	cmd.Flags().IntVar(&flagRemoteRetries, "remote-retries", 0, "Retry budget for outbound sse/http backends; --retry-remote sets this to 1 unless overridden")
	cmd.Flags().StringVar(&flagSSEHostDeprecated, "sse-host", "", "Deprecated alias for --host")
	cmd.Flags().IntVar(&flagSSEPortDeprecated, "sse-port", 0, "Deprecated alias for --port")

	return cmd
}
