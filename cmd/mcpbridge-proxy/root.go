package main

import (
	"github.com/spf13/cobra"
)

type runtimeErr struct{ err error }

func (e *runtimeErr) Error() string { return e.err.Error() }
func (e *runtimeErr) Unwrap() error { return e.err }

var (
	flagURL           string
	flagTransport     string
	flagHeaders       []string
	flagRetryRemote   bool
	flagRemoteRetries int
	flagStateless     bool
	flagDebug         bool
	flagTimeout       int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpbridge-proxy <url>",
		Short: "Expose a remote MCP server as a local stdio MCP server",
		Long: `mcpbridge-proxy reads MCP JSON-RPC traffic on its own stdin and
writes responses to stdout, tunneling every message to a single remote MCP
endpoint over SSE or streamable HTTP.`,
		Version:       buildVersion,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProxy,
	}

	cmd.Flags().StringVar(&flagURL, "url", "", "Remote MCP endpoint URL (or pass as the sole positional argument)")
	cmd.Flags().StringVar(&flagTransport, "transport", "sse", "Remote transport: sse|streamablehttp")
	cmd.Flags().StringArrayVar(&flagHeaders, "headers", nil, `Repeatable. Format "Key=Value", sent on every outbound request`)
	cmd.Flags().BoolVar(&flagRetryRemote, "retry-remote", false, "Enable the single-retry policy on SessionTerminated/reset/404")
	cmd.Flags().IntVar(&flagRemoteRetries, "remote-retries", 0, "Retry budget; --retry-remote sets this to 1 unless overridden")
	cmd.Flags().BoolVar(&flagStateless, "stateless", false, "Streamable HTTP: no session persisted across POSTs")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "Raise the log level to debug")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 60, "Request/handshake timeout in seconds")

	return cmd
}
