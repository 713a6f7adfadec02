package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kentarosa/mcpbridge/internal/backend"
	"github.com/kentarosa/mcpbridge/internal/bridgelog"
	"github.com/kentarosa/mcpbridge/internal/config"
	"github.com/kentarosa/mcpbridge/internal/mcpsession"
	"github.com/kentarosa/mcpbridge/internal/proxy"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

func runProxy(cmd *cobra.Command, args []string) error {
	log := bridgelog.Init(flagDebug)

	url := resolveRemoteURL(flagURL, args)
	if url == "" {
		return &runtimeErr{err: errString("mcpbridge-proxy: a remote URL is required (--url, the sole positional argument, or SSE_URL)")}
	}

	transportType := "sse"
	if flagTransport == "streamablehttp" {
		transportType = "http"
	}

	desc := config.ServerDescriptor{
		Name:          "remote",
		Enabled:       true,
		TransportType: transportType,
		URL:           url,
		Headers:       parseHeaderFlags(flagHeaders),
		Timeout:       flagTimeout,
	}
	budget := flagRemoteRetries
	if flagRetryRemote && budget == 0 {
		budget = 1
	}
	desc.Defaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dial backend.Dialer = backend.DialDescriptor
	if flagStateless && transportType == "http" {
		dial = func(ctx context.Context, d config.ServerDescriptor) (transport.Transport, error) {
			return transport.NewOutboundStreamable(transport.OutboundStreamableSpec{URL: d.URL, Headers: d.Headers, Stateless: true}), nil
		}
	}
	mb := backend.New(desc, dial, log)
	mb.SetRemoteRetryBudget(budget)
	mb.Start(ctx)
	defer mb.Stop()

	deadline := time.Now().Add(time.Duration(desc.Timeout) * time.Second)
	for time.Now().Before(deadline) {
		switch mb.Status() {
		case backend.StatusConnected:
			goto connected
		case backend.StatusFailed:
			return &runtimeErr{err: errString("mcpbridge-proxy: remote backend failed to connect: " + url)}
		}
		time.Sleep(25 * time.Millisecond)
	}
	return &runtimeErr{err: errString("mcpbridge-proxy: timed out connecting to " + url)}

connected:
	frontendTransport := transport.NewInboundStdio(cmd.InOrStdin(), cmd.OutOrStdout())
	frontend := mcpsession.New("stdio-frontend", frontendTransport, log)
	proxy.New(frontend, mb)

	select {
	case <-frontendTransport.Err():
	case <-ctx.Done():
	}
	_ = frontend.Close()
	return nil
}

// resolveRemoteURL picks the remote endpoint in priority order: the sole
// positional argument, --url, then the SSE_URL environment variable.
func resolveRemoteURL(flagURL string, args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	if flagURL != "" {
		return flagURL
	}
	return os.Getenv("SSE_URL")
}

func parseHeaderFlags(kvs []string) map[string]string {
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

type errString string

func (e errString) Error() string { return string(e) }
