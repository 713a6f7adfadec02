// Command mcpbridge is the server-side bridge: it listens on HTTP, accepts
// MCP clients over SSE or streamable HTTP, spawns one or more local stdio
// (or remote sse/http) MCP servers as backends, and exposes each as an
// addressable endpoint with optional aggregation into a single virtual
// server.
package main

import (
	"fmt"
	"os"
)

// buildVersion is set at build time via -ldflags "-X main.buildVersion=1.0.0".
var buildVersion = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return 0
}
