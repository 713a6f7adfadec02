// Command mcpbridge-proxy is the client-side proxy: it exposes
// a local stdio MCP server on its own stdin/stdout and tunnels all traffic
// to a single remote MCP endpoint over SSE or streamable HTTP.
package main

import (
	"fmt"
	"os"
)

var buildVersion = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(*runtimeErr); ok {
			return 2
		}
		return 1
	}
	return 0
}
