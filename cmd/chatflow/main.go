// Command chatflow is a terminal chat client for OpenAI-compatible models
// with local and MCP tools.
//
// Usage:
//
//	chatflow [flags] <command> [args]
//
// Commands:
//
//	chat       - Interactive chat session
//	ask        - Send one message and print the answer
//	tools      - List the tools available to the model
//	mcp serve  - Expose the local tools as an MCP server over stdio
//	version    - Show version information
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
