// Package main provides the agentflow CLI.
//
// Usage:
//
//	agentflow [flags] <command> [args]
//
// Commands:
//
//	validate - check a workflow document and print its execution order
//	graph    - render a workflow document as a Mermaid flowchart
//	run      - execute a workflow document
//	agent    - send one message to a configured agent
//	runs     - inspect persisted runs
//	version  - print the version
//
// Configuration:
//
//	The runtime is configured with a YAML file passed through --config.
//	Without it the built-in defaults apply (in-memory storage, OpenAI).
package main

import (
	"fmt"
	"os"

	"github.com/hupe1980/agentflow/cmd/agentflow/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
