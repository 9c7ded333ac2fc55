package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow"
	"github.com/hupe1980/agentflow/config"
)

// version is set at build time with -ldflags "-X ...commands.version=...".
var version = "dev"

var (
	// Global flags
	cfgFile    string
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "AI agent workflow runtime",
	Long: `agentflow - run declarative AI agent workflows.

Workflows are YAML or JSON documents describing a graph of steps: plain
executors, conditional branches, parallel fan-outs, bounded loops, agent
calls and tool invocations.

Examples:
  # Check a workflow and print the order its steps start in
  agentflow validate workflow.yaml

  # Render the step graph
  agentflow graph workflow.yaml > graph.mmd

  # Execute it with a runtime configuration
  agentflow --config agentflow.yaml run workflow.yaml --input '{"topic": "go"}'

  # Inspect persisted runs
  agentflow --config agentflow.yaml runs list --workflow research
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "runtime config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config, falling back to the defaults.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// openRuntime builds the runtime described by --config. Logs go to stderr
// so stdout stays machine readable.
func openRuntime(ctx context.Context) (*agentflow.AgentFlow, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return agentflow.FromConfig(ctx, cfg, os.Stderr)
}
