package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>",
	Short: "Validate a workflow document",
	Long: `Validate a workflow document.

The document is parsed and its step graph checked: unique ids, known
dependencies, no cycles, bounded loops and compilable jq expressions.
On success the order in which steps start is printed.

Examples:
  agentflow validate workflow.yaml
  agentflow validate workflow.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan(args[0])
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":    plan.Definition.ID,
				"valid": true,
				"order": plan.Order,
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is valid\n", plan.Definition.ID)
		fmt.Fprint(cmd.OutOrStdout(), plan.Describe())
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph <workflow-file>",
	Short: "Render the step graph as Mermaid",
	Long: `Render the step graph of a workflow document as a Mermaid flowchart.

Examples:
  agentflow graph workflow.yaml > graph.mmd`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), plan.Mermaid())
		return nil
	},
}

func loadPlan(path string) (*workflow.Plan, error) {
	def, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.Compile(def)
}
