package commands

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/engine"
)

var (
	runInput   string
	runTimeout time.Duration
	runID      string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Execute a workflow document",
	Long: `Execute a workflow document.

Agents and MCP tools come from the runtime config. Steps referring to Go
executors (run: <name>) cannot be served by the CLI and fail validation.
The input is a JSON object, inline or read from a file with "@".

Examples:
  agentflow --config agentflow.yaml run research.yaml --input '{"topic": "go"}'
  agentflow --config agentflow.yaml run research.yaml --input @input.json --json
  agentflow --config agentflow.yaml run research.yaml --timeout 2m --run-id nightly-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := parseInput(runInput, os.ReadFile)
		if err != nil {
			return err
		}

		ctx, stop := withSignal(cmd.Context())
		defer stop()

		flow, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer flow.Close()

		res, runErr := flow.ExecuteFile(ctx, args[0], input, func(c *engine.Config) {
			if runTimeout > 0 {
				c.Timeout = runTimeout
			}
			c.RunID = runID
		})
		if res == nil {
			return runErr
		}

		if outputJSON {
			if err := printJSON(cmd.OutOrStdout(), resultView(res)); err != nil {
				return err
			}
		} else {
			printResult(cmd.OutOrStdout(), res)
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", `workflow input as JSON object (or "@file")`)
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "run timeout (overrides config and document)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "fixed run id (default: generated)")
}

func resultView(res *engine.Result) map[string]any {
	steps := make(map[string]any, len(res.Steps))
	for id, s := range res.Steps {
		entry := map[string]any{
			"state":       s.State,
			"attempts":    s.Attempts,
			"duration_ms": s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			entry["error"] = s.Err.Error()
		}
		steps[id] = entry
	}
	return map[string]any{
		"run_id":      res.RunID,
		"workflow_id": res.WorkflowID,
		"status":      res.Status,
		"output":      res.Output,
		"steps":       steps,
		"warnings":    res.Warnings,
		"duration_ms": res.Duration.Milliseconds(),
	}
}

func printResult(w io.Writer, res *engine.Result) {
	fmt.Fprintf(w, "run %s (%s): %s in %s\n\n", res.RunID, res.WorkflowID, res.Status, formatDuration(res.Duration))

	steps := make([]engine.StepResult, 0, len(res.Steps))
	for _, s := range res.Steps {
		steps = append(steps, s)
	}
	slices.SortFunc(steps, func(a, b engine.StepResult) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTYPE\tSTATE\tATTEMPTS\tDURATION\tERROR")
	for _, s := range steps {
		errMsg := ""
		if s.Err != nil {
			errMsg = truncate(s.Err.Error(), 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", s.ID, s.Type, s.State, s.Attempts, formatDuration(s.Duration), errMsg)
	}
	_ = tw.Flush()

	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning [%s] %s: %s\n", warn.Code, warn.StepID, warn.Message)
	}

	fmt.Fprintln(w)
	_ = printJSON(w, res.Output)
}

// withSignal returns a context canceled on interrupt.
func withSignal(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
