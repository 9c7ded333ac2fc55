package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/runstore"
)

var (
	runsWorkflow string
	runsStatus   string
	runsLimit    int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect persisted runs",
	Long: `Inspect runs persisted by the configured run store.

The sqlite, postgres and redis drivers keep runs across invocations.

Examples:
  agentflow --config agentflow.yaml runs list --status failed
  agentflow --config agentflow.yaml runs show 5f0c... --json`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openRunStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		runs, err := store.List(cmd.Context(), runstore.Filter{
			WorkflowID: runsWorkflow,
			Status:     runstore.Status(runsStatus),
			Limit:      runsLimit,
		})
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), runs)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tERROR")
		for _, r := range runs {
			took := "-"
			if !r.FinishedAt.IsZero() {
				took = formatDuration(r.FinishedAt.Sub(r.StartedAt))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.WorkflowID, r.Status,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				took, truncate(r.Error, 50))
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openRunStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		run, err := store.Get(cmd.Context(), args[0])
		if errors.Is(err, runstore.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), run)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "run %s (%s): %s\n", run.ID, run.WorkflowID, run.Status)
		if run.Error != "" {
			fmt.Fprintf(w, "error: %s\n", run.Error)
		}
		fmt.Fprintln(w)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tSTATE\tATTEMPTS\tDURATION\tERROR")
		for _, s := range run.Steps {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.State, s.Attempts, formatDuration(s.Duration), truncate(s.Error, 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		for _, warn := range run.Warnings {
			fmt.Fprintf(w, "warning [%s] %s: %s\n", warn.Code, warn.StepID, warn.Message)
		}

		fmt.Fprintln(w)
		return printJSON(w, run.Output)
	},
}

func init() {
	runsListCmd.Flags().StringVarP(&runsWorkflow, "workflow", "w", "", "only runs of this workflow")
	runsListCmd.Flags().StringVarP(&runsStatus, "status", "s", "", "only runs with this status")
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum number of runs")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// openRunStore opens only the run store of the runtime config.
func openRunStore(ctx context.Context) (runstore.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := cfg.OpenRunStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New(`run store driver is "none"`)
	}
	return store, func() { _ = store.Close() }, nil
}
