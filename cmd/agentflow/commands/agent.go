package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/agent"
)

var (
	agentThread   string
	agentResource string
	agentMaxSteps int
)

var agentCmd = &cobra.Command{
	Use:   "agent <name> <message...>",
	Short: "Send one message to a configured agent",
	Long: `Send one message to an agent declared in the runtime config.

With --thread the exchange is stored in, and recalled from, that thread.

Examples:
  agentflow --config agentflow.yaml agent helper "What is in my inbox?"
  agentflow --config agentflow.yaml agent helper --thread t1 --resource alice "and tomorrow?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := withSignal(cmd.Context())
		defer stop()

		flow, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer flow.Close()

		resp, err := flow.Generate(ctx, args[0], strings.Join(args[1:], " "), func(o *agent.RunOptions) {
			o.ThreadID = agentThread
			o.ResourceID = agentResource
			o.MaxSteps = agentMaxSteps
		})
		if resp == nil {
			return err
		}

		if outputJSON {
			if perr := printJSON(cmd.OutOrStdout(), resp.Output()); perr != nil {
				return perr
			}
			return err
		}

		for _, tc := range resp.ToolCalls {
			if tc.Error != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "tool %s failed: %s\n", tc.Name, tc.Error)
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "tool %s ok\n", tc.Name)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
		return err
	},
}

func init() {
	agentCmd.Flags().StringVarP(&agentThread, "thread", "t", "", "thread id for conversation memory")
	agentCmd.Flags().StringVarP(&agentResource, "resource", "r", "", "resource (user) owning the thread")
	agentCmd.Flags().IntVar(&agentMaxSteps, "max-steps", 0, "provider call budget (default: agent setting)")
}
