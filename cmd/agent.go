package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openretro/retrohd/internal/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "List or run individual passes",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered passes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatAgents(os.Stdout, agent.DefaultRegistry().All())
		return nil
	},
}

var agentRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a single pass as its own run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orchestrator.RunOne(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "agent run %s", args[0])
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
		} else {
			formatRun(os.Stdout, run)
		}
		return runOutcome(run)
	},
}

func init() {
	agentRunCmd.Flags().Bool("json", false, "print the run as JSON")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentRunCmd)
	rootCmd.AddCommand(agentCmd)
}

// formatAgents writes one line per pass to w.
func formatAgents(out io.Writer, agents []agent.Agent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDESCRIPTION")
	for _, a := range agents {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", a.ID(), a.Description())
	}
	_ = w.Flush()
}
