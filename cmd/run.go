package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/model"
)

var runAgents []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured passes over the catalog",
	Long:  "Runs active_agents in order (scrape, tag, verify, enhance, report, syslog by default) as one recorded run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		names := cfg.ActiveAgents
		if len(runAgents) > 0 {
			names = runAgents
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orchestrator.Run(ctx, names)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("pipeline finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("catalog_entries", env.Catalog.Len()),
		)
		formatRun(os.Stdout, run)
		return runOutcome(run)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runAgents, "agents", nil, "override active_agents (comma-separated)")
	rootCmd.AddCommand(runCmd)
}

// runOutcome turns a run that did not complete into a command error.
func runOutcome(run *model.Run) error {
	if run.Status == model.RunStatusComplete {
		return nil
	}
	if run.Error != "" {
		return eris.Errorf("run %s %s: %s", truncateID(run.ID), run.Status, run.Error)
	}
	return eris.Errorf("run %s %s", truncateID(run.ID), run.Status)
}

// formatRun writes a run header and one line per pass to w.
func formatRun(out io.Writer, run *model.Run) {
	_, _ = fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AGENT\tSTATUS\tPROCESSED\tSUCCEEDED\tFAILED\tSKIPPED\tDURATION")
	for _, p := range run.Passes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			p.Agent,
			p.Status,
			p.Processed,
			p.Succeeded,
			p.Failed,
			p.Skipped,
			p.Duration.Round(time.Millisecond),
		)
	}
	_ = w.Flush()

	for _, p := range run.Passes {
		if p.Error != "" {
			_, _ = fmt.Fprintf(out, "%s: %s\n", p.Agent, p.Error)
		}
		for _, f := range p.Failures {
			target := f.Locator
			if target == "" {
				target = f.Key
			}
			_, _ = fmt.Fprintf(out, "  %s [%s] %s: %s\n", p.Agent, f.Kind, target, f.Error)
		}
		for _, o := range p.Outputs {
			_, _ = fmt.Fprintf(out, "  %s wrote %s\n", p.Agent, o)
		}
	}
}
