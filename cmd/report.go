package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openretro/retrohd/internal/agent"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write catalog reports",
}

var reportLicenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Write the license verification report (md, csv, xlsx)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runReport(cmd, agent.Report)
	},
}

var reportSyslogCmd = &cobra.Command{
	Use:   "syslog",
	Short: "Write the system log summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runReport(cmd, agent.SysLog)
	},
}

func init() {
	reportCmd.PersistentFlags().String("dir", "", "output directory (default report.dir)")

	reportCmd.AddCommand(reportLicenseCmd)
	reportCmd.AddCommand(reportSyslogCmd)
	rootCmd.AddCommand(reportCmd)
}

// runReport runs a report pass as a recorded run.
func runReport(cmd *cobra.Command, id agent.ID) error {
	ctx := cmd.Context()

	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Report.Dir = dir
	}
	if err := cfg.Validate("report"); err != nil {
		return err
	}

	env, err := initEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	run, err := env.Orchestrator.RunOne(ctx, string(id))
	if err != nil {
		return eris.Wrapf(err, "report %s", id)
	}
	formatRun(os.Stdout, run)
	return runOutcome(run)
}
