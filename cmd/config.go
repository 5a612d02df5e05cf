package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openretro/retrohd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(os.Stdout, cfg)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// writeConfig encodes c as YAML, filling in derived paths.
func writeConfig(out io.Writer, c *config.Config) error {
	effective := *c
	effective.Catalog.Path = c.CatalogPath()
	effective.Enhance.OutputDir = c.EnhancedDir()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(effective); err != nil {
		return eris.Wrap(err, "config show")
	}
	return enc.Close()
}
