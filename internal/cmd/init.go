package cmd

import (
	"github.com/spf13/cobra"

	"github.com/glasspilot-ai/glasspilot/internal/wizard"
	"github.com/glasspilot-ai/glasspilot/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a relay config file interactively",
		RunE:  runInit,
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./glasspilot.json)")
	cmd.Flags().Bool("defaults", false, "generate config from environment without prompting")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	defaults, _ := cmd.Flags().GetBool("defaults")

	w := wizard.New(cli.DefaultPrompter())
	if defaults {
		return w.RunDefaults(output)
	}
	return w.Run(output)
}
