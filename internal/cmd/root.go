// Package cmd implements the glasspilot-relay command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command. Invoking the binary without a
// subcommand starts the relay, so "glasspilot-relay" and
// "glasspilot-relay run" behave the same.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "glasspilot-relay",
		Short: "GlassPilot relay, the remote browser control plane",
		Long: `GlassPilot relay terminates websocket sessions from operators and
agents, bridges them to browser hosts, and records an audit trail of
who drove which session.

Run without arguments to start the relay with the default config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
