package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/glasspilot-ai/glasspilot/internal/tui/watch"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of channels and audit events on a running relay",
		RunE:  runWatch,
	}
	cmd.Flags().String("relay", "http://localhost:8090", "base URL of the relay")
	cmd.Flags().String("token", "", "bearer credential (default: GLASSPILOT_TOKEN)")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	relayURL, _ := cmd.Flags().GetString("relay")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("GLASSPILOT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("a token is required: pass --token or set GLASSPILOT_TOKEN")
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("watch needs an interactive terminal")
	}

	return watch.Run(relayURL, token)
}
