// Package cli provides the command-line interface for flowhub.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/flowhub/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	token     string
	jsonOut   bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "flowhub",
	Short: "Run and watch flows, tasks and streaming generations",
	Long: `flowhub talks to a flowhub server: it executes node flows, follows
background tasks as they progress and streams LLM generations.

The server address and token default to FLOWHUB_SERVER_URL and FLOWHUB_TOKEN.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.New(serverURL, token)
		return nil
	},
}

// Execute runs the root command. Cancelling ctx aborts the running command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $FLOWHUB_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "API token (default $FLOWHUB_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(flowsCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(periodicCmd)
}

// interactive reports whether stdout is a terminal, so progress UIs can run.
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := jsonEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
