package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/flowhub/internal/client"
	"github.com/raphaelgruber/flowhub/internal/models"
)

var (
	genSystem string
	genModel  string
	genMirror bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Stream an LLM generation",
	Long: `Stream an LLM generation to stdout as it is produced. Interrupting the
command cancels the generation on the server.

Examples:
  flowhub generate "Write a haiku about queues"
  flowhub generate --system "Answer in German" "What is a DAG?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.StreamRequest{
			Prompt: strings.Join(args, " "),
			System: genSystem,
			Model:  genModel,
			Mirror: genMirror,
		}
		res, err := apiClient.GenerateStream(cmd.Context(), req, func(text string) error {
			_, err := fmt.Fprint(os.Stdout, text)
			return err
		})
		fmt.Println()
		if err != nil {
			return err
		}
		if res.Status != models.StatusCompleted {
			return fmt.Errorf("generation %s: %s", strings.ToLower(string(res.Status)), res.Error)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&genSystem, "system", "", "system prompt")
	generateCmd.Flags().StringVar(&genModel, "model", "", "model name (server default if empty)")
	generateCmd.Flags().BoolVar(&genMirror, "mirror", false, "also publish chunks to your websocket sessions")
}
