package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/flowhub/internal/parser"
)

var nodeInputs string

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage node definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := apiClient.ListNodes(cmd.Context())
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		if jsonOut {
			return printJSON(defs)
		}
		fmt.Printf("%-20s %-16s %-8s %s\n", "NAME", "CLASS", "RUNTIME", "PORTS")
		fmt.Println(strings.Repeat("-", 64))
		for _, d := range defs {
			runtime := d.Runtime
			if runtime == "" {
				runtime = "builtin"
			}
			fmt.Printf("%-20s %-16s %-8s %d in / %d out\n", truncate(d.Name, 20), truncate(d.ClassName, 16), runtime, len(d.Inputs), len(d.Outputs))
		}
		return nil
	},
}

var nodesImportCmd = &cobra.Command{
	Use:   "import <file.md>...",
	Short: "Import Markdown node definitions",
	Long: `Import node definitions written as Markdown: YAML frontmatter for the
name, class and ports, prose for the description and a fenced code block
for the code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			// Parse locally first for a readable error before uploading.
			if _, err := parser.ParseNodeDefinition(string(data)); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			def, err := apiClient.ImportNode(cmd.Context(), string(data))
			if err != nil {
				return fmt.Errorf("import %s: %w", path, err)
			}
			fmt.Printf("Imported %s (%s)\n", def.Name, def.ID)
		}
		return nil
	},
}

var nodesInstallCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Install the Python requirements of a node definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.InstallNode(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("install %s: %w", args[0], err)
		}
		fmt.Printf("Requirements for %s installed\n", args[0])
		return nil
	},
}

var nodesTestCmd = &cobra.Command{
	Use:   "test <file.md>",
	Short: "Run a node definition once without storing it",
	Long: `Run a Markdown node definition once with the given inputs.

Examples:
  flowhub nodes test shout.md --inputs '{"text": "hello"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		def, err := parser.ParseNodeDefinition(string(data))
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		inputs := map[string]any{}
		if nodeInputs != "" {
			if err := json.Unmarshal([]byte(nodeInputs), &inputs); err != nil {
				return fmt.Errorf("parse --inputs: %w", err)
			}
		}
		res, err := apiClient.TestNode(cmd.Context(), *def, inputs)
		if err != nil {
			return fmt.Errorf("test node: %w", err)
		}
		if jsonOut || res.Status == "success" {
			return printJSON(res)
		}
		fmt.Fprintf(os.Stderr, "%s\n", defaultTheme.errorStyle().Render("✗ "+res.Error))
		if res.Traceback != "" {
			fmt.Fprintln(os.Stderr, res.Traceback)
		}
		return fmt.Errorf("node test failed")
	},
}

func init() {
	nodesTestCmd.Flags().StringVar(&nodeInputs, "inputs", "", "inputs as a JSON object")

	nodesCmd.AddCommand(nodesImportCmd)
	nodesCmd.AddCommand(nodesInstallCmd)
	nodesCmd.AddCommand(nodesTestCmd)
}
