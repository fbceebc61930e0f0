package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/flowhub/internal/models"
)

var (
	flowSets   []string
	flowDetach bool
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List and run flows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flows, err := apiClient.ListFlows(cmd.Context())
		if err != nil {
			return fmt.Errorf("list flows: %w", err)
		}
		if jsonOut {
			return printJSON(flows)
		}
		if len(flows) == 0 {
			fmt.Println("No flows found")
			return nil
		}
		fmt.Printf("%-10s %-24s %-6s %s\n", "ID", "NAME", "NODES", "UPDATED")
		fmt.Println(strings.Repeat("-", 56))
		for _, f := range flows {
			fmt.Printf("%-10s %-24s %-6d %s\n", shortID(f.ID), truncate(f.Name, 24), len(f.Graph.Nodes), ago(f.UpdatedAt))
		}
		return nil
	},
}

var flowsRunCmd = &cobra.Command{
	Use:   "run <flow-id | graph.yaml>",
	Short: "Execute a stored flow or a graph file",
	Long: `Execute a stored flow by ID, or an unsaved graph from a YAML or JSON file.

Node inputs can be overridden with --set node.input=value.

Examples:
  flowhub flows run 3f2a... --set A.text="hello"
  flowhub flows run pipeline.yaml --detach`,
	Args: cobra.ExactArgs(1),
	RunE: runFlow,
}

var flowsCreateCmd = &cobra.Command{
	Use:   "create <name> <graph.yaml>",
	Short: "Store a graph file as a flow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := readGraph(args[1])
		if err != nil {
			return err
		}
		f, err := apiClient.CreateFlow(cmd.Context(), models.Flow{Name: args[0], Graph: *g})
		if err != nil {
			return fmt.Errorf("create flow: %w", err)
		}
		if jsonOut {
			return printJSON(f)
		}
		fmt.Printf("Created flow %s (%s)\n", f.Name, f.ID)
		return nil
	},
}

func init() {
	flowsRunCmd.Flags().StringArrayVar(&flowSets, "set", nil, "override a node input (node.input=value)")
	flowsRunCmd.Flags().BoolVarP(&flowDetach, "detach", "d", false, "print the task id and return")

	flowsCmd.AddCommand(flowsRunCmd)
	flowsCmd.AddCommand(flowsCreateCmd)
}

func runFlow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	overrides, err := parseOverrides(flowSets)
	if err != nil {
		return err
	}

	var taskID string
	if _, statErr := os.Stat(args[0]); statErr == nil {
		g, err := readGraph(args[0])
		if err != nil {
			return err
		}
		taskID, err = apiClient.ExecuteGraph(ctx, *g, overrides)
		if err != nil {
			return fmt.Errorf("execute graph: %w", err)
		}
	} else {
		taskID, err = apiClient.ExecuteFlow(ctx, args[0], overrides)
		if err != nil {
			return fmt.Errorf("execute flow: %w", err)
		}
	}

	if flowDetach {
		if jsonOut {
			return printJSON(map[string]string{"task_id": taskID})
		}
		fmt.Printf("Started task %s\nUse 'flowhub tasks watch %s' to follow it.\n", taskID, taskID)
		return nil
	}
	t, err := followTask(ctx, taskID)
	if t != nil && (t.Status == models.StatusCompleted || jsonOut) {
		writeResult(t)
	}
	return err
}

// readGraph loads a graph from YAML (a JSON file is valid YAML too).
func readGraph(path string) (*models.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse graph %s: %w", path, err)
	}
	// Round-trip through JSON so the graph uses the API field names.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert graph %s: %w", path, err)
	}
	var g models.Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", path, err)
	}
	return &g, nil
}

// parseOverrides turns node.input=value pairs into per-node overrides.
// Values that parse as JSON keep their type; anything else is a string.
func parseOverrides(sets []string) (map[string]map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]any)
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		node, input, dotted := strings.Cut(key, ".")
		if !ok || !dotted || node == "" || input == "" {
			return nil, fmt.Errorf("invalid --set %q: want node.input=value", s)
		}
		var v any = value
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			v = parsed
		}
		if out[node] == nil {
			out[node] = make(map[string]any)
		}
		out[node][input] = v
	}
	return out, nil
}
