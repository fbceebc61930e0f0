package tools

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// maxWait bounds how long execute_flow waits for a result.
const maxWait = 5 * time.Minute

// NewListFlowsHandler creates the list_flows tool handler.
func NewListFlowsHandler(deps *Dependencies) mcp.ToolHandlerFor[struct{}, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		flows, err := deps.Client.ListFlows(ctx)
		if err != nil {
			return APIErrorResult(deps, "list flows", err), nil, nil
		}
		type flowSummary struct {
			ID          string   `json:"id"`
			Name        string   `json:"name"`
			Description string   `json:"description,omitempty"`
			Nodes       []string `json:"nodes"`
		}
		out := make([]flowSummary, len(flows))
		for i, f := range flows {
			nodes := make([]string, len(f.Graph.Nodes))
			for j, n := range f.Graph.Nodes {
				nodes[j] = n.ID + ":" + n.Type
			}
			out[i] = flowSummary{ID: f.ID, Name: f.Name, Description: f.Description, Nodes: nodes}
		}
		return JSONResult(map[string]any{"flows": out, "count": len(out)}), nil, nil
	}
}

// ExecuteFlowInput defines the input schema for the execute_flow tool.
type ExecuteFlowInput struct {
	ID        string                    `json:"id" jsonschema:"required,The flow ID from list_flows"`
	Overrides map[string]map[string]any `json:"overrides,omitempty" jsonschema:"Input values per node ID, e.g. {\"A\": {\"text\": \"hi\"}}"`
	Wait      bool                      `json:"wait,omitempty" jsonschema:"Wait for the flow to finish and return its result"`
	Timeout   int                       `json:"timeout_seconds,omitempty" jsonschema:"Max seconds to wait, default 60, max 300"`
}

// NewExecuteFlowHandler creates the execute_flow tool handler. Without wait
// it returns the task ID at once; with wait it polls until the task ends
// or the timeout passes, leaving the task running in the latter case.
func NewExecuteFlowHandler(deps *Dependencies) mcp.ToolHandlerFor[ExecuteFlowInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ExecuteFlowInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return ErrorResult("ID cannot be empty", "Provide a flow ID from list_flows"), nil, nil
		}
		taskID, err := deps.Client.ExecuteFlow(ctx, input.ID, input.Overrides)
		if err != nil {
			return APIErrorResult(deps, "execute flow", err), nil, nil
		}
		deps.Logger.Info("flow started", "flow_id", input.ID, "task_id", taskID)
		if !input.Wait {
			return JSONResult(map[string]string{"task_id": taskID, "status": string(models.StatusPending)}), nil, nil
		}

		timeout := time.Duration(input.Timeout) * time.Second
		if timeout <= 0 {
			timeout = time.Minute
		}
		timeout = min(timeout, maxWait)
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		t, err := deps.Client.WaitTask(waitCtx, taskID, 250*time.Millisecond)
		if err != nil {
			if waitCtx.Err() != nil {
				return ErrorResult("Flow still running after "+timeout.String(),
					"Use get_task with id "+taskID+" to check later"), nil, nil
			}
			return APIErrorResult(deps, "wait for flow", err), nil, nil
		}
		res := map[string]any{"task_id": t.ID, "status": t.Status, "result": t.Result}
		if t.Status != models.StatusCompleted {
			r := ErrorResult("Flow "+string(t.Status)+": "+t.ErrorString(), "Use get_task with id "+taskID+" for logs")
			return r, nil, nil
		}
		return JSONResult(res), nil, nil
	}
}
