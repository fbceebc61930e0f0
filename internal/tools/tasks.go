package tools

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/flowhub/internal/client"
	"github.com/raphaelgruber/flowhub/internal/models"
)

// maxTaskLogs bounds the log entries returned by get_task.
const maxTaskLogs = 50

// ListTasksInput defines the input schema for the list_tasks tool.
type ListTasksInput struct {
	Status []string `json:"status,omitempty" jsonschema:"Filter by status: PENDING, RUNNING, COMPLETED, FAILED, CANCELLED"`
	Name   string   `json:"name,omitempty" jsonschema:"Filter by exact task name, e.g. flow:my-flow"`
	Limit  int      `json:"limit,omitempty" jsonschema:"Max results 1-100, default 20"`
}

type taskSummary struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   models.Status `json:"status"`
	Progress int           `json:"progress"`
	Error    string        `json:"error,omitempty"`
}

// NewListTasksHandler creates the list_tasks tool handler.
func NewListTasksHandler(deps *Dependencies) mcp.ToolHandlerFor[ListTasksInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListTasksInput) (*mcp.CallToolResult, any, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			return ErrorResult("Limit must be 1-100", "Reduce limit value"), nil, nil
		}

		opts := client.ListTasksOptions{Name: input.Name, Limit: limit}
		for _, s := range input.Status {
			st := models.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return ErrorResult("Unknown status "+s, "Use PENDING, RUNNING, COMPLETED, FAILED or CANCELLED"), nil, nil
			}
			opts.Status = append(opts.Status, st)
		}

		tasks, err := deps.Client.ListTasks(ctx, opts)
		if err != nil {
			return APIErrorResult(deps, "list tasks", err), nil, nil
		}
		out := make([]taskSummary, len(tasks))
		for i, t := range tasks {
			out[i] = taskSummary{ID: t.ID, Name: t.Name, Status: t.Status, Progress: t.Progress, Error: t.ErrorString()}
		}
		deps.Logger.Info("list_tasks completed", "results", len(out))
		return JSONResult(map[string]any{"tasks": out, "count": len(out)}), nil, nil
	}
}

// TaskIDInput identifies one task.
type TaskIDInput struct {
	ID string `json:"id" jsonschema:"required,The task ID"`
}

// NewGetTaskHandler creates the get_task tool handler. Only the most
// recent log entries are returned.
func NewGetTaskHandler(deps *Dependencies) mcp.ToolHandlerFor[TaskIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input TaskIDInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return ErrorResult("ID cannot be empty", "Provide a task ID from list_tasks"), nil, nil
		}
		t, err := deps.Client.GetTask(ctx, input.ID)
		if err != nil {
			return APIErrorResult(deps, "get task", err), nil, nil
		}
		if n := len(t.Logs); n > maxTaskLogs {
			t.LogsTruncated += n - maxTaskLogs
			t.Logs = t.Logs[n-maxTaskLogs:]
		}
		return JSONResult(t), nil, nil
	}
}

// NewCancelTaskHandler creates the cancel_task tool handler.
func NewCancelTaskHandler(deps *Dependencies) mcp.ToolHandlerFor[TaskIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input TaskIDInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return ErrorResult("ID cannot be empty", "Provide a task ID from list_tasks"), nil, nil
		}
		t, err := deps.Client.CancelTask(ctx, input.ID)
		if err != nil {
			return APIErrorResult(deps, "cancel task", err), nil, nil
		}
		deps.Logger.Info("task cancelled", "task_id", t.ID, "status", t.Status)
		return JSONResult(taskSummary{ID: t.ID, Name: t.Name, Status: t.Status, Progress: t.Progress, Error: t.ErrorString()}), nil, nil
	}
}
