package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
// This is called from main after server creation but before Run().
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Test tool - responds with pong or echoes input",
	}, NewPingHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List your background tasks, newest first, optionally filtered by status or name",
	}, NewListTasksHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_task",
		Description: "Get a task's status, progress, logs and result by ID",
	}, NewGetTaskHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_task",
		Description: "Cancel a pending or running task",
	}, NewCancelTaskHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_flows",
		Description: "List your stored flows",
	}, NewListFlowsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_flow",
		Description: "Execute a stored flow with optional per-node input overrides; optionally wait for the result",
	}, NewExecuteFlowHandler(deps))
}
