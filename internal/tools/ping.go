package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// PingInput defines the input schema for the ping tool.
type PingInput struct {
	Echo   string `json:"echo,omitempty" jsonschema:"Text to echo back"`
	Server bool   `json:"server,omitempty" jsonschema:"Also check that the flowhub server is reachable"`
}

// NewPingHandler responds with "pong" or echoes input. With server set it
// reports an error result when the flowhub server does not answer.
func NewPingHandler(deps *Dependencies) mcp.ToolHandlerFor[PingInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input PingInput) (*mcp.CallToolResult, any, error) {
		deps.Logger.Debug("ping tool called", "echo", input.Echo, "server", input.Server)

		if input.Server {
			if err := deps.Client.Health(ctx); err != nil {
				return ErrorResult("flowhub server unreachable: "+err.Error(), "Check FLOWHUB_SERVER_URL"), nil, nil
			}
		}
		if input.Echo != "" {
			return TextResult(input.Echo), nil, nil
		}
		return TextResult("pong"), nil, nil
	}
}
