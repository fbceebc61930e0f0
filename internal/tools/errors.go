package tools

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/flowhub/internal/client"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so LLM can see the error and self-correct.
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// JSONResult creates a success result with v as indented JSON.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(b))
}

// APIErrorResult maps a server error to a tool error with a hint.
func APIErrorResult(deps *Dependencies, action string, err error) *mcp.CallToolResult {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		deps.Logger.Error(action+" failed", "error", err)
		return ErrorResult(action+" failed", "Server may be unavailable")
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return ErrorResult(apiErr.Message, "Check the ID; list_tasks or list_flows show valid ones")
	case http.StatusConflict:
		return ErrorResult(apiErr.Message, "The task already finished")
	case http.StatusBadRequest:
		return ErrorResult(apiErr.Error(), "Fix the input and retry")
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorResult(apiErr.Message, "Check FLOWHUB_TOKEN")
	}
	deps.Logger.Error(action+" failed", "status", apiErr.StatusCode, "error", apiErr.Message)
	return ErrorResult(action+" failed: "+apiErr.Message, "")
}
