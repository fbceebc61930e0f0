package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	maxArgLogLen = 200
	// Tool calls proxy to the HTTP API, so the threshold is looser than
	// for in-process handlers.
	slowRequestThreshold = 500 * time.Millisecond
)

// LoggingMiddleware logs every request with its duration. Tool calls carry
// the tool name and truncated arguments; tool results flagged as errors are
// logged at WARN even though the protocol call succeeded.
func LoggingMiddleware(logger *slog.Logger) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)
			duration := time.Since(start)

			attrs := []any{
				"method", method,
				"duration_ms", duration.Milliseconds(),
			}
			if p, ok := req.GetParams().(*mcp.CallToolParamsRaw); ok {
				attrs = append(attrs, "tool", p.Name)
				if len(p.Arguments) > 0 {
					attrs = append(attrs, "args", truncate(string(p.Arguments), maxArgLogLen))
				}
			}

			switch {
			case err != nil:
				attrs = append(attrs, "error", err.Error())
				logger.Error("request failed", attrs...)
			case isToolError(result):
				logger.Warn("tool returned error", attrs...)
			case duration > slowRequestThreshold:
				logger.Warn("slow request", attrs...)
			default:
				logger.Debug("request completed", attrs...)
			}
			return result, err
		}
	}
}

func isToolError(r mcp.Result) bool {
	res, ok := r.(*mcp.CallToolResult)
	return ok && res != nil && res.IsError
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
