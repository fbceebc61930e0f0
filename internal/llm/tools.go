package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolServer is an MCP server started as a subprocess.
type ToolServer struct {
	Name    string
	Command string
	Args    []string
}

// ParseToolServers parses "name=command arg ...;name2=command2" lists.
func ParseToolServers(spec string) ([]ToolServer, error) {
	var out []ToolServer
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, cmdline, ok := strings.Cut(part, "=")
		fields := strings.Fields(cmdline)
		if !ok || strings.TrimSpace(name) == "" || len(fields) == 0 {
			return nil, fmt.Errorf("invalid tool server %q: want name=command", part)
		}
		out = append(out, ToolServer{Name: strings.TrimSpace(name), Command: fields[0], Args: fields[1:]})
	}
	return out, nil
}

// Tool is a tool discovered on a connected server.
type Tool struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolSet holds MCP client sessions and the tools they expose. Tool names
// are qualified as "server.tool".
type ToolSet struct {
	client *mcp.Client
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*mcp.ClientSession
	tools    map[string]Tool
}

// NewToolSet creates an empty tool set.
func NewToolSet(logger *slog.Logger) *ToolSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolSet{
		client:   mcp.NewClient(&mcp.Implementation{Name: "flowhub", Version: "1.0.0"}, nil),
		logger:   logger,
		sessions: make(map[string]*mcp.ClientSession),
		tools:    make(map[string]Tool),
	}
}

// ConnectCommand starts srv and registers its tools.
func (ts *ToolSet) ConnectCommand(ctx context.Context, srv ToolServer) error {
	cmd := exec.Command(srv.Command, srv.Args...)
	return ts.Connect(ctx, srv.Name, &mcp.CommandTransport{Command: cmd})
}

// Connect opens a session over transport and registers its tools under name.
func (ts *ToolSet) Connect(ctx context.Context, name string, transport mcp.Transport) error {
	session, err := ts.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect tool server %s: %w", name, err)
	}

	found := make(map[string]Tool)
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("list tools of %s: %w", name, err)
		}
		found[name+"."+tool.Name] = Tool{Server: name, Name: tool.Name, Description: tool.Description}
	}

	ts.mu.Lock()
	if old, ok := ts.sessions[name]; ok {
		_ = old.Close()
		for k, t := range ts.tools {
			if t.Server == name {
				delete(ts.tools, k)
			}
		}
	}
	ts.sessions[name] = session
	for k, t := range found {
		ts.tools[k] = t
	}
	ts.mu.Unlock()

	ts.logger.Info("connected tool server", "server", name, "tools", len(found))
	return nil
}

// Tools returns all registered tools sorted by qualified name.
func (ts *ToolSet) Tools() []Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]Tool, 0, len(ts.tools))
	for _, t := range ts.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Call invokes a tool by qualified name and returns its text output.
func (ts *ToolSet) Call(ctx context.Context, qualified string, args map[string]any) (string, error) {
	ts.mu.RLock()
	tool, ok := ts.tools[qualified]
	var session *mcp.ClientSession
	if ok {
		session = ts.sessions[tool.Server]
	}
	ts.mu.RUnlock()
	if !ok || session == nil {
		return "", fmt.Errorf("unknown tool %q", qualified)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool.Name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", qualified, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if sb.Len() == 0 && res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err == nil {
			sb.Write(raw)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", qualified, sb.String())
	}
	return sb.String(), nil
}

// Close closes every session.
func (ts *ToolSet) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var errs []error
	for name, s := range ts.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	clear(ts.sessions)
	clear(ts.tools)
	return errors.Join(errs...)
}
