package llm

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolServers(t *testing.T) {
	servers, err := ParseToolServers("fs=mcp-fs --root /tmp; git = mcp-git")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, ToolServer{Name: "fs", Command: "mcp-fs", Args: []string{"--root", "/tmp"}}, servers[0])
	assert.Equal(t, "git", servers[1].Name)
	assert.Empty(t, servers[1].Args)

	none, err := ParseToolServers("")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = ParseToolServers("broken")
	assert.Error(t, err)
}

type echoArgs struct {
	Text string `json:"text"`
}

func TestToolSetDiscoversAndCalls(t *testing.T) {
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "echo", Version: "0.1.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echo text"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Text}}}, nil, nil
		})

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	defer ss.Close()

	ts := NewToolSet(nil)
	require.NoError(t, ts.Connect(ctx, "local", clientT))
	defer ts.Close()

	tools := ts.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, Tool{Server: "local", Name: "echo", Description: "echo text"}, tools[0])

	out, err := ts.Call(ctx, "local.echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	_, err = ts.Call(ctx, "local.missing", nil)
	assert.ErrorContains(t, err, "unknown tool")
}
