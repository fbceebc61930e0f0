package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/api"
	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/hub"
	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/llm/llmtest"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store/memory"
	"github.com/raphaelgruber/flowhub/internal/stream"
	"github.com/raphaelgruber/flowhub/internal/task"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// newServer starts the full API over an in-memory store.
func newServer(t *testing.T, model *llmtest.StreamingModel) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := memory.New()
	for _, def := range []models.NodeDefinition{
		{Name: "text_input", ClassName: "TextInput", Outputs: []models.Port{{Name: "text", Type: models.PortString}}},
		{Name: "upper", ClassName: "Uppercase", Inputs: []models.Port{{Name: "text", Type: models.PortString}}, Outputs: []models.Port{{Name: "text", Type: models.PortString}}},
	} {
		_, err := s.CreateNodeDefinition(ctx, &def)
		require.NoError(t, err)
	}

	h := hub.New(hub.Options{Logger: discard})
	go h.Run(ctx)
	m := task.NewManager(s, task.Options{Workers: 2, Publisher: h, Logger: discard})
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = m.Shutdown(sctx)
	})

	d := api.Deps{
		Tasks:  m,
		Flows:  s,
		Engine: flow.NewEngine(flow.Options{Store: s, Tasks: m, Logger: discard}),
		Bridge: stream.NewBridge(m, stream.Options{Publisher: h, Logger: discard}),
		Hub:    h,
		Tokens: api.Tokens{"tok": {UserID: "alice"}},
		Logger: discard,
	}
	if model != nil {
		d.LLM = func(context.Context, string) (*llm.Model, error) {
			return llm.NewModelFrom(model, "test", nil), nil
		}
	}
	srv := httptest.NewServer(api.New(d).Router())
	t.Cleanup(srv.Close)
	return srv
}

func graph(text string) models.Graph {
	return models.Graph{
		Nodes: []models.Node{
			{ID: "A", Type: "text_input", Data: map[string]any{"text": text}},
			{ID: "B", Type: "upper"},
		},
		Edges: []models.Edge{{Source: "A", SourceHandle: "text", Target: "B", TargetHandle: "text"}},
	}
}

func TestClientFlowsAndTasks(t *testing.T) {
	srv := newServer(t, nil)
	c := New(srv.URL, "tok")
	ctx := context.Background()

	f, err := c.CreateFlow(ctx, models.Flow{Name: "shout", Graph: graph("hi")})
	require.NoError(t, err)

	flows, err := c.ListFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	id, err := c.ExecuteFlow(ctx, f.ID, map[string]map[string]any{"A": {"text": "yo"}})
	require.NoError(t, err)

	row, err := c.WaitTask(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, row.Status)

	tasks, err := c.ListTasks(ctx, ListTasksOptions{Status: []models.Status{models.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "flow:shout", tasks[0].Name)

	_, err = c.CancelTask(ctx, id)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = c.GetTask(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestClientReportsCycle(t *testing.T) {
	srv := newServer(t, nil)
	c := New(srv.URL, "tok")

	g := models.Graph{
		Nodes: []models.Node{{ID: "A", Type: "upper"}, {ID: "B", Type: "upper"}},
		Edges: []models.Edge{
			{Source: "A", SourceHandle: "text", Target: "B", TargetHandle: "text"},
			{Source: "B", SourceHandle: "text", Target: "A", TargetHandle: "text"},
		},
	}
	_, err := c.ExecuteGraph(context.Background(), g, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Cycle)
	assert.Contains(t, err.Error(), "cycle:")
}

func TestClientUnauthorized(t *testing.T) {
	srv := newServer(t, nil)
	_, err := New(srv.URL, "wrong").ListTasks(context.Background(), ListTasksOptions{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientNodes(t *testing.T) {
	srv := newServer(t, nil)
	c := New(srv.URL, "tok")
	ctx := context.Background()

	doc := "---\nname: loud\nclass_name: Uppercase\ninputs:\n  - name: text\n    type: string\noutputs:\n  - name: text\n    type: string\n---\n"
	def, err := c.ImportNode(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "alice", def.Author)

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	res, err := c.TestNode(ctx, *def, map[string]any{"text": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "ABC", res.Output["text"])

	require.NoError(t, c.InstallNode(ctx, "loud"))
}

func TestClientGenerateStream(t *testing.T) {
	srv := newServer(t, &llmtest.StreamingModel{Chunks: []string{"one ", "two"}})
	c := New(srv.URL, "tok")

	var got []string
	res, err := c.GenerateStream(context.Background(), StreamRequest{Prompt: "count"}, func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two"}, got)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.TaskID)
}

func TestClientGenerateStreamAbort(t *testing.T) {
	srv := newServer(t, &llmtest.StreamingModel{
		Chunks: []string{"a", "b", "c", "d"},
		Delay:  50 * time.Millisecond,
	})
	c := New(srv.URL, "tok")
	stop := errors.New("enough")

	res, err := c.GenerateStream(context.Background(), StreamRequest{Prompt: "go"}, func(string) error {
		return stop
	})
	require.ErrorIs(t, err, stop)

	row, err := c.WaitTask(context.Background(), res.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)
}

func TestClientWatchTask(t *testing.T) {
	srv := newServer(t, nil)
	c := New(srv.URL, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.ExecuteGraph(ctx, graph("watch"), nil)
	require.NoError(t, err)

	var updates int
	final, err := c.WatchTask(ctx, id, func(models.TaskEventData) { updates++ })
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Positive(t, updates)

	// Already terminal: returns from the initial snapshot.
	final, err = c.WatchTask(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
}
