package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/raphaelgruber/flowhub/internal/config"
	"github.com/raphaelgruber/flowhub/internal/llm/llmtest"
	"github.com/raphaelgruber/flowhub/internal/metrics"
)

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("embed: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isFatalAPIError(tt.err))
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	t.Run("wraps fatal error", func(t *testing.T) {
		err := errors.New("invalid api key provided")
		wrapped := wrapFatalError(err)
		assert.ErrorIs(t, wrapped, ErrFatalAPI)
		assert.ErrorIs(t, wrapped, err)
	})

	t.Run("passes through non-fatal error", func(t *testing.T) {
		err := errors.New("network timeout")
		assert.Same(t, err, wrapFatalError(err))
	})

	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, wrapFatalError(nil))
	})
}

func TestNewModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewModel(context.Background(), config.Config{LLMProvider: "nope"}, "", nil)
	assert.ErrorContains(t, err, "unsupported LLM provider")

	_, err = NewModel(context.Background(), config.Config{LLMProvider: ProviderOpenAI}, "", nil)
	assert.ErrorContains(t, err, "API key required")
}

func TestGenerate(t *testing.T) {
	c := metrics.NewCollector()
	m := NewModelFrom(fake.NewFakeLLM([]string{"hi there"}), "test-model", c)

	out, err := m.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
	assert.Equal(t, "test-model", m.Model())
	assert.Equal(t, int64(1), c.Snapshot().Operations[metrics.OpLLMGenerate].Count)
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	model := &llmtest.StreamingModel{Chunks: []string{"a", "b", "c"}}
	m := NewModelFrom(model, "test", nil)

	var got []string
	text, err := m.Stream(context.Background(), "sys", "go", func(chunk string) bool {
		got = append(got, chunk)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, "abc", text)
	assert.Equal(t, []string{"sys", "go"}, model.Prompts())
}

func TestStreamStopsWhenCallbackDeclines(t *testing.T) {
	m := NewModelFrom(&llmtest.StreamingModel{Chunks: []string{"x", "y", "z"}}, "test", nil)

	calls := 0
	text, err := m.Stream(context.Background(), "", "go", func(chunk string) bool {
		calls++
		return calls < 2
	})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "xy", text)
}

func TestStreamProviderError(t *testing.T) {
	m := NewModelFrom(&llmtest.StreamingModel{Err: errors.New("HTTP 401: bad key")}, "test", nil)
	_, err := m.Stream(context.Background(), "", "go", func(string) bool { return true })
	assert.ErrorIs(t, err, ErrFatalAPI)
}

func TestGenerateJSON(t *testing.T) {
	reply := "Sure!\n```json\n{\"name\": \"Upper\", \"inputs\": [1, 2]}\n```"
	m := NewModelFrom(fake.NewFakeLLM([]string{reply}), "test", nil)

	var out struct {
		Name   string `json:"name"`
		Inputs []int  `json:"inputs"`
	}
	require.NoError(t, m.GenerateJSON(context.Background(), "sys", "make one", &out))
	assert.Equal(t, "Upper", out.Name)
	assert.Equal(t, []int{1, 2}, out.Inputs)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n[1]\n```", `[1]`},
		{`Here you go: {"a":1} done`, `{"a":1}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractJSON(tt.in), tt.in)
	}
}

func TestEmbedder(t *testing.T) {
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = []float32{float32(len(s)), 1, 0}
		}
		return out, nil
	})
	impl, err := embeddings.NewEmbedder(client)
	require.NoError(t, err)

	e := NewEmbedderFrom(impl, "fake", 3, nil)
	vec, err := e.Embed(context.Background(), "four")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1, 0}, vec)

	batch, err := e.EmbedBatch(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	empty, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	wrong := NewEmbedderFrom(impl, "fake", 8, nil)
	_, err = wrong.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens("gpt-4", ""))
	assert.Positive(t, CountTokens("gpt-4", "hello world"))
	assert.Positive(t, CountTokens("some-local-model", "hello world"))
}
