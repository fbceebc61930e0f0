package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/raphaelgruber/flowhub/internal/config"
	"github.com/raphaelgruber/flowhub/internal/metrics"
)

func TestModelsCachesByName(t *testing.T) {
	ms := NewModels(config.Config{LLMModel: "default-model"}, nil)
	created := map[string]int{}
	ms.create = func(_ context.Context, _ config.Config, name string, m *metrics.Collector) (*Model, error) {
		created[name]++
		if name == "broken" {
			return nil, errors.New("no such model")
		}
		return NewModelFrom(fake.NewFakeLLM([]string{"ok"}), name, m), nil
	}

	a, err := ms.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default-model", a.Model())

	b, err := ms.Get(context.Background(), "default-model")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := ms.Get(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, "other", other.Model())

	_, err = ms.Get(context.Background(), "broken")
	assert.Error(t, err)
	_, err = ms.Get(context.Background(), "broken")
	assert.Error(t, err)

	assert.Equal(t, map[string]int{"default-model": 1, "other": 1, "broken": 2}, created)
}
