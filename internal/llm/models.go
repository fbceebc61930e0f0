package llm

import (
	"context"
	"sync"

	"github.com/raphaelgruber/flowhub/internal/config"
	"github.com/raphaelgruber/flowhub/internal/metrics"
)

// Models hands out one Model per model name, created on first use.
type Models struct {
	cfg     config.Config
	metrics *metrics.Collector
	create  func(ctx context.Context, cfg config.Config, name string, m *metrics.Collector) (*Model, error)

	mu     sync.Mutex
	models map[string]*Model
}

// NewModels creates a cache building models from cfg.
func NewModels(cfg config.Config, m *metrics.Collector) *Models {
	return &Models{cfg: cfg, metrics: m, create: NewModel, models: make(map[string]*Model)}
}

// Get returns the model named name; empty selects the configured default.
// Failed creations are not cached.
func (ms *Models) Get(ctx context.Context, name string) (*Model, error) {
	if name == "" {
		name = ms.cfg.LLMModel
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if m, ok := ms.models[name]; ok {
		return m, nil
	}
	m, err := ms.create(ctx, ms.cfg, name, ms.metrics)
	if err != nil {
		return nil, err
	}
	ms.models[name] = m
	return m, nil
}

// Default returns the configured default model.
func (ms *Models) Default(ctx context.Context) (*Model, error) {
	return ms.Get(ctx, "")
}
