// Package llmtest provides scripted langchaingo models for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// StreamingModel replies with Chunks, delivered one by one to the streaming
// callback with Delay between them. Without a streaming callback the chunks
// are joined into a single reply.
type StreamingModel struct {
	Chunks []string
	Delay  time.Duration
	Err    error

	mu      sync.Mutex
	prompts []string
}

var _ llms.Model = (*StreamingModel)(nil)

// GenerateContent implements llms.Model.
func (m *StreamingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.record(messages)
	if m.Err != nil {
		return nil, m.Err
	}

	var sb strings.Builder
	for i, c := range m.Chunks {
		if i > 0 && m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		sb.WriteString(c)
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: sb.String()}}}, nil
}

// Call implements llms.Model.
func (m *StreamingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// Prompts returns the text of every message received, in order.
func (m *StreamingModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *StreamingModel) record(messages []llms.MessageContent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		for _, p := range msg.Parts {
			if t, ok := p.(llms.TextContent); ok {
				m.prompts = append(m.prompts, t.Text)
			}
		}
	}
}

// ErrUnavailable simulates a provider outage.
var ErrUnavailable = errors.New("model unavailable")
