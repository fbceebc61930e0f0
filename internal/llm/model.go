// Package llm provides LLM, embedding and tool services using langchaingo.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/flowhub/internal/config"
	"github.com/raphaelgruber/flowhub/internal/metrics"
)

// Supported providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderVoyage    = "voyage"
)

// ErrStopped is returned by Stream when the chunk callback asked to stop.
var ErrStopped = errors.New("generation stopped by caller")

// Model wraps a langchaingo model for text generation.
type Model struct {
	llm       llms.Model
	modelName string
	metrics   *metrics.Collector
}

// NewModel creates an LLM model based on configuration. An empty model name
// selects cfg.LLMModel.
func NewModel(ctx context.Context, cfg config.Config, modelName string, m *metrics.Collector) (*Model, error) {
	if modelName == "" {
		modelName = cfg.LLMModel
	}

	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case ProviderBedrock:
		client, clientErr := bedrockClient(ctx, cfg.AWSRegion)
		if clientErr != nil {
			return nil, clientErr
		}
		model, err = bedrock.New(
			bedrock.WithClient(client),
			bedrock.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelFrom(model, modelName, m), nil
}

// NewModelFrom wraps an existing langchaingo model.
func NewModelFrom(model llms.Model, modelName string, m *metrics.Collector) *Model {
	return &Model{llm: model, modelName: modelName, metrics: m}
}

func bedrockClient(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// Generate generates text based on a prompt.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	return m.GenerateWithSystem(ctx, "", prompt)
}

// GenerateWithSystem generates text with an optional system prompt.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts ...llms.CallOption) (string, error) {
	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages(systemPrompt, userPrompt), opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	text := response.Choices[0].Content
	m.metrics.RecordLLMUsage(metrics.OpLLMGenerate, time.Since(start),
		int64(CountTokens(m.modelName, systemPrompt+userPrompt)), int64(CountTokens(m.modelName, text)))
	return text, nil
}

// Stream generates text and calls onChunk for every chunk in order. When
// onChunk returns false the generation is aborted and ErrStopped returned
// together with the text received so far.
func (m *Model) Stream(ctx context.Context, systemPrompt, userPrompt string, onChunk func(chunk string) bool) (string, error) {
	start := time.Now()
	var sb strings.Builder
	stopped := false

	_, err := m.llm.GenerateContent(ctx, messages(systemPrompt, userPrompt),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if stopped {
				return ErrStopped
			}
			if len(chunk) == 0 {
				return nil
			}
			sb.Write(chunk)
			if !onChunk(string(chunk)) {
				stopped = true
				return ErrStopped
			}
			return nil
		}),
	)
	m.metrics.RecordLLMUsage(metrics.OpLLMStream, time.Since(start),
		int64(CountTokens(m.modelName, systemPrompt+userPrompt)), int64(CountTokens(m.modelName, sb.String())))

	if stopped {
		return sb.String(), ErrStopped
	}
	if err != nil {
		return sb.String(), fmt.Errorf("stream: %w", wrapFatalError(err))
	}
	return sb.String(), nil
}

// GenerateJSON asks for a JSON document and decodes it into out.
func (m *Model) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	text, err := m.GenerateWithSystem(ctx, systemPrompt, userPrompt, llms.WithJSONMode())
	if err != nil {
		return err
	}
	raw := extractJSON(text)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		slog.Debug("model returned invalid JSON", "model", m.modelName, "response", text)
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

func messages(systemPrompt, userPrompt string) []llms.MessageContent {
	var msgs []llms.MessageContent
	if systemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt))
}

// extractJSON strips markdown fences and surrounding prose from a model reply.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "}]")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
