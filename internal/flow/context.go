package flow

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/flowhub/internal/db"
	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/task"
)

// VectorBackend stores and searches embedded documents. *db.Client
// implements it.
type VectorBackend interface {
	AddDocuments(ctx context.Context, owner, collection string, docs []db.Document, embeddings [][]float32) (int, error)
	SimilaritySearch(ctx context.Context, owner, collection string, embedding []float32, k int) ([]db.Document, error)
}

// Capabilities are the external services nodes may reach. Nil fields are
// unavailable.
type Capabilities struct {
	// LLM returns a client for model; an empty name selects the default.
	LLM      func(ctx context.Context, model string) (*llm.Model, error)
	Embedder *llm.Embedder
	Vectors  VectorBackend
	Tools    *llm.ToolSet
}

// NodeContext is passed to every node execution. It is the only way for
// node code to reach the engine and external capabilities.
type NodeContext struct {
	Engine *Engine
	Owner  string
	NodeID string
	Graph  models.Graph
	Handle *task.Handle

	caps *Capabilities
}

// Log writes to the task log.
func (c *NodeContext) Log(msg string) {
	if c.Handle != nil {
		c.Handle.Log(models.LevelInfo, msg)
	}
}

// Cancelled reports whether the surrounding task was cancelled.
func (c *NodeContext) Cancelled() bool {
	return c.Handle != nil && c.Handle.Cancelled()
}

// LLM returns a client for model, or the default model when empty.
func (c *NodeContext) LLM(ctx context.Context, model string) (*llm.Model, error) {
	if c.caps == nil || c.caps.LLM == nil {
		return nil, fmt.Errorf("llm: %w", ErrCapabilityUnavailable)
	}
	return c.caps.LLM(ctx, model)
}

// VectorStore returns the owner's vector collection.
func (c *NodeContext) VectorStore(collection string) (*VectorStore, error) {
	if c.caps == nil || c.caps.Vectors == nil || c.caps.Embedder == nil {
		return nil, fmt.Errorf("vector store: %w", ErrCapabilityUnavailable)
	}
	if collection == "" {
		collection = "default"
	}
	return &VectorStore{backend: c.caps.Vectors, embedder: c.caps.Embedder, owner: c.Owner, collection: collection}, nil
}

// Tools returns the MCP tool set.
func (c *NodeContext) Tools() (*llm.ToolSet, error) {
	if c.caps == nil || c.caps.Tools == nil {
		return nil, fmt.Errorf("tools: %w", ErrCapabilityUnavailable)
	}
	return c.caps.Tools, nil
}

// TextToImage is not configured in this deployment.
func (c *NodeContext) TextToImage(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("text to image: %w", ErrCapabilityUnavailable)
}

// TextToSpeech is not configured in this deployment.
func (c *NodeContext) TextToSpeech(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("text to speech: %w", ErrCapabilityUnavailable)
}

// SpeechToText is not configured in this deployment.
func (c *NodeContext) SpeechToText(context.Context, []byte) (string, error) {
	return "", fmt.Errorf("speech to text: %w", ErrCapabilityUnavailable)
}

// VectorStore is one owner-scoped collection.
type VectorStore struct {
	backend    VectorBackend
	embedder   *llm.Embedder
	owner      string
	collection string
}

// Add embeds and stores texts.
func (v *VectorStore) Add(ctx context.Context, texts []string, metadata map[string]any) (int, error) {
	vectors, err := v.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	docs := make([]db.Document, len(texts))
	for i, t := range texts {
		docs[i] = db.Document{Content: t, Metadata: metadata}
	}
	return v.backend.AddDocuments(ctx, v.owner, v.collection, docs, vectors)
}

// Search returns the k documents most similar to query.
func (v *VectorStore) Search(ctx context.Context, query string, k int) ([]db.Document, error) {
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return v.backend.SimilaritySearch(ctx, v.owner, v.collection, vec, k)
}
