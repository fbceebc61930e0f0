package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
)

// Document is one embedded text stored for similarity search.
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score,omitempty"`
}

// AddDocuments stores documents with their embeddings in collection.
// len(embeddings) must equal len(docs).
func (c *Client) AddDocuments(ctx context.Context, owner, collection string, docs []Document, embeddings [][]float32) (int, error) {
	if len(docs) != len(embeddings) {
		return 0, fmt.Errorf("add documents: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	if len(docs) == 0 {
		return 0, nil
	}
	rows := make([]map[string]any, len(docs))
	for i, d := range docs {
		rows[i] = map[string]any{
			"collection": collection,
			"owner":      owner,
			"content":    d.Content,
			"embedding":  embeddings[i],
		}
		if d.Metadata != nil {
			rows[i]["metadata"] = d.Metadata
		}
	}
	results, err := surrealdb.Query[[]map[string]any](ctx, c.db, `
		INSERT INTO document $rows RETURN id
	`, map[string]any{"rows": rows})
	if err != nil {
		return 0, fmt.Errorf("add documents: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// SimilaritySearch returns the k documents of collection nearest to emb.
func (c *Client) SimilaritySearch(ctx context.Context, owner, collection string, emb []float32, k int) ([]Document, error) {
	if k <= 0 {
		k = 4
	}
	sql := fmt.Sprintf(`
		SELECT content, metadata, vector::similarity::cosine(embedding, $emb) AS score
		FROM document
		WHERE owner = $owner AND collection = $collection AND embedding <|%d,40|> $emb
		ORDER BY score DESC
	`, k)
	results, err := surrealdb.Query[[]Document](ctx, c.db, sql, map[string]any{
		"owner":      owner,
		"collection": collection,
		"emb":        emb,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []Document{}, nil
	}
	return (*results)[0].Result, nil
}
