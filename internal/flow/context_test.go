package flow

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/raphaelgruber/flowhub/internal/db"
	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/models"
)

// memVectors keeps documents per owner and collection and ranks them by
// cosine similarity.
type memVectors struct {
	mu   sync.Mutex
	docs map[string][]vecDoc
}

type vecDoc struct {
	doc db.Document
	vec []float32
}

func (m *memVectors) AddDocuments(_ context.Context, owner, collection string, docs []db.Document, embs [][]float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = map[string][]vecDoc{}
	}
	key := owner + "/" + collection
	for i, d := range docs {
		m.docs[key] = append(m.docs[key], vecDoc{d, embs[i]})
	}
	return len(docs), nil
}

func (m *memVectors) SimilaritySearch(_ context.Context, owner, collection string, emb []float32, k int) ([]db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Document
	for _, d := range m.docs[owner+"/"+collection] {
		doc := d.doc
		doc.Score = cosine(emb, d.vec)
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordEmbedder maps text onto three axes: cats, dogs and everything else.
func keywordEmbedder(t *testing.T) *llm.Embedder {
	t.Helper()
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, s := range texts {
			v := []float32{0, 0, 0.1}
			for _, w := range []struct {
				word string
				axis int
			}{{"cat", 0}, {"dog", 1}} {
				if strings.Contains(strings.ToLower(s), w.word) {
					v[w.axis] = 1
				}
			}
			out[i] = v
		}
		return out, nil
	})
	impl, err := embeddings.NewEmbedder(client)
	require.NoError(t, err)
	return llm.NewEmbedderFrom(impl, "keywords", 3, nil)
}

func TestVectorStoreNodes(t *testing.T) {
	vectors := &memVectors{}
	f := newFixture(t, Options{Capabilities: Capabilities{Embedder: keywordEmbedder(t), Vectors: vectors}})
	ctx := context.Background()

	stored := f.engine.TestNode(ctx, "u1", &models.NodeDefinition{
		Name: "store", ClassName: "EmbedStore", Code: "collection: pets",
	}, map[string]any{"chunks": []any{"The cat sleeps.", "A dog barks.", "Rain today."}})
	require.Equal(t, TestSuccess, stored.Status, stored.Error)
	assert.EqualValues(t, 3, stored.Output["count"])

	search := f.engine.TestNode(ctx, "u1", &models.NodeDefinition{
		Name: "search", ClassName: "VectorSearch", Code: "collection: pets\nk: 1",
	}, map[string]any{"query": "where is my dog"})
	require.Equal(t, TestSuccess, search.Status, search.Error)
	assert.Equal(t, []any{"A dog barks."}, search.Output["documents"])

	other := f.engine.TestNode(ctx, "u2", &models.NodeDefinition{
		Name: "search", ClassName: "VectorSearch", Code: "collection: pets",
	}, map[string]any{"query": "dog"})
	require.Equal(t, TestSuccess, other.Status, other.Error)
	assert.Empty(t, other.Output["documents"])
}

func TestLLMGenerateNode(t *testing.T) {
	var requested []string
	caps := Capabilities{LLM: func(_ context.Context, model string) (*llm.Model, error) {
		requested = append(requested, model)
		return llm.NewModelFrom(fake.NewFakeLLM([]string{"a haiku"}), "fake", nil), nil
	}}
	f := newFixture(t, Options{Capabilities: caps})

	res := f.engine.TestNode(context.Background(), "u1", &models.NodeDefinition{
		Name: "gen", ClassName: "LLMGenerate", Code: "model: small",
	}, map[string]any{"prompt": "write a haiku"})
	require.Equal(t, TestSuccess, res.Status, res.Error)
	assert.Equal(t, "a haiku", res.Output["text"])
	assert.Equal(t, []string{"small"}, requested)
}

func TestGenerateDefinition(t *testing.T) {
	reply := "```json\n" + `{"name":"shout","label":"Shout","class_name":"Uppercase","runtime":"builtin",` +
		`"inputs":[{"name":"text","type":"string"}],"outputs":[{"name":"text","type":"string"}]}` + "\n```"
	caps := Capabilities{LLM: func(context.Context, string) (*llm.Model, error) {
		return llm.NewModelFrom(fake.NewFakeLLM([]string{reply}), "fake", nil), nil
	}}
	f := newFixture(t, Options{Capabilities: caps})

	def, err := f.engine.GenerateDefinition(context.Background(), "make text loud")
	require.NoError(t, err)
	assert.Equal(t, "shout", def.Name)
	assert.Equal(t, "Uppercase", def.ClassName)
	require.Len(t, def.Inputs, 1)
	assert.Equal(t, models.PortString, def.Inputs[0].Type)

	_, err = f.engine.GenerateDefinition(context.Background(), " ")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestGenerateDefinitionRejectsInvalid(t *testing.T) {
	caps := Capabilities{LLM: func(context.Context, string) (*llm.Model, error) {
		return llm.NewModelFrom(fake.NewFakeLLM([]string{`{"name":"x"}`}), "fake", nil), nil
	}}
	f := newFixture(t, Options{Capabilities: caps})

	_, err := f.engine.GenerateDefinition(context.Background(), "anything")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "class_name")
}
