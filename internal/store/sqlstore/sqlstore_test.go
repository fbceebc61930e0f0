package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNodeDefinitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.CreateNodeDefinition(ctx, &models.NodeDefinition{
		Name:         "prefix",
		Label:        "Prefix",
		Inputs:       []models.Port{{Name: "text", Type: models.PortString}},
		Outputs:      []models.Port{{Name: "text", Type: models.PortString}},
		Code:         "prefix: \"> \"",
		ClassName:    "Prefix",
		Requirements: []string{"requests==2.32.3"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.GetNodeDefinitionByName(ctx, "prefix")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []models.Port{{Name: "text", Type: models.PortString}}, got.Inputs)
	assert.Equal(t, []string{"requests==2.32.3"}, got.Requirements)

	missing, err := s.GetNodeDefinition(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNodeDefinitionDuplicateNameConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateNodeDefinition(ctx, &models.NodeDefinition{Name: "upper", ClassName: "Uppercase"})
	require.NoError(t, err)
	_, err = s.CreateNodeDefinition(ctx, &models.NodeDefinition{Name: "upper", ClassName: "Uppercase"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestNodeDefinitionUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	def, err := s.CreateNodeDefinition(ctx, &models.NodeDefinition{Name: "upper", ClassName: "Uppercase"})
	require.NoError(t, err)

	def.Label = "Upper Case"
	def.IsPublic = true
	updated, err := s.UpdateNodeDefinition(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "Upper Case", updated.Label)
	assert.True(t, updated.IsPublic)

	_, err = s.UpdateNodeDefinition(ctx, &models.NodeDefinition{ID: "nope", Name: "x", ClassName: "X"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteNodeDefinition(ctx, def.ID))
	assert.ErrorIs(t, s.DeleteNodeDefinition(ctx, def.ID), store.ErrNotFound)
}

func TestFlowGraphIsStoredAsJSON(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	graph := models.Graph{
		Nodes: []models.Node{
			{ID: "a", Type: "text_input", Data: map[string]any{"text": "hello"}},
			{ID: "b", Type: "prefix"},
		},
		Edges: []models.Edge{{Source: "a", SourceHandle: "text", Target: "b", TargetHandle: "text"}},
	}
	f, err := s.CreateFlow(ctx, &models.Flow{Owner: "alice", Name: "greet", Graph: graph})
	require.NoError(t, err)

	got, err := s.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, graph, got.Graph)

	got.Name = "greet v2"
	updated, err := s.UpdateFlow(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "greet v2", updated.Name)

	flows, err := s.ListFlows(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	flows, err = s.ListFlows(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, flows)

	require.NoError(t, s.DeleteFlow(ctx, f.ID))
	assert.ErrorIs(t, s.DeleteFlow(ctx, f.ID), store.ErrNotFound)
}
