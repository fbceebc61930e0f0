package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/store/storetest"
)

func TestTaskStoreContract(t *testing.T) {
	storetest.TaskStores(t, func(t *testing.T) store.TaskStore { return New() })
}

func TestPeriodicStoreContract(t *testing.T) {
	storetest.PeriodicStores(t, New())
}

func TestLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Create(ctx, &models.Task{Name: "n", Status: models.StatusPending})
	require.NoError(t, err)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	got.Status = models.StatusFailed

	again, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestNodeDefinitionNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	s := New()

	def := &models.NodeDefinition{Name: "prefix", ClassName: "Prefix"}
	created, err := s.CreateNodeDefinition(ctx, def)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	_, err = s.CreateNodeDefinition(ctx, &models.NodeDefinition{Name: "prefix", ClassName: "Other"})
	assert.ErrorIs(t, err, store.ErrConflict)

	other, err := s.CreateNodeDefinition(ctx, &models.NodeDefinition{Name: "upper", ClassName: "Uppercase"})
	require.NoError(t, err)
	other.Name = "prefix"
	_, err = s.UpdateNodeDefinition(ctx, other)
	assert.ErrorIs(t, err, store.ErrConflict)

	byName, err := s.GetNodeDefinitionByName(ctx, "upper")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, other.ID, byName.ID)

	list, err := s.ListNodeDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "prefix", list[0].Name)

	require.NoError(t, s.DeleteNodeDefinition(ctx, created.ID))
	assert.ErrorIs(t, s.DeleteNodeDefinition(ctx, created.ID), store.ErrNotFound)
}

func TestFlowCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	f, err := s.CreateFlow(ctx, &models.Flow{
		Owner: "alice",
		Name:  "greet",
		Graph: models.Graph{Nodes: []models.Node{{ID: "a", Type: "text_input"}}},
	})
	require.NoError(t, err)

	_, err = s.CreateFlow(ctx, &models.Flow{Owner: "bob", Name: "other"})
	require.NoError(t, err)

	mine, err := s.ListFlows(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "greet", mine[0].Name)

	f.Description = "says hello"
	updated, err := s.UpdateFlow(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "says hello", updated.Description)
	assert.Equal(t, f.CreatedAt, updated.CreatedAt)

	require.NoError(t, s.DeleteFlow(ctx, f.ID))
	got, err := s.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
