// Package storetest holds behaviour tests shared by every TaskStore
// implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
)

// TaskStores runs the task store contract against stores built by newStore.
// newStore must return an empty store.
func TaskStores(t *testing.T, newStore func(t *testing.T) store.TaskStore) {
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, &models.Task{Name: "index", Owner: "alice", Status: models.StatusPending, Logs: []models.LogEntry{}})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "index", got.Name)
		assert.Equal(t, "alice", got.Owner)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.False(t, got.CreatedAt.IsZero())
		assert.Nil(t, got.StartedAt)
	})

	t.Run("load missing returns nil", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Load(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("guarded update", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, &models.Task{Name: "n", Status: models.StatusPending})
		require.NoError(t, err)

		now := time.Now()
		got, err := s.Update(ctx, id, models.TaskPatch{
			From:      models.Ptr(models.StatusPending),
			Status:    models.Ptr(models.StatusRunning),
			StartedAt: &now,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		_, err = s.Update(ctx, id, models.TaskPatch{
			From:   models.Ptr(models.StatusPending),
			Status: models.Ptr(models.StatusCancelled),
		})
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = s.Update(ctx, "missing", models.TaskPatch{Progress: models.Ptr(1)})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update result", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, &models.Task{Name: "n", Status: models.StatusRunning})
		require.NoError(t, err)

		_, err = s.Update(ctx, id, models.TaskPatch{
			Status:    models.Ptr(models.StatusCompleted),
			Progress:  models.Ptr(100),
			SetResult: true,
			Result:    map[string]any{"ok": true},
		})
		require.NoError(t, err)

		got, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, map[string]any{"ok": true}, got.Result)
	})

	t.Run("append log keeps order", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, &models.Task{Name: "n", Status: models.StatusRunning})
		require.NoError(t, err)

		for i := range 20 {
			require.NoError(t, s.AppendLog(ctx, id, models.LogEntry{
				Timestamp: time.Now(),
				Level:     models.LevelInfo,
				Message:   fmt.Sprintf("line %d", i),
			}, 0))
		}
		got, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, got.Logs, 20)
		for i, entry := range got.Logs {
			assert.Equal(t, fmt.Sprintf("line %d", i), entry.Message)
		}
		assert.Zero(t, got.LogsTruncated)
	})

	t.Run("append log truncates oldest", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, &models.Task{Name: "n", Status: models.StatusRunning})
		require.NoError(t, err)

		for i := range 7 {
			require.NoError(t, s.AppendLog(ctx, id, models.LogEntry{
				Timestamp: time.Now(),
				Level:     models.LevelInfo,
				Message:   fmt.Sprintf("line %d", i),
			}, 5))
		}
		got, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, got.Logs, 5)
		assert.Equal(t, "line 2", got.Logs[0].Message)
		assert.Equal(t, "line 6", got.Logs[4].Message)
		assert.Equal(t, 2, got.LogsTruncated)
	})

	t.Run("list filters and orders by creation", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := range 3 {
			owner := "alice"
			if i == 1 {
				owner = "bob"
			}
			id, err := s.Create(ctx, &models.Task{Name: "same", Owner: owner, Status: models.StatusPending})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		all, err := s.List(ctx, models.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, task := range all {
			assert.Equal(t, ids[i], task.ID)
		}

		alice, err := s.List(ctx, models.TaskFilter{Owner: "alice"})
		require.NoError(t, err)
		require.Len(t, alice, 2)
		assert.Equal(t, ids[0], alice[0].ID)
		assert.Equal(t, ids[2], alice[1].ID)

		running, err := s.List(ctx, models.TaskFilter{Status: []models.Status{models.StatusRunning}})
		require.NoError(t, err)
		assert.Empty(t, running)
	})

	t.Run("reconcile interrupted", func(t *testing.T) {
		s := newStore(t)
		running, err := s.Create(ctx, &models.Task{Name: "r", Status: models.StatusRunning})
		require.NoError(t, err)
		pending, err := s.Create(ctx, &models.Task{Name: "p", Status: models.StatusPending})
		require.NoError(t, err)
		done, err := s.Create(ctx, &models.Task{Name: "d", Status: models.StatusCompleted})
		require.NoError(t, err)

		n, err := s.ReconcileInterrupted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Load(ctx, running)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, store.ReconcileError, got.ErrorString())
		assert.NotNil(t, got.CompletedAt)

		got, err = s.Load(ctx, pending)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)

		got, err = s.Load(ctx, done)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Nil(t, got.Error)
	})
}

// PeriodicStores runs the periodic store contract.
func PeriodicStores(t *testing.T, s store.PeriodicStore) {
	ctx := context.Background()

	last, err := s.LastRun(ctx, "rss_fetch")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SetLastRun(ctx, "rss_fetch", at))
	last, err = s.LastRun(ctx, "rss_fetch")
	require.NoError(t, err)
	assert.True(t, at.Equal(last), "want %v got %v", at, last)
}
