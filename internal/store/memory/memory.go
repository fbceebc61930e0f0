// Package memory provides an in-process implementation of every store
// interface. It backs unit tests and single-binary deployments without a
// database.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
)

// Store keeps rows in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	seq      int64
	tasks    map[string]*models.Task
	nodes    map[string]*models.NodeDefinition
	flows    map[string]*models.Flow
	lastRuns map[string]time.Time

	now func() time.Time
}

var (
	_ store.TaskStore     = (*Store)(nil)
	_ store.FlowStore     = (*Store)(nil)
	_ store.PeriodicStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*models.Task),
		nodes:    make(map[string]*models.NodeDefinition),
		flows:    make(map[string]*models.Flow),
		lastRuns: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Create inserts a task row.
func (s *Store) Create(_ context.Context, t *models.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := t.Clone()
	if row.ID == "" {
		row.ID = uuid.New().String()[:8]
	}
	if _, exists := s.tasks[row.ID]; exists {
		return "", fmt.Errorf("%w: task %s already exists", store.ErrConflict, row.ID)
	}
	now := s.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.seq++
	row.Seq = s.seq
	s.tasks[row.ID] = row
	return row.ID, nil
}

// Load returns a copy of the row or nil.
func (s *Store) Load(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id].Clone(), nil
}

// Update applies a patch under the store lock.
func (s *Store) Update(_ context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if patch.From != nil && row.Status != *patch.From {
		return nil, fmt.Errorf("%w: task %s is %s, not %s", store.ErrConflict, id, row.Status, *patch.From)
	}
	patch.Apply(row, s.now())
	return row.Clone(), nil
}

// AppendLog appends one entry, dropping the oldest beyond limit.
func (s *Store) AppendLog(_ context.Context, id string, entry models.LogEntry, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	row.Logs = append(row.Logs, entry)
	if limit > 0 && len(row.Logs) > limit {
		drop := len(row.Logs) - limit
		row.Logs = slices.Clone(row.Logs[drop:])
		row.LogsTruncated += drop
	}
	row.UpdatedAt = s.now()
	return nil
}

// List returns matching rows in creation order.
func (s *Store) List(_ context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// ReconcileInterrupted terminates rows left PENDING or RUNNING.
func (s *Store) ReconcileInterrupted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, t := range s.tasks {
		var to models.Status
		switch t.Status {
		case models.StatusRunning:
			to = models.StatusFailed
		case models.StatusPending:
			to = models.StatusCancelled
		default:
			continue
		}
		models.TaskPatch{
			Status:      &to,
			Error:       models.Ptr(store.ReconcileError),
			CompletedAt: &now,
		}.Apply(t, now)
		n++
	}
	return n, nil
}

// LastRun returns the recorded completion time of a periodic job.
func (s *Store) LastRun(_ context.Context, job string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRuns[job], nil
}

// SetLastRun records a periodic job completion.
func (s *Store) SetLastRun(_ context.Context, job string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRuns[job] = at
	return nil
}
