// Package store defines the persistence contracts used by the task manager,
// the flow engine and the periodic driver.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// Sentinel errors shared by every store implementation.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the requested task, flow or node definition does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique name clash or a guarded update whose
	// precondition no longer holds (e.g. cancelling a terminal task).
	ErrConflict = errors.New("conflict")
)

// TaskStore persists task rows. Each call is atomic.
type TaskStore interface {
	// Create inserts a new row. An empty ID is assigned by the store.
	Create(ctx context.Context, t *models.Task) (string, error)

	// Load returns the row, or nil without error when it does not exist.
	Load(ctx context.Context, id string) (*models.Task, error)

	// Update applies patch and returns the updated row. A patch with From set
	// fails with ErrConflict when the row is in a different status.
	Update(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)

	// AppendLog appends entry. With limit > 0 only the newest limit entries
	// are kept and LogsTruncated counts the dropped ones.
	AppendLog(ctx context.Context, id string, entry models.LogEntry, limit int) error

	// List returns matching rows ordered by creation.
	List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)

	// ReconcileInterrupted fails RUNNING rows and cancels PENDING rows left
	// over from a previous process. It returns the number of rows changed.
	ReconcileInterrupted(ctx context.Context) (int, error)
}

// FlowStore persists node definitions and flows.
type FlowStore interface {
	CreateNodeDefinition(ctx context.Context, def *models.NodeDefinition) (*models.NodeDefinition, error)
	GetNodeDefinition(ctx context.Context, id string) (*models.NodeDefinition, error)
	GetNodeDefinitionByName(ctx context.Context, name string) (*models.NodeDefinition, error)
	ListNodeDefinitions(ctx context.Context) ([]models.NodeDefinition, error)
	UpdateNodeDefinition(ctx context.Context, def *models.NodeDefinition) (*models.NodeDefinition, error)
	DeleteNodeDefinition(ctx context.Context, id string) error

	CreateFlow(ctx context.Context, f *models.Flow) (*models.Flow, error)
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	ListFlows(ctx context.Context, owner string) ([]models.Flow, error)
	UpdateFlow(ctx context.Context, f *models.Flow) (*models.Flow, error)
	DeleteFlow(ctx context.Context, id string) error
}

// PeriodicStore persists last_ran_at per periodic job.
type PeriodicStore interface {
	// LastRun returns the zero time when the job never completed.
	LastRun(ctx context.Context, job string) (time.Time, error)
	SetLastRun(ctx context.Context, job string, at time.Time) error
}

// ReconcileError is the error recorded on rows interrupted by a restart.
const ReconcileError = "process terminated"
