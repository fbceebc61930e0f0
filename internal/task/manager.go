// Package task runs background work on a bounded worker pool, persisting
// every state change and publishing it to the notification hub.
package task

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raphaelgruber/flowhub/internal/metrics"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/telemetry"
)

// CancelledError is the error recorded on cancelled tasks.
const CancelledError = "cancelled"

// ErrShuttingDown is returned by Submit after Shutdown began.
var ErrShuttingDown = errors.New("task manager is shutting down")

// Target is the routine a task runs. It should poll h.Cancelled() (or
// h.Context().Done()) at loop heads and return early when set.
type Target func(h *Handle) (any, error)

// Spec describes a submission.
type Spec struct {
	Name        string
	Description string
	Owner       string // empty for system tasks
	Target      Target

	// OnFinish, if set, is called with the terminal row once it is stored.
	OnFinish func(row *models.Task)
}

// Publisher receives task events. *hub.Hub implements it.
type Publisher interface {
	PublishFromWorker(userID string, ev models.Event)
}

// Options configures a Manager.
type Options struct {
	// Workers bounds concurrently running targets (default: CPU count).
	Workers int
	// MaxLogEntries caps retained log entries per task (0 = unbounded).
	MaxLogEntries int
	// StoreTimeout bounds each store call made on behalf of a task.
	StoreTimeout time.Duration

	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

type job struct {
	row  *models.Task
	spec Spec
}

// submission is a task whose row exists but that is not queued yet.
type submission struct {
	row       *models.Task
	spec      Spec
	cancelled bool
}

// Manager accepts, schedules, runs and cancels tasks.
type Manager struct {
	store        store.TaskStore
	pub          Publisher
	logger       *slog.Logger
	metrics      *metrics.Collector
	tracer       trace.Tracer
	workers      int
	maxLogs      int
	storeTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List // of *job
	queued  map[string]*list.Element
	running map[string]*Handle
	// submitting holds rows between Create and enqueue so Cancel always
	// sees the spec.
	submitting map[string]*submission
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewManager creates a manager over s. Call Start to begin executing.
func NewManager(s store.TaskStore, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	m := &Manager{
		store:        s,
		pub:          opts.Publisher,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       telemetry.Tracer(),
		workers:      opts.Workers,
		maxLogs:      opts.MaxLogEntries,
		storeTimeout: opts.StoreTimeout,
		queue:        list.New(),
		queued:       make(map[string]*list.Element),
		running:      make(map[string]*Handle),
		submitting:   make(map[string]*submission),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Workers returns the pool size.
func (m *Manager) Workers() int {
	return m.workers
}

// Start reconciles rows interrupted by a previous process and starts the
// worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	n, err := m.store.ReconcileInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted tasks: %w", err)
	}
	if n > 0 {
		m.logger.Warn("reconciled interrupted tasks", "count", n)
	}

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.logger.Info("task manager started", "workers", m.workers)
	return nil
}

// Submit persists a PENDING row, queues the target and returns the row.
func (m *Manager) Submit(ctx context.Context, spec Spec) (*models.Task, error) {
	if spec.Target == nil {
		return nil, fmt.Errorf("submit %q: nil target", spec.Name)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	now := time.Now().UTC()
	row := &models.Task{
		Name:        spec.Name,
		Description: spec.Description,
		Owner:       spec.Owner,
		Status:      models.StatusPending,
		Logs:        []models.LogEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := m.store.Create(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	row.ID = id

	sub := &submission{row: row.Clone(), spec: spec}
	m.mu.Lock()
	m.submitting[id] = sub
	m.mu.Unlock()

	m.publish(row.Owner, models.TaskEvent(models.EventTaskCreated, row))

	m.mu.Lock()
	delete(m.submitting, id)
	if sub.cancelled {
		m.mu.Unlock()
		m.logger.Info("task cancelled before it was queued", "task_id", id, "name", spec.Name)
		if latest, err := m.Get(ctx, id); err == nil && latest != nil {
			return latest, nil
		}
		return row.Clone(), nil
	}
	if m.closed {
		m.mu.Unlock()
		m.finishPending(row, spec)
		return nil, ErrShuttingDown
	}
	m.queued[id] = m.queue.PushBack(&job{row: row.Clone(), spec: spec})
	m.metrics.TaskQueued(1)
	m.cond.Signal()
	m.mu.Unlock()

	m.logger.Info("task submitted", "task_id", id, "name", spec.Name, "owner", spec.Owner)
	return row.Clone(), nil
}

// Get returns the stored row or nil.
func (m *Manager) Get(ctx context.Context, id string) (*models.Task, error) {
	return m.store.Load(ctx, id)
}

// List returns stored rows matching filter.
func (m *Manager) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return m.store.List(ctx, filter)
}

// Cancel cancels a task. PENDING tasks become CANCELLED at once without
// their target ever running; RUNNING tasks get their cancellation signal
// set and end when the target returns. Cancelling a terminal task returns
// store.ErrConflict.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	if el, ok := m.queued[id]; ok {
		j := m.queue.Remove(el).(*job)
		delete(m.queued, id)
		m.mu.Unlock()
		m.metrics.TaskQueued(-1)
		m.finishPending(j.row, j.spec)
		return nil
	}
	if sub, ok := m.submitting[id]; ok && !sub.cancelled {
		sub.cancelled = true
		m.mu.Unlock()
		m.finishPending(sub.row, sub.spec)
		return nil
	}
	if h, ok := m.running[id]; ok {
		m.mu.Unlock()
		if h.cancel() {
			m.logger.Info("task cancellation requested", "task_id", id)
		}
		return nil
	}
	m.mu.Unlock()

	row, err := m.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if row == nil {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if row.Status.Terminal() {
		return fmt.Errorf("%w: task %s is already %s", store.ErrConflict, id, row.Status)
	}
	if row.Status == models.StatusPending {
		// Submitted by another process sharing the store; no spec here.
		m.finishPending(row, Spec{})
		return nil
	}
	return fmt.Errorf("%w: task %s is not running in this process", store.ErrConflict, id)
}

// Shutdown stops accepting submissions, cancels queued tasks, signals
// running ones and waits for workers until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.wait(ctx)
	}
	m.closed = true
	var pending []*job
	for el := m.queue.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(*job))
	}
	m.queue.Init()
	clear(m.queued)
	running := make([]*Handle, 0, len(m.running))
	for _, h := range m.running {
		running = append(running, h)
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	m.logger.Info("task manager shutting down", "pending", len(pending), "running", len(running))
	for _, j := range pending {
		m.metrics.TaskQueued(-1)
		m.finishPending(j.row, j.spec)
	}
	for _, h := range running {
		h.cancel()
	}
	return m.wait(ctx)
}

func (m *Manager) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for m.queue.Len() == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.queue.Len() == 0 {
			m.mu.Unlock()
			return
		}
		j := m.queue.Remove(m.queue.Front()).(*job)
		delete(m.queued, j.row.ID)
		h := newHandle(m, j.row)
		m.running[j.row.ID] = h
		m.mu.Unlock()

		m.metrics.TaskQueued(-1)
		m.run(j, h)

		m.mu.Lock()
		delete(m.running, j.row.ID)
		m.mu.Unlock()
	}
}

// run executes one job on the calling worker goroutine.
func (m *Manager) run(j *job, h *Handle) {
	id := j.row.ID
	sctx, cancel := m.storeCtx()
	started := time.Now().UTC()
	row, err := m.store.Update(sctx, id, models.TaskPatch{
		From:      models.Ptr(models.StatusPending),
		Status:    models.Ptr(models.StatusRunning),
		StartedAt: &started,
	})
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			m.logger.Info("task no longer pending, skipping", "task_id", id)
		} else {
			m.logger.Error("failed to mark task running", "task_id", id, "error", err)
		}
		h.release()
		return
	}

	ctx, span := m.tracer.Start(h.ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.name", row.Name),
	))
	h.ctx = ctx
	defer span.End()

	m.metrics.TaskStarted()
	m.publish(row.Owner, models.TaskEvent(models.EventTaskStarted, row))
	m.logger.Info("task started", "task_id", id, "name", row.Name)

	result, runErr := m.invoke(h, j.spec.Target)
	m.metrics.RecordTiming(metrics.OpTaskRun, time.Since(started))

	var final *models.Task
	switch {
	case h.Cancelled():
		final = m.finish(h, models.StatusCancelled, CancelledError, nil, models.EventTaskCancelled)
		span.SetStatus(codes.Error, CancelledError)
	case runErr != nil:
		final = m.finish(h, models.StatusFailed, runErr.Error(), nil, models.EventTaskFailed)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	default:
		if h.Progress() < 100 {
			h.SetProgress(100)
		}
		final = m.finish(h, models.StatusCompleted, "", result, models.EventTaskCompleted)
	}
	h.release()

	if final != nil && j.spec.OnFinish != nil {
		j.spec.OnFinish(final)
	}
}

// invoke calls target, converting a panic into an error.
func (m *Manager) invoke(h *Handle, target Target) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked", "task_id", h.id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal panic: %v", r)
		}
	}()
	return target(h)
}

// finish stores the terminal state and emits the matching event.
func (m *Manager) finish(h *Handle, status models.Status, errMsg string, result any, evType models.EventType) *models.Task {
	now := time.Now().UTC()
	patch := models.TaskPatch{
		From:        models.Ptr(models.StatusRunning),
		Status:      &status,
		CompletedAt: &now,
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if status == models.StatusCompleted {
		patch.SetResult = true
		patch.Result = result
	}

	sctx, cancel := m.storeCtx()
	row, err := m.store.Update(sctx, h.id, patch)
	cancel()
	if err != nil {
		m.logger.Error("failed to persist task outcome", "task_id", h.id, "status", status, "error", err)
		return nil
	}

	m.metrics.TaskFinished(string(status), true)
	m.publish(row.Owner, models.TaskEvent(evType, row))
	switch status {
	case models.StatusFailed:
		m.logger.Error("task failed", "task_id", h.id, "name", row.Name, "error", errMsg)
	default:
		m.logger.Info("task finished", "task_id", h.id, "name", row.Name, "status", status)
	}
	return row
}

// finishPending moves a task that never ran to CANCELLED.
func (m *Manager) finishPending(row *models.Task, spec Spec) {
	now := time.Now().UTC()
	sctx, cancel := m.storeCtx()
	updated, err := m.store.Update(sctx, row.ID, models.TaskPatch{
		From:        models.Ptr(models.StatusPending),
		Status:      models.Ptr(models.StatusCancelled),
		Error:       models.Ptr(CancelledError),
		CompletedAt: &now,
	})
	cancel()
	if err != nil {
		m.logger.Warn("failed to cancel pending task", "task_id", row.ID, "error", err)
		return
	}
	m.metrics.TaskFinished(string(models.StatusCancelled), false)
	m.publish(updated.Owner, models.TaskEvent(models.EventTaskCancelled, updated))
	m.logger.Info("pending task cancelled", "task_id", row.ID, "name", row.Name)
	if spec.OnFinish != nil {
		spec.OnFinish(updated)
	}
}

func (m *Manager) publish(owner string, ev models.Event) {
	if m.pub != nil {
		m.pub.PublishFromWorker(owner, ev)
	}
}

func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.storeTimeout)
}
