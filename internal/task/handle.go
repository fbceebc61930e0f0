package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// Handle is a running task's view of itself: its cancellation signal and
// the write-through channel for logs, progress and file info.
type Handle struct {
	m     *Manager
	id    string
	name  string
	owner string

	ctx        context.Context
	cancelCtx  context.CancelFunc
	cancelled  atomic.Bool
	mu         sync.Mutex
	progress   int
	fileName   string
	totalFiles int
}

func newHandle(m *Manager, row *models.Task) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		m:         m,
		id:        row.ID,
		name:      row.Name,
		owner:     row.Owner,
		ctx:       ctx,
		cancelCtx: cancel,
		progress:  row.Progress,
	}
}

// NewDetachedHandle returns a handle that is not backed by a manager.
// Logs and progress are kept in memory only. Used for synchronous node tests.
func NewDetachedHandle(ctx context.Context, id, owner string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	return &Handle{id: id, name: id, owner: owner, ctx: ctx, cancelCtx: cancel}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Owner returns the owning user id, empty for system tasks.
func (h *Handle) Owner() string { return h.owner }

// Context is cancelled together with the task.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled reports whether cancellation was requested. Once true it stays true.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Cancel requests cancellation of the task this handle belongs to.
func (h *Handle) Cancel() { h.cancel() }

// cancel sets the signal once; it reports whether this call set it.
func (h *Handle) cancel() bool {
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancelCtx()
	return true
}

// release frees the context without marking the task cancelled.
func (h *Handle) release() {
	h.cancelCtx()
}

// Progress returns the last recorded progress.
func (h *Handle) Progress() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Log appends an entry to the task log and publishes it.
func (h *Handle) Log(level models.Level, msg string) {
	entry := models.LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: msg}
	if h.m == nil {
		return
	}
	sctx, cancel := h.m.storeCtx()
	err := h.m.store.AppendLog(sctx, h.id, entry, h.m.maxLogs)
	cancel()
	if err != nil {
		h.m.logger.Warn("failed to append task log", "task_id", h.id, "error", err)
	}
	h.m.publish(h.owner, models.Event{
		Type: models.EventTaskLog,
		Data: models.TaskEventData{
			TaskID: h.id,
			Name:   h.name,
			Status: models.StatusRunning,
			Log:    &entry,
		},
	})
}

// Logf formats and logs at INFO.
func (h *Handle) Logf(format string, args ...any) {
	h.Log(models.LevelInfo, fmt.Sprintf(format, args...))
}

// SetProgress records progress clamped to [0,100]. Values not above the
// current progress are ignored so observers only see it grow.
func (h *Handle) SetProgress(p int) {
	p = max(0, min(100, p))
	h.mu.Lock()
	if p <= h.progress {
		h.mu.Unlock()
		return
	}
	h.progress = p
	h.mu.Unlock()

	if h.m == nil {
		return
	}
	sctx, cancel := h.m.storeCtx()
	row, err := h.m.store.Update(sctx, h.id, models.TaskPatch{
		From:     models.Ptr(models.StatusRunning),
		Progress: &p,
	})
	cancel()
	if err != nil {
		h.m.logger.Warn("failed to update task progress", "task_id", h.id, "error", err)
		return
	}
	h.m.publish(h.owner, models.TaskEvent(models.EventTaskProgress, row))
}

// SetFileInfo records the file currently processed and the total count.
func (h *Handle) SetFileInfo(name string, total int) {
	h.mu.Lock()
	h.fileName, h.totalFiles = name, total
	h.mu.Unlock()

	if h.m == nil {
		return
	}
	sctx, cancel := h.m.storeCtx()
	row, err := h.m.store.Update(sctx, h.id, models.TaskPatch{
		From:       models.Ptr(models.StatusRunning),
		FileName:   &name,
		TotalFiles: &total,
	})
	cancel()
	if err != nil {
		h.m.logger.Warn("failed to update task file info", "task_id", h.id, "error", err)
		return
	}
	h.m.publish(h.owner, models.TaskEvent(models.EventTaskProgress, row))
}
