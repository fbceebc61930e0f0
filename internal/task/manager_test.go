package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/store/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	user string
	ev   models.Event
}

func (r *recorder) PublishFromWorker(userID string, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{userID, ev})
}

func (r *recorder) forTask(id string) []models.TaskEventData {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TaskEventData
	for _, e := range r.events {
		if d, ok := e.ev.Data.(models.TaskEventData); ok && d.TaskID == id {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) types(id string) []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventType
	for _, e := range r.events {
		if d, ok := e.ev.Data.(models.TaskEventData); ok && d.TaskID == id {
			out = append(out, e.ev.Type)
		}
	}
	return out
}

func newManager(t *testing.T, opts Options) (*Manager, *memory.Store, *recorder) {
	t.Helper()
	s := memory.New()
	rec := &recorder{}
	opts.Publisher = rec
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(s, opts)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, s, rec
}

func waitTerminal(t *testing.T, m *Manager, id string) *models.Task {
	t.Helper()
	var row *models.Task
	require.Eventually(t, func() bool {
		var err error
		row, err = m.Get(context.Background(), id)
		require.NoError(t, err)
		return row != nil && row.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return row
}

func TestSubmitRunsToCompletion(t *testing.T) {
	m, _, rec := newManager(t, Options{Workers: 2})

	row, err := m.Submit(context.Background(), Spec{
		Name:  "demo",
		Owner: "u1",
		Target: func(h *Handle) (any, error) {
			h.Logf("working")
			for p := 10; p <= 50; p += 20 {
				h.SetProgress(p)
			}
			return "ok", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, row.Status)
	assert.NotEmpty(t, row.ID)

	final := waitTerminal(t, m, row.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "ok", final.Result)
	assert.Nil(t, final.Error)
	require.Len(t, final.Logs, 1)
	assert.Equal(t, "working", final.Logs[0].Message)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(*final.StartedAt))

	types := rec.types(row.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventTaskCreated, types[0])
	assert.Equal(t, models.EventTaskStarted, types[1])
	assert.Equal(t, models.EventTaskCompleted, types[len(types)-1])

	last := -1
	for _, d := range rec.forTask(row.ID) {
		if d.Log != nil {
			continue
		}
		assert.GreaterOrEqual(t, d.Progress, last, "progress must never decrease")
		last = d.Progress
	}
	assert.Equal(t, 100, last)
}

func TestCompletedEventCarriesResult(t *testing.T) {
	m, _, rec := newManager(t, Options{Workers: 1})
	row, err := m.Submit(context.Background(), Spec{
		Name:   "result",
		Target: func(h *Handle) (any, error) { return map[string]any{"n": 3}, nil },
	})
	require.NoError(t, err)
	waitTerminal(t, m, row.ID)

	data := rec.forTask(row.ID)
	assert.Equal(t, map[string]any{"n": 3}, data[len(data)-1].Result)
	for _, d := range data[:len(data)-1] {
		assert.Nil(t, d.Result)
	}
}

func TestCancelRunningTask(t *testing.T) {
	m, _, rec := newManager(t, Options{Workers: 1})
	reached := make(chan struct{})

	row, err := m.Submit(context.Background(), Spec{
		Name: "loop",
		Target: func(h *Handle) (any, error) {
			for i := 1; ; i++ {
				if h.Cancelled() {
					return nil, nil
				}
				h.SetProgress(min(i, 50))
				if i == 5 {
					close(reached)
				}
				time.Sleep(5 * time.Millisecond)
			}
		},
	})
	require.NoError(t, err)

	<-reached
	start := time.Now()
	require.NoError(t, m.Cancel(context.Background(), row.ID))

	final := waitTerminal(t, m, row.ID)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.Equal(t, CancelledError, final.ErrorString())
	assert.GreaterOrEqual(t, final.Progress, 1)
	assert.LessOrEqual(t, final.Progress, 99)
	assert.Nil(t, final.Result)

	types := rec.types(row.ID)
	assert.Equal(t, models.EventTaskCancelled, types[len(types)-1])
}

func TestCancelRunningViaContext(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 1})
	started := make(chan struct{})
	row, err := m.Submit(context.Background(), Spec{
		Name: "ctx",
		Target: func(h *Handle) (any, error) {
			close(started)
			<-h.Context().Done()
			return nil, h.Context().Err()
		},
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(context.Background(), row.ID))

	final := waitTerminal(t, m, row.ID)
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.Equal(t, CancelledError, final.ErrorString())
}

func TestCancelPendingNeverRunsTarget(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 1})
	release := make(chan struct{})
	blocking, err := m.Submit(context.Background(), Spec{
		Name: "blocker",
		Target: func(h *Handle) (any, error) {
			<-release
			return nil, nil
		},
	})
	require.NoError(t, err)

	var ran atomic.Bool
	queued, err := m.Submit(context.Background(), Spec{
		Name: "queued",
		Target: func(h *Handle) (any, error) {
			ran.Store(true)
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), queued.ID))
	row, err := m.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)
	assert.Nil(t, row.StartedAt)

	close(release)
	waitTerminal(t, m, blocking.ID)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCancelErrors(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 1})

	err := m.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	row, err := m.Submit(context.Background(), Spec{
		Name:   "quick",
		Target: func(h *Handle) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	waitTerminal(t, m, row.ID)

	err = m.Cancel(context.Background(), row.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestFailedAndPanickingTargets(t *testing.T) {
	m, _, rec := newManager(t, Options{Workers: 2})

	failing, err := m.Submit(context.Background(), Spec{
		Name:   "fail",
		Target: func(h *Handle) (any, error) { return nil, errors.New("disk full") },
	})
	require.NoError(t, err)
	panicking, err := m.Submit(context.Background(), Spec{
		Name:   "panic",
		Target: func(h *Handle) (any, error) { panic("boom") },
	})
	require.NoError(t, err)

	row := waitTerminal(t, m, failing.ID)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Equal(t, "disk full", row.ErrorString())

	row = waitTerminal(t, m, panicking.ID)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorString(), "boom")

	types := rec.types(failing.ID)
	assert.Equal(t, models.EventTaskFailed, types[len(types)-1])
}

func TestDistinctSubmissions(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 2})

	spec := Spec{Name: "same", Owner: "u1", Target: func(h *Handle) (any, error) { return h.ID(), nil }}
	a, err := m.Submit(context.Background(), spec)
	require.NoError(t, err)
	b, err := m.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	ra := waitTerminal(t, m, a.ID)
	rb := waitTerminal(t, m, b.ID)
	assert.Equal(t, a.ID, ra.Result)
	assert.Equal(t, b.ID, rb.Result)

	rows, err := m.List(context.Background(), models.TaskFilter{Owner: "u1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWorkerBound(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 2})

	var active, peak atomic.Int32
	var ids []string
	for i := 0; i < 6; i++ {
		row, err := m.Submit(context.Background(), Spec{
			Name: fmt.Sprintf("job-%d", i),
			Target: func(h *Handle) (any, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			},
		})
		require.NoError(t, err)
		ids = append(ids, row.ID)
	}
	for _, id := range ids {
		waitTerminal(t, m, id)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLogRetentionLimit(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 1, MaxLogEntries: 3})

	row, err := m.Submit(context.Background(), Spec{
		Name: "chatty",
		Target: func(h *Handle) (any, error) {
			for i := 0; i < 5; i++ {
				h.Log(models.LevelInfo, fmt.Sprintf("line %d", i))
			}
			return nil, nil
		},
	})
	require.NoError(t, err)

	final := waitTerminal(t, m, row.ID)
	require.Len(t, final.Logs, 3)
	assert.Equal(t, "line 2", final.Logs[0].Message)
	assert.Equal(t, 2, final.LogsTruncated)
}

func TestStartReconcilesInterruptedRows(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	runningID, err := s.Create(ctx, &models.Task{Name: "was-running", Status: models.StatusPending})
	require.NoError(t, err)
	_, err = s.Update(ctx, runningID, models.TaskPatch{Status: models.Ptr(models.StatusRunning)})
	require.NoError(t, err)
	pendingID, err := s.Create(ctx, &models.Task{Name: "was-pending", Status: models.StatusPending})
	require.NoError(t, err)

	m := NewManager(s, Options{Workers: 1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, m.Start(ctx))
	defer m.Shutdown(ctx)

	row, err := m.Get(ctx, runningID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Equal(t, store.ReconcileError, row.ErrorString())

	row, err = m.Get(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)
	assert.Equal(t, store.ReconcileError, row.ErrorString())
}

func TestShutdown(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 1})

	started := make(chan struct{})
	running, err := m.Submit(context.Background(), Spec{
		Name: "long",
		Target: func(h *Handle) (any, error) {
			close(started)
			for !h.Cancelled() {
				time.Sleep(time.Millisecond)
			}
			return nil, nil
		},
	})
	require.NoError(t, err)
	pending, err := m.Submit(context.Background(), Spec{
		Name:   "never",
		Target: func(h *Handle) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	row, err := m.Get(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)
	row, err = m.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)

	_, err = m.Submit(context.Background(), Spec{Name: "late", Target: func(h *Handle) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestOnFinish(t *testing.T) {
	m, _, _ := newManager(t, Options{Workers: 1})
	done := make(chan *models.Task, 1)
	_, err := m.Submit(context.Background(), Spec{
		Name:     "hooked",
		Target:   func(h *Handle) (any, error) { return 1, nil },
		OnFinish: func(row *models.Task) { done <- row },
	})
	require.NoError(t, err)

	select {
	case row := <-done:
		assert.Equal(t, models.StatusCompleted, row.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinish not called")
	}
}

func TestDetachedHandle(t *testing.T) {
	h := NewDetachedHandle(context.Background(), "detached", "u1")
	h.SetProgress(40)
	h.SetProgress(20)
	h.Logf("ignored")
	assert.Equal(t, 40, h.Progress())
	assert.False(t, h.Cancelled())
	h.Cancel()
	assert.True(t, h.Cancelled())
	assert.Error(t, h.Context().Err())
}

// cancelOnCreate cancels every task as soon as its created event is seen.
type cancelOnCreate struct {
	recorder
	m *Manager
}

func (c *cancelOnCreate) PublishFromWorker(userID string, ev models.Event) {
	c.recorder.PublishFromWorker(userID, ev)
	if d, ok := ev.Data.(models.TaskEventData); ok && ev.Type == models.EventTaskCreated {
		_ = c.m.Cancel(context.Background(), d.TaskID)
	}
}

func TestCancelDuringSubmitRunsOnFinish(t *testing.T) {
	pub := &cancelOnCreate{}
	m := NewManager(memory.New(), Options{
		Workers:   1,
		Publisher: pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	pub.m = m
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	var ran atomic.Bool
	done := make(chan *models.Task, 1)
	row, err := m.Submit(context.Background(), Spec{
		Name:     "early-cancel",
		Target:   func(h *Handle) (any, error) { ran.Store(true); return nil, nil },
		OnFinish: func(row *models.Task) { done <- row },
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)

	select {
	case finished := <-done:
		assert.Equal(t, models.StatusCancelled, finished.Status)
		assert.Equal(t, CancelledError, finished.ErrorString())
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinish not called")
	}

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, []models.EventType{models.EventTaskCreated, models.EventTaskCancelled}, pub.types(row.ID))
}
