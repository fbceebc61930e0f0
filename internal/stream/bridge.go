// Package stream bridges a blocking generation running on a task worker to
// a per-request channel, optionally mirroring every chunk to the
// notification hub.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/task"
)

// DefaultBuffer is the per-request queue size when none is configured.
const DefaultBuffer = 64

// Chunk is one piece of generated output.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Emit hands a chunk to the bridge. It returns false once the task was
// cancelled; the generator must stop then.
type Emit func(text string) bool

// Generator produces output by calling emit for every chunk. It runs on a
// task worker and may block. The returned value becomes the task result.
type Generator func(ctx context.Context, emit Emit) (any, error)

// Request describes one streaming generation.
type Request struct {
	Owner       string
	Name        string
	Description string

	// Mirror publishes every chunk as an llm:chunk event to the owner.
	Mirror   bool
	Generate Generator
}

// Options configures a Bridge.
type Options struct {
	// Buffer bounds the per-request queue. A full queue blocks the
	// generator until the reader catches up or the task is cancelled.
	Buffer    int
	Publisher task.Publisher
	Logger    *slog.Logger
}

// Bridge starts streaming generations as tasks.
type Bridge struct {
	tasks     *task.Manager
	buffer    int
	publisher task.Publisher
	logger    *slog.Logger
}

// NewBridge creates a bridge submitting to tasks.
func NewBridge(tasks *task.Manager, opts Options) *Bridge {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		tasks:     tasks,
		buffer:    opts.Buffer,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
}

// Stream is the reading side of one generation.
type Stream struct {
	TaskID string

	bridge     *Bridge
	events     chan Chunk
	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
	final      *models.Task
}

// Events yields chunks in emit order. The channel is closed when the task
// reaches a terminal state.
func (s *Stream) Events() <-chan Chunk {
	return s.events
}

// Cancel cancels the underlying task. Call it when the reader goes away.
func (s *Stream) Cancel() {
	err := s.bridge.tasks.Cancel(context.Background(), s.TaskID)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		s.bridge.logger.Warn("failed to cancel stream task", "task_id", s.TaskID, "error", err)
	}
}

// Wait blocks until the task is terminal and returns its final row.
func (s *Stream) Wait(ctx context.Context) (*models.Task, error) {
	select {
	case <-s.done:
		return s.final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *Stream) finish(row *models.Task) {
	s.closeEvents()
	s.finishOnce.Do(func() {
		s.final = row
		close(s.done)
	})
}

// Start submits the generation and returns its stream.
func (b *Bridge) Start(ctx context.Context, req Request) (*Stream, error) {
	if req.Generate == nil {
		return nil, fmt.Errorf("start stream: generator is required")
	}
	if req.Name == "" {
		req.Name = "generate"
	}

	s := &Stream{
		bridge: b,
		events: make(chan Chunk, b.buffer),
		done:   make(chan struct{}),
	}
	row, err := b.tasks.Submit(ctx, task.Spec{
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
		Target: func(h *task.Handle) (any, error) {
			return b.run(h, s, req)
		},
		// Covers tasks cancelled before a worker picked them up.
		OnFinish: s.finish,
	})
	if err != nil {
		s.finish(nil)
		return nil, fmt.Errorf("start stream: %w", err)
	}
	s.TaskID = row.ID
	return s, nil
}

func (b *Bridge) run(h *task.Handle, s *Stream, req Request) (any, error) {
	defer s.closeEvents()

	index := 0
	emit := func(text string) bool {
		if h.Cancelled() {
			return false
		}
		c := Chunk{Index: index, Text: text}
		select {
		case s.events <- c:
		case <-h.Context().Done():
			return false
		}
		index++
		if req.Mirror && b.publisher != nil && !h.Cancelled() {
			b.publisher.PublishFromWorker(req.Owner, models.Event{
				Type: models.EventLLMChunk,
				Data: models.ChunkEventData{TaskID: h.ID(), Index: c.Index, Text: c.Text},
			})
		}
		return true
	}
	return req.Generate(h.Context(), emit)
}

// FromModel streams a chat completion from m.
func FromModel(m *llm.Model, systemPrompt, userPrompt string) Generator {
	return func(ctx context.Context, emit Emit) (any, error) {
		text, err := m.Stream(ctx, systemPrompt, userPrompt, emit)
		if errors.Is(err, llm.ErrStopped) {
			return nil, context.Canceled
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	}
}
