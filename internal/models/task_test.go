package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, Status("DONE").Valid())
}

func TestTaskPatchApply(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Status: StatusPending}

	TaskPatch{
		Status:    Ptr(StatusRunning),
		StartedAt: &now,
		Progress:  Ptr(10),
	}.Apply(task, now)

	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 10, task.Progress)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.Nil(t, task.Result)

	TaskPatch{SetResult: true, Result: map[string]any{"ok": true}}.Apply(task, now)
	assert.Equal(t, map[string]any{"ok": true}, task.Result)
	assert.Equal(t, 10, task.Progress, "untouched fields stay")
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:    "t1",
		Logs:  []LogEntry{{Message: "a"}},
		Error: Ptr("boom"),
	}
	c := orig.Clone()
	c.Logs[0].Message = "changed"
	*c.Error = "other"

	assert.Equal(t, "a", orig.Logs[0].Message)
	assert.Equal(t, "boom", *orig.Error)
}

func TestLogView(t *testing.T) {
	task := &Task{Logs: []LogEntry{{Message: "x"}}}
	assert.Len(t, task.LogView(), 1)

	task.LogsTruncated = 3
	view := task.LogView()
	require.Len(t, view, 2)
	assert.Equal(t, "3 earlier log entries truncated", view[0].Message)
	assert.Equal(t, "x", view[1].Message)
}

func TestTaskFilterMatch(t *testing.T) {
	task := &Task{Name: "ingest", Owner: "alice", Status: StatusRunning}

	assert.True(t, TaskFilter{}.Match(task))
	assert.True(t, TaskFilter{Owner: "alice"}.Match(task))
	assert.False(t, TaskFilter{Owner: "bob"}.Match(task))
	assert.True(t, TaskFilter{Status: []Status{StatusPending, StatusRunning}}.Match(task))
	assert.False(t, TaskFilter{Status: []Status{StatusCompleted}}.Match(task))
	assert.False(t, TaskFilter{Name: "other"}.Match(task))
}

func TestTaskEventCarriesResultOnlyOnCompletion(t *testing.T) {
	task := &Task{ID: "t1", Name: "n", Status: StatusCompleted, Progress: 100, Result: "r"}

	ev := TaskEvent(EventTaskCompleted, task)
	data := ev.Data.(TaskEventData)
	assert.Equal(t, "r", data.Result)

	ev = TaskEvent(EventTaskProgress, task)
	data = ev.Data.(TaskEventData)
	assert.Nil(t, data.Result)
	assert.Equal(t, 100, data.Progress)
}
