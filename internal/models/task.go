// Package models defines the data structures shared by the task manager,
// the flow engine and the notification hub.
package models

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// PENDING may go to RUNNING or straight to CANCELLED; RUNNING may go to any
// terminal status.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Level is the severity of a task log entry.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ParseLevel maps a case-sensitive level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelWarning, LevelError, LevelCritical:
		return Level(s)
	}
	return LevelInfo
}

// LogEntry is one line in a task's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Task is the durable row describing one unit of background work.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Owner         string     `json:"owner,omitempty"` // empty for system tasks
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	Logs          []LogEntry `json:"logs"`
	LogsTruncated int        `json:"logs_truncated,omitempty"`
	Result        any        `json:"result,omitempty"`
	Error         *string    `json:"error,omitempty"`
	FileName      *string    `json:"file_name,omitempty"`
	TotalFiles    *int       `json:"total_files,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Seq breaks ties between rows created within the same clock tick.
	Seq int64 `json:"seq"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Logs = slices.Clone(t.Logs)
	c.Error = clonePtr(t.Error)
	c.FileName = clonePtr(t.FileName)
	c.TotalFiles = clonePtr(t.TotalFiles)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	return &c
}

// LogView returns the retained logs, prefixed by a marker entry when older
// entries were dropped.
func (t *Task) LogView() []LogEntry {
	if t.LogsTruncated == 0 {
		return t.Logs
	}
	marker := LogEntry{
		Level:   LevelWarning,
		Message: fmt.Sprintf("%d earlier log entries truncated", t.LogsTruncated),
	}
	if len(t.Logs) > 0 {
		marker.Timestamp = t.Logs[0].Timestamp
	}
	return append([]LogEntry{marker}, t.Logs...)
}

// ErrorString returns the recorded error or "".
func (t *Task) ErrorString() string {
	if t.Error == nil {
		return ""
	}
	return *t.Error
}

// TaskPatch is a partial update applied atomically by a task store.
// Nil fields are left untouched.
type TaskPatch struct {
	// From guards the update: it only applies while the row is in this status.
	From *Status

	Status      *Status
	Progress    *int
	Result      any
	SetResult   bool
	Error       *string
	FileName    *string
	TotalFiles  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Apply writes the patch onto t. Callers have already checked the guard.
func (p TaskPatch) Apply(t *Task, now time.Time) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.SetResult {
		t.Result = p.Result
	}
	if p.Error != nil {
		t.Error = clonePtr(p.Error)
	}
	if p.FileName != nil {
		t.FileName = clonePtr(p.FileName)
	}
	if p.TotalFiles != nil {
		t.TotalFiles = clonePtr(p.TotalFiles)
	}
	if p.StartedAt != nil {
		t.StartedAt = clonePtr(p.StartedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = clonePtr(p.CompletedAt)
	}
	t.UpdatedAt = now
}

// TaskFilter selects tasks in List calls. Zero values match everything.
type TaskFilter struct {
	Owner  string
	Name   string
	Status []Status
	Limit  int
}

// Match reports whether t satisfies the filter (ignoring Limit).
func (f TaskFilter) Match(t *Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, t.Status) {
		return false
	}
	return true
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
