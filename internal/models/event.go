package models

// EventType names a realtime event delivered through the hub.
type EventType string

const (
	EventTaskCreated   EventType = "task:created"
	EventTaskStarted   EventType = "task:started"
	EventTaskProgress  EventType = "task:progress"
	EventTaskLog       EventType = "task:log"
	EventTaskCompleted EventType = "task:completed"
	EventTaskFailed    EventType = "task:failed"
	EventTaskCancelled EventType = "task:cancelled"

	EventNewPost         EventType = "new_post"
	EventNewComment      EventType = "new_comment"
	EventDM              EventType = "dm"
	EventBindingsUpdated EventType = "bindings_updated"
	EventSettingsUpdated EventType = "settings_updated"
	EventPostFlagged     EventType = "post_flagged"

	EventLLMChunk EventType = "llm:chunk"
	EventPong     EventType = "pong"
)

// Event is the JSON frame sent to websocket clients.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// TaskEventData is the payload of every task:* event.
type TaskEventData struct {
	TaskID      string    `json:"task_id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Error       string    `json:"error,omitempty"`
	Log         *LogEntry `json:"log,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	TotalFiles  int       `json:"total_files,omitempty"`
	Result      any       `json:"result,omitempty"`
	Description string    `json:"description,omitempty"`
}

// TaskEvent builds a task:* event from a row snapshot.
func TaskEvent(typ EventType, t *Task) Event {
	data := TaskEventData{
		TaskID:      t.ID,
		Name:        t.Name,
		Status:      t.Status,
		Progress:    t.Progress,
		Error:       t.ErrorString(),
		Description: t.Description,
	}
	if t.FileName != nil {
		data.FileName = *t.FileName
	}
	if t.TotalFiles != nil {
		data.TotalFiles = *t.TotalFiles
	}
	if typ == EventTaskCompleted {
		data.Result = t.Result
	}
	return Event{Type: typ, Data: data}
}

// ChunkEventData is the payload of an llm:chunk mirror event.
type ChunkEventData struct {
	TaskID string `json:"task_id"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
}
