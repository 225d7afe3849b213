package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventTypeTaskQueued    EventType = "task-queued"
	EventTypeTaskStarted   EventType = "task-started"
	EventTypeTaskSucceeded EventType = "task-succeeded"
	EventTypeTaskFailed    EventType = "task-failed"
)

// TaskEvent reports a state change of a background prompt task.
type TaskEvent struct {
	EventType  EventType     `json:"type"`
	TaskID     string        `json:"task_id"`
	ThreadID   string        `json:"thread_id"`
	Error      string        `json:"error,omitempty"`
	MessageIDs []string      `json:"message_ids,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Time       time.Time     `json:"time"`
}

func (e *TaskEvent) Type() EventType {
	return e.EventType
}

func NewTaskEvent(t EventType, threadID string, taskID string) *TaskEvent {
	return &TaskEvent{
		EventType: t,
		TaskID:    taskID,
		ThreadID:  threadID,
		Time:      time.Now(),
	}
}

func NewEventFromJson(b []byte) (*TaskEvent, error) {
	ret := &TaskEvent{}
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrap(err, "could not parse task event")
	}
	switch ret.EventType {
	case EventTypeTaskQueued, EventTypeTaskStarted, EventTypeTaskSucceeded, EventTypeTaskFailed:
		return ret, nil
	default:
		return nil, errors.Errorf("unknown event type %q", ret.EventType)
	}
}
