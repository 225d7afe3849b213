package conversation

import (
	"time"
)

// TaskState is the lifecycle state of the latest background prompt task of a thread.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

func (s TaskState) Done() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// TaskStatus is persisted on the thread record so pollers can observe the
// outcome of detached prompt processing.
type TaskStatus struct {
	ID        string    `json:"id" yaml:"id"`
	State     TaskState `json:"state" yaml:"state"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Thread is a conversation container owning a tree of messages.
//
// Messages is nil when the thread was loaded as metadata only (listing) and
// non-nil (possibly empty) when the tree was loaded.
type Thread struct {
	ID        ThreadID    `json:"id" yaml:"id"`
	Title     string      `json:"title" yaml:"title"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"updated_at"`
	Version   uint64      `json:"version" yaml:"version"`
	Task      *TaskStatus `json:"task,omitempty" yaml:"task,omitempty"`
	Messages  []*Message  `json:"messages,omitempty" yaml:"messages,omitempty"`
}

func NewThread(title string) *Thread {
	now := time.Now()
	return &Thread{
		ID:        NewThreadID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []*Message{},
	}
}

// AppendMessage adds a message to the thread and advances UpdatedAt to the
// message's creation time. UpdatedAt never moves backwards.
func (t *Thread) AppendMessage(m *Message) {
	if t.Messages == nil {
		t.Messages = []*Message{}
	}
	m.ThreadID = t.ID
	t.Messages = append(t.Messages, m)
	t.Touch(m.CreatedAt)
}

// Touch advances UpdatedAt to at if at is newer.
func (t *Thread) Touch(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	if at.After(t.UpdatedAt) {
		t.UpdatedAt = at
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}
}

func (t *Thread) Tree() *ConversationTree {
	return NewConversationTree(t.Messages...)
}

// ActivePath returns the branch most recently touched, root first.
func (t *Thread) ActivePath() Conversation {
	return t.Tree().ActivePath()
}

// Summary returns a copy of the thread metadata without messages.
func (t *Thread) Summary() *Thread {
	ret := *t
	ret.Messages = nil
	if t.Task != nil {
		task := *t.Task
		ret.Task = &task
	}
	return &ret
}
