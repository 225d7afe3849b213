package api

import (
	"time"

	"github.com/go-go-golems/asynclang/pkg/conversation"
)

// ThreadView is a thread with its message tree, the ids of the active path
// and the display rendering of that path.
type ThreadView struct {
	ID         conversation.ThreadID         `json:"id"`
	Title      string                        `json:"title"`
	CreatedAt  time.Time                     `json:"created_at"`
	UpdatedAt  time.Time                     `json:"updated_at"`
	Version    uint64                        `json:"version"`
	Task       *conversation.TaskStatus      `json:"task,omitempty"`
	Messages   []*conversation.Message       `json:"messages"`
	ActivePath []conversation.NodeID         `json:"active_path"`
	Display    []conversation.DisplayMessage `json:"display"`
}

func newThreadView(t *conversation.Thread) (*ThreadView, error) {
	path := t.ActivePath()
	display, err := path.Display()
	if err != nil {
		return nil, err
	}
	messages := t.Messages
	if messages == nil {
		messages = []*conversation.Message{}
	}
	return &ThreadView{
		ID:         t.ID,
		Title:      t.Title,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		Version:    t.Version,
		Task:       t.Task,
		Messages:   messages,
		ActivePath: path.IDs(),
		Display:    display,
	}, nil
}

type createThreadRequest struct {
	Title string `json:"title"`
}

type updateThreadRequest struct {
	Title           string `json:"title"`
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
}

type postMessageRequest struct {
	Content  string              `json:"content"`
	ParentID conversation.NodeID `json:"parent_id,omitempty"`
}

type acceptedResponse struct {
	Status   string                `json:"status"`
	ThreadID conversation.ThreadID `json:"thread_id"`
	TaskID   string                `json:"task_id"`
}
