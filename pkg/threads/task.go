package threads

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/google/uuid"
)

// Task is a prompt accepted for background processing.
type Task struct {
	ID       string
	ThreadID conversation.ThreadID
	Prompt   string

	mu       sync.Mutex
	status   conversation.TaskStatus
	messages []*conversation.Message
	err      error
	done     chan struct{}
}

func newTask(threadID conversation.ThreadID, prompt string) *Task {
	id := uuid.NewString()
	return &Task{
		ID:       id,
		ThreadID: threadID,
		Prompt:   prompt,
		status: conversation.TaskStatus{
			ID:        id,
			State:     conversation.TaskStateQueued,
			UpdatedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
}

func (t *Task) Status() conversation.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setState(state conversation.TaskState, err error) conversation.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = state
	t.status.UpdatedAt = time.Now()
	if err != nil {
		t.status.Error = err.Error()
	}
	return t.status
}

func (t *Task) finish(messages []*conversation.Message, err error) conversation.TaskStatus {
	state := conversation.TaskStateSucceeded
	if err != nil {
		state = conversation.TaskStateFailed
	}
	status := t.setState(state, err)

	t.mu.Lock()
	t.messages = messages
	t.err = err
	t.mu.Unlock()
	return status
}

// release unblocks waiters. It is called once the outcome is persisted and
// published.
func (t *Task) release() {
	close(t.done)
}

// Done is closed once the task succeeded or failed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finished and returns the persisted messages.
func (t *Task) Wait(ctx context.Context) ([]*conversation.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messages, t.err
}
