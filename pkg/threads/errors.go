package threads

import (
	"errors"
	"fmt"

	"github.com/go-go-golems/asynclang/pkg/conversation"
)

var (
	ErrAgentInvocation = errors.New("agent invocation failed")
	ErrQueueFull       = errors.New("thread queue is full")
	ErrQueueClosed     = errors.New("task queue is closed")
)

// AgentError reports a failed agent call for a task: transport errors,
// timeouts and outputs that could not be decoded.
type AgentError struct {
	ThreadID conversation.ThreadID
	TaskID   string
	Cause    error
}

func (e *AgentError) Error() string {
	if e == nil {
		return ErrAgentInvocation.Error()
	}
	return fmt.Sprintf("%s (thread %s, task %s): %v", ErrAgentInvocation, e.ThreadID, e.TaskID, e.Cause)
}

func (e *AgentError) Is(target error) bool { return target == ErrAgentInvocation }

func (e *AgentError) Unwrap() error { return e.Cause }
