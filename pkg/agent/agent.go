package agent

import (
	"context"
)

// Request is what the orchestrator hands to an agent: the encoded active path
// and the new user prompt that is not yet part of the history.
type Request struct {
	History      []ModelMessage
	Prompt       string
	Instructions string
}

// Agent is a language-model capability. Given a history and a prompt it
// returns one response message, or fails with a transport or protocol error.
//
// Run may take seconds. Implementations must honor ctx cancellation.
type Agent interface {
	Run(ctx context.Context, req Request) (*ModelMessage, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, req Request) (*ModelMessage, error)

func (f AgentFunc) Run(ctx context.Context, req Request) (*ModelMessage, error) {
	return f(ctx, req)
}
