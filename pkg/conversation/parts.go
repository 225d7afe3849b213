package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PartKind is the discriminator of the closed part taxonomy.
type PartKind string

const (
	PartKindSystemPrompt PartKind = "system-prompt"
	PartKindUserPrompt   PartKind = "user-prompt"
	PartKindText         PartKind = "text"
	PartKindThinking     PartKind = "thinking"
	PartKindToolCall     PartKind = "tool-call"
	PartKindToolReturn   PartKind = "tool-return"
)

// AllPartKinds lists every kind of the taxonomy. Codec and storage tests iterate
// this list, so a kind added here without a matching case elsewhere fails them.
func AllPartKinds() []PartKind {
	return []PartKind{
		PartKindSystemPrompt,
		PartKindUserPrompt,
		PartKindText,
		PartKindThinking,
		PartKindToolCall,
		PartKindToolReturn,
	}
}

// MessageKind returns which message kind may carry parts of this kind.
func (k PartKind) MessageKind() (MessageKind, error) {
	switch k {
	case PartKindSystemPrompt, PartKindUserPrompt:
		return MessageKindRequest, nil
	case PartKindText, PartKindThinking, PartKindToolCall, PartKindToolReturn:
		return MessageKindResponse, nil
	default:
		return "", &UnknownPartKindError{Kind: k}
	}
}

func (k PartKind) Valid() bool {
	_, err := k.MessageKind()
	return err == nil
}

// Part is one atomic unit of message content. Which fields are meaningful
// depends on Kind:
//
//	system-prompt: Content, DynamicRef
//	user-prompt:   Content, Metadata
//	text:          Content
//	thinking:      Content
//	tool-call:     ToolName, Args, ToolCallID
//	tool-return:   ToolName, Content, ToolCallID, Metadata
type Part struct {
	ID         uuid.UUID      `json:"id" yaml:"id"`
	Kind       PartKind       `json:"part_kind" yaml:"part_kind"`
	OrderIndex int            `json:"order_index" yaml:"order_index"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	Content    string         `json:"content,omitempty" yaml:"content,omitempty"`
	DynamicRef string         `json:"dynamic_ref,omitempty" yaml:"dynamic_ref,omitempty"`
	ToolName   string         `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func newPart(kind PartKind) Part {
	return Part{
		ID:        uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now(),
	}
}

func NewSystemPromptPart(content string, dynamicRef string) Part {
	p := newPart(PartKindSystemPrompt)
	p.Content = content
	p.DynamicRef = dynamicRef
	return p
}

func NewUserPromptPart(content string) Part {
	p := newPart(PartKindUserPrompt)
	p.Content = content
	return p
}

func NewTextPart(content string) Part {
	p := newPart(PartKindText)
	p.Content = content
	return p
}

func NewThinkingPart(content string) Part {
	p := newPart(PartKindThinking)
	p.Content = content
	return p
}

func NewToolCallPart(toolName string, args map[string]any, toolCallID string) Part {
	p := newPart(PartKindToolCall)
	p.ToolName = toolName
	p.Args = args
	p.ToolCallID = toolCallID
	return p
}

func NewToolReturnPart(toolName string, content string, toolCallID string) Part {
	p := newPart(PartKindToolReturn)
	p.ToolName = toolName
	p.Content = content
	p.ToolCallID = toolCallID
	return p
}

// Validate checks the kind discriminator and the fields the kind requires.
func (p Part) Validate() error {
	switch p.Kind {
	case PartKindSystemPrompt, PartKindUserPrompt, PartKindText, PartKindThinking:
		return nil
	case PartKindToolCall:
		if p.ToolName == "" {
			return fmt.Errorf("tool-call part %s has no tool name", p.ID)
		}
		return nil
	case PartKindToolReturn:
		if p.ToolCallID == "" {
			return fmt.Errorf("tool-return part %s has no tool call id", p.ID)
		}
		return nil
	default:
		return &UnknownPartKindError{Kind: p.Kind}
	}
}

// View renders the part the way clients display it.
func (p Part) View() string {
	switch p.Kind {
	case PartKindToolCall:
		args, err := json.Marshal(p.Args)
		if err != nil {
			args = []byte(fmt.Sprintf("%v", p.Args))
		}
		return fmt.Sprintf("Tool call: %s with args %s", p.ToolName, args)
	case PartKindToolReturn:
		return fmt.Sprintf("%s: %s", p.ToolName, p.Content)
	default:
		return p.Content
	}
}
