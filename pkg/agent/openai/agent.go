package openai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-go-golems/asynclang/pkg/agent"
	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

type Settings struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Agent runs prompts against an OpenAI compatible chat completion endpoint.
type Agent struct {
	client   *go_openai.Client
	settings Settings
}

var _ agent.Agent = (*Agent)(nil)

func MakeClient(settings Settings) (*go_openai.Client, error) {
	if settings.APIKey == "" {
		return nil, errors.New("no API key for openai")
	}
	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	return go_openai.NewClientWithConfig(config), nil
}

func NewAgent(settings Settings) (*Agent, error) {
	if settings.Model == "" {
		return nil, errors.New("no model specified")
	}
	client, err := MakeClient(settings)
	if err != nil {
		return nil, err
	}
	return &Agent{client: client, settings: settings}, nil
}

func (a *Agent) Run(ctx context.Context, req agent.Request) (*agent.ModelMessage, error) {
	msgs, err := MessagesFromHistory(req)
	if err != nil {
		return nil, err
	}

	chatReq := go_openai.ChatCompletionRequest{
		Model:       a.settings.Model,
		Messages:    msgs,
		Temperature: a.settings.Temperature,
		MaxTokens:   a.settings.MaxTokens,
	}
	log.Debug().
		Str("model", a.settings.Model).
		Int("messages", len(msgs)).
		Msg("OpenAI request")

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, errors.Wrap(err, "openai chat completion")
	}
	return ResponseToModelMessage(resp)
}

// MessagesFromHistory flattens the encoded history into chat completion
// messages and appends the prompt as the final user message.
//
// Consecutive tool-call parts become one assistant message with tool_calls,
// and tool-return parts follow it as tool messages. Tool calls without a
// matching return, and returns without a matching call, are dropped since the
// API rejects either. Thinking parts are not sent back to the provider.
func MessagesFromHistory(req agent.Request) ([]go_openai.ChatCompletionMessage, error) {
	var msgs_ []go_openai.ChatCompletionMessage
	hasSystem := false

	called := map[string]bool{}
	returned := map[string]bool{}
	for _, m := range req.History {
		for _, p := range m.Parts {
			switch conversation.PartKind(p.PartKind) {
			case conversation.PartKindToolCall:
				called[p.ToolCallID] = true
			case conversation.PartKindToolReturn:
				returned[p.ToolCallID] = true
			}
		}
	}

	pendingToolCalls := []go_openai.ToolCall{}
	flushToolCalls := func() {
		if len(pendingToolCalls) == 0 {
			return
		}
		msgs_ = append(msgs_, go_openai.ChatCompletionMessage{
			Role:      go_openai.ChatMessageRoleAssistant,
			ToolCalls: pendingToolCalls,
		})
		pendingToolCalls = []go_openai.ToolCall{}
	}

	for _, m := range req.History {
		for _, p := range m.Parts {
			switch conversation.PartKind(p.PartKind) {
			case conversation.PartKindSystemPrompt:
				flushToolCalls()
				hasSystem = true
				msgs_ = append(msgs_, go_openai.ChatCompletionMessage{
					Role:    go_openai.ChatMessageRoleSystem,
					Content: p.Content,
				})
			case conversation.PartKindUserPrompt:
				flushToolCalls()
				msgs_ = append(msgs_, go_openai.ChatCompletionMessage{
					Role:    go_openai.ChatMessageRoleUser,
					Content: p.Content,
				})
			case conversation.PartKindText:
				flushToolCalls()
				msgs_ = append(msgs_, go_openai.ChatCompletionMessage{
					Role:    go_openai.ChatMessageRoleAssistant,
					Content: p.Content,
				})
			case conversation.PartKindThinking:
				continue
			case conversation.PartKindToolCall:
				if !returned[p.ToolCallID] {
					continue
				}
				args := "{}"
				if len(p.Args) > 0 {
					b, err := json.Marshal(p.Args)
					if err != nil {
						return nil, errors.Wrapf(err, "could not marshal args of tool call %s", p.ToolCallID)
					}
					args = string(b)
				}
				pendingToolCalls = append(pendingToolCalls, go_openai.ToolCall{
					ID:   p.ToolCallID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      p.ToolName,
						Arguments: args,
					},
				})
			case conversation.PartKindToolReturn:
				if !called[p.ToolCallID] {
					continue
				}
				flushToolCalls()
				msgs_ = append(msgs_, go_openai.ChatCompletionMessage{
					Role:       go_openai.ChatMessageRoleTool,
					Content:    p.Content,
					ToolCallID: p.ToolCallID,
				})
			default:
				return nil, &conversation.UnknownPartKindError{Kind: conversation.PartKind(p.PartKind)}
			}
		}
	}
	flushToolCalls()

	if !hasSystem && req.Instructions != "" {
		msgs_ = append([]go_openai.ChatCompletionMessage{{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		}}, msgs_...)
	}

	msgs_ = append(msgs_, go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return msgs_, nil
}

// ResponseToModelMessage converts the first choice of a completion into a
// response message. Tool call arguments must be a JSON object.
func ResponseToModelMessage(resp go_openai.ChatCompletionResponse) (*agent.ModelMessage, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(agent.ErrMalformedOutput, "completion has no choices")
	}
	choice := resp.Choices[0]

	ts := time.Now()
	if resp.Created > 0 {
		ts = time.Unix(resp.Created, 0)
	}
	usage := resp.Usage.TotalTokens
	ret := &agent.ModelMessage{
		Kind:      agent.ModelMessageKindResponse,
		ModelName: resp.Model,
		Timestamp: ts,
		Usage:     &usage,
		VendorDetails: map[string]any{
			"id":                resp.ID,
			"finish_reason":     string(choice.FinishReason),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}

	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, errors.Wrapf(agent.ErrMalformedOutput, "tool call %s has invalid arguments: %v", call.ID, err)
			}
		}
		ret.Parts = append(ret.Parts, agent.ModelPart{
			PartKind:   string(conversation.PartKindToolCall),
			ToolName:   call.Function.Name,
			Args:       args,
			ToolCallID: call.ID,
			Timestamp:  ts,
		})
	}
	if choice.Message.Content != "" {
		ret.Parts = append(ret.Parts, agent.ModelPart{
			PartKind:  string(conversation.PartKindText),
			Content:   choice.Message.Content,
			Timestamp: ts,
		})
	}
	return ret, nil
}
