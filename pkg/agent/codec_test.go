package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/stretchr/testify/require"
)

func samplePart(t *testing.T, kind conversation.PartKind) conversation.Part {
	switch kind {
	case conversation.PartKindSystemPrompt:
		return conversation.NewSystemPromptPart("you are terse", "prompt-v1")
	case conversation.PartKindUserPrompt:
		p := conversation.NewUserPromptPart("what time is it?")
		p.Metadata = map[string]any{"source": "web"}
		return p
	case conversation.PartKindText:
		return conversation.NewTextPart("it is noon")
	case conversation.PartKindThinking:
		return conversation.NewThinkingPart("I should call the clock tool")
	case conversation.PartKindToolCall:
		return conversation.NewToolCallPart("clock", map[string]any{
			"tz":     "UTC",
			"format": map[string]any{"hours": 24},
			"fields": []any{"h", "m"},
		}, "call-7")
	case conversation.PartKindToolReturn:
		p := conversation.NewToolReturnPart("clock", "12:00", "call-7")
		p.Metadata = map[string]any{"latency_ms": 3}
		return p
	}
	t.Fatalf("no sample for part kind %q", kind)
	return conversation.Part{}
}

func TestPartRoundTripEveryKind(t *testing.T) {
	c := NewCodec("")
	for _, kind := range conversation.AllPartKinds() {
		p := samplePart(t, kind)

		mp, err := c.EncodePart(p)
		require.NoError(t, err, kind)
		require.Equal(t, string(kind), mp.PartKind)

		back, err := c.DecodePart(mp)
		require.NoError(t, err, kind)
		require.Equal(t, p.Kind, back.Kind)
		require.Equal(t, p.Content, back.Content)
		require.Equal(t, p.ToolName, back.ToolName)
		require.Equal(t, p.Args, back.Args)
		require.Equal(t, p.ToolCallID, back.ToolCallID)
		require.Equal(t, p.DynamicRef, back.DynamicRef)
		require.Equal(t, p.Metadata, back.Metadata)
	}
}

func TestEncodedArgsAreCopies(t *testing.T) {
	c := NewCodec("")
	p := samplePart(t, conversation.PartKindToolCall)
	mp, err := c.EncodePart(p)
	require.NoError(t, err)

	mp.Args["tz"] = "CET"
	require.Equal(t, "UTC", p.Args["tz"])
}

func TestUnknownPartKindFails(t *testing.T) {
	c := NewCodec("")
	_, err := c.EncodePart(conversation.Part{Kind: "image"})
	require.True(t, errors.Is(err, conversation.ErrUnknownPartKind))

	_, err = c.DecodePart(ModelPart{PartKind: "image"})
	require.True(t, errors.Is(err, conversation.ErrUnknownPartKind))

	_, err = c.DecodeResponse(conversation.NewThreadID(), conversation.NullNode, &ModelMessage{
		Kind:  ModelMessageKindResponse,
		Parts: []ModelPart{{PartKind: "text", Content: "ok"}, {PartKind: "retry-prompt"}},
	})
	require.True(t, errors.Is(err, conversation.ErrUnknownPartKind))
}

func TestEncodeHistoryPreservesOrderAndOverridesSystemPrompt(t *testing.T) {
	threadID := conversation.NewThreadID()
	req := conversation.NewRequest(threadID, []conversation.Part{
		conversation.NewSystemPromptPart("old prompt", ""),
		conversation.NewUserPromptPart("hi"),
	}, conversation.WithInstructions("old prompt"))
	resp := conversation.NewResponse(threadID, []conversation.Part{
		conversation.NewThinkingPart("greet back"),
		conversation.NewTextPart("hello"),
	}, conversation.WithParentID(req.ID), conversation.WithModelName("m"), conversation.WithUsageTokens(12))
	// stored order wins over slice order
	resp.Parts[0], resp.Parts[1] = resp.Parts[1], resp.Parts[0]

	history, err := NewCodec("new prompt").EncodeHistory(conversation.Conversation{req, resp})
	require.NoError(t, err)
	require.Len(t, history, 2)

	require.Equal(t, ModelMessageKindRequest, history[0].Kind)
	require.Equal(t, "new prompt", history[0].Parts[0].Content)
	require.Equal(t, "hi", history[0].Parts[1].Content)

	require.Equal(t, ModelMessageKindResponse, history[1].Kind)
	require.Equal(t, "thinking", history[1].Parts[0].PartKind)
	require.Equal(t, "text", history[1].Parts[1].PartKind)
	require.Equal(t, "m", history[1].ModelName)
	require.Equal(t, 12, *history[1].Usage)
}

func TestDecodeResponseAttachesToParent(t *testing.T) {
	threadID := conversation.NewThreadID()
	parent := conversation.NewNodeID()
	usage := 7
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	m, err := NewCodec("").DecodeResponse(threadID, parent, &ModelMessage{
		Kind: ModelMessageKindResponse,
		Parts: []ModelPart{
			{PartKind: "tool-call", ToolName: "add", Args: map[string]any{"a": 1.0}, ToolCallID: "c1"},
			{PartKind: "tool-return", ToolName: "add", Content: "1", ToolCallID: "c1"},
			{PartKind: "text", Content: "the answer is 1"},
		},
		ModelName:     "gpt-test",
		Timestamp:     ts,
		Usage:         &usage,
		VendorDetails: map[string]any{"id": "resp-1"},
	})
	require.NoError(t, err)
	require.Equal(t, conversation.MessageKindResponse, m.Kind)
	require.Equal(t, parent, m.ParentID)
	require.Equal(t, threadID, m.ThreadID)
	require.False(t, m.ID.IsNull())
	require.Equal(t, ts, m.Timestamp)
	require.Equal(t, 7, *m.UsageTokens)
	require.Equal(t, "gpt-test", m.ModelName)
	require.Len(t, m.Parts, 3)
	require.Equal(t, 2, m.Parts[2].OrderIndex)
	require.NoError(t, m.Validate())
}

func TestDecodeResponseRejectsRequestParts(t *testing.T) {
	_, err := NewCodec("").DecodeResponse(conversation.NewThreadID(), conversation.NullNode, &ModelMessage{
		Parts: []ModelPart{{PartKind: "user-prompt", Content: "sneaky"}},
	})
	require.True(t, errors.Is(err, conversation.ErrPartKindMismatch))

	_, err = NewCodec("").DecodeResponse(conversation.NewThreadID(), conversation.NullNode, nil)
	require.True(t, errors.Is(err, ErrMalformedOutput))

	_, err = NewCodec("").DecodeResponse(conversation.NewThreadID(), conversation.NullNode, &ModelMessage{
		Kind: ModelMessageKindRequest,
	})
	require.True(t, errors.Is(err, ErrMalformedOutput))
}

func TestNewPromptRequestAddsSystemPromptOnce(t *testing.T) {
	c := NewCodec("be nice")
	threadID := conversation.NewThreadID()

	first := c.NewPromptRequest(threadID, nil, "hello", "be nice")
	require.Len(t, first.Parts, 2)
	require.Equal(t, conversation.PartKindSystemPrompt, first.Parts[0].Kind)
	require.True(t, first.ParentID.IsNull())
	require.Equal(t, "be nice", first.Instructions)

	second := c.NewPromptRequest(threadID, conversation.Conversation{first}, "again", "")
	require.Len(t, second.Parts, 1)
	require.Equal(t, first.ID, second.ParentID)
}

func TestEchoAgent(t *testing.T) {
	a := NewEchoAgent("echo: ", 0)
	mm, err := a.Run(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)
	require.Equal(t, ModelMessageKindResponse, mm.Kind)
	require.Equal(t, "echo: Hello", mm.Parts[0].Content)
	require.Equal(t, EchoModelName, mm.ModelName)
	require.NotNil(t, mm.Usage)
	require.Greater(t, *mm.Usage, 0)
}

func TestEchoAgentHonorsContext(t *testing.T) {
	a := NewEchoAgent("", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Run(ctx, Request{Prompt: "slow"})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
