package agent

import (
	"time"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// ErrMalformedOutput is returned when an agent response cannot be turned into a
// storable message.
var ErrMalformedOutput = errors.New("malformed agent output")

// Codec translates between stored messages and the agent wire format.
//
// When SystemPrompt is set, every stored system-prompt part is rendered with
// the current SystemPrompt instead of the content it was stored with.
type Codec struct {
	SystemPrompt string
}

func NewCodec(systemPrompt string) *Codec {
	return &Codec{SystemPrompt: systemPrompt}
}

// EncodeHistory renders a root-to-tail path, one ModelMessage per stored message.
func (c *Codec) EncodeHistory(path conversation.Conversation) ([]ModelMessage, error) {
	ret := make([]ModelMessage, 0, len(path))
	for _, m := range path {
		mm, err := c.EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		ret = append(ret, *mm)
	}
	return ret, nil
}

func (c *Codec) EncodeMessage(m *conversation.Message) (*ModelMessage, error) {
	ret := &ModelMessage{
		Parts: make([]ModelPart, 0, len(m.Parts)),
	}
	switch m.Kind {
	case conversation.MessageKindRequest:
		ret.Kind = ModelMessageKindRequest
		ret.Instructions = m.Instructions
	case conversation.MessageKindResponse:
		ret.Kind = ModelMessageKindResponse
		ret.ModelName = m.ModelName
		ret.Timestamp = m.Timestamp
		if m.UsageTokens != nil {
			usage := *m.UsageTokens
			ret.Usage = &usage
		}
		ret.VendorDetails = cloneMap(m.VendorDetails)
	default:
		return nil, errors.Wrapf(conversation.ErrUnknownMessageKind, "message %s: %q", m.ID, m.Kind)
	}

	parts := make([]conversation.Part, len(m.Parts))
	copy(parts, m.Parts)
	sorted := &conversation.Message{Parts: parts}
	sorted.SortParts()

	for _, p := range sorted.Parts {
		mp, err := c.EncodePart(p)
		if err != nil {
			return nil, errors.Wrapf(err, "message %s", m.ID)
		}
		ret.Parts = append(ret.Parts, mp)
	}
	return ret, nil
}

// EncodePart maps a stored part to its wire form. Unknown kinds fail.
func (c *Codec) EncodePart(p conversation.Part) (ModelPart, error) {
	ret := ModelPart{
		PartKind:  string(p.Kind),
		Timestamp: p.CreatedAt,
	}
	switch p.Kind {
	case conversation.PartKindSystemPrompt:
		ret.Content = p.Content
		if c.SystemPrompt != "" {
			ret.Content = c.SystemPrompt
		}
		ret.DynamicRef = p.DynamicRef
	case conversation.PartKindUserPrompt:
		ret.Content = p.Content
		ret.Metadata = cloneMap(p.Metadata)
	case conversation.PartKindText, conversation.PartKindThinking:
		ret.Content = p.Content
	case conversation.PartKindToolCall:
		ret.ToolName = p.ToolName
		ret.Args = cloneMap(p.Args)
		ret.ToolCallID = p.ToolCallID
	case conversation.PartKindToolReturn:
		ret.ToolName = p.ToolName
		ret.Content = p.Content
		ret.ToolCallID = p.ToolCallID
		ret.Metadata = cloneMap(p.Metadata)
	default:
		return ModelPart{}, &conversation.UnknownPartKindError{Kind: p.Kind}
	}
	return ret, nil
}

// DecodePart maps a wire part to a fresh stored part. Unknown kinds fail.
func (c *Codec) DecodePart(mp ModelPart) (conversation.Part, error) {
	kind := conversation.PartKind(mp.PartKind)
	var ret conversation.Part
	switch kind {
	case conversation.PartKindSystemPrompt:
		ret = conversation.NewSystemPromptPart(mp.Content, mp.DynamicRef)
	case conversation.PartKindUserPrompt:
		ret = conversation.NewUserPromptPart(mp.Content)
		ret.Metadata = cloneMap(mp.Metadata)
	case conversation.PartKindText:
		ret = conversation.NewTextPart(mp.Content)
	case conversation.PartKindThinking:
		ret = conversation.NewThinkingPart(mp.Content)
	case conversation.PartKindToolCall:
		ret = conversation.NewToolCallPart(mp.ToolName, cloneMap(mp.Args), mp.ToolCallID)
	case conversation.PartKindToolReturn:
		ret = conversation.NewToolReturnPart(mp.ToolName, mp.Content, mp.ToolCallID)
		ret.Metadata = cloneMap(mp.Metadata)
	default:
		return conversation.Part{}, &conversation.UnknownPartKindError{Kind: kind}
	}
	if !mp.Timestamp.IsZero() {
		ret.CreatedAt = mp.Timestamp
	}
	if err := ret.Validate(); err != nil {
		return conversation.Part{}, err
	}
	return ret, nil
}

// DecodeResponse wraps the agent output into a new response message attached
// to parentID. Any part that is not a response part makes the whole output
// malformed.
func (c *Codec) DecodeResponse(
	threadID conversation.ThreadID,
	parentID conversation.NodeID,
	mm *ModelMessage,
) (*conversation.Message, error) {
	if mm == nil {
		return nil, errors.Wrap(ErrMalformedOutput, "agent returned no message")
	}
	if mm.Kind != "" && mm.Kind != ModelMessageKindResponse {
		return nil, errors.Wrapf(ErrMalformedOutput, "agent returned a %q message", mm.Kind)
	}

	parts := make([]conversation.Part, 0, len(mm.Parts))
	for i, mp := range mm.Parts {
		p, err := c.DecodePart(mp)
		if err != nil {
			return nil, errors.Wrapf(err, "agent output part %d", i)
		}
		parts = append(parts, p)
	}

	now := time.Now()
	options := []conversation.MessageOption{
		conversation.WithParentID(parentID),
		conversation.WithTime(now),
		conversation.WithModelName(mm.ModelName),
		conversation.WithVendorDetails(cloneMap(mm.VendorDetails)),
	}
	if !mm.Timestamp.IsZero() {
		options = append(options, conversation.WithTimestamp(mm.Timestamp))
	}
	if mm.Usage != nil {
		options = append(options, conversation.WithUsageTokens(*mm.Usage))
	}
	ret := conversation.NewResponse(threadID, parts, options...)
	if err := ret.Validate(); err != nil {
		return nil, errors.Wrap(err, "agent output")
	}
	return ret, nil
}

// NewPromptRequest builds the stored request message for a user prompt. The
// system prompt is only included when the path does not carry one yet.
func (c *Codec) NewPromptRequest(
	threadID conversation.ThreadID,
	path conversation.Conversation,
	prompt string,
	instructions string,
) *conversation.Message {
	parts := []conversation.Part{}
	if c.SystemPrompt != "" && !path.HasSystemPrompt() {
		parts = append(parts, conversation.NewSystemPromptPart(c.SystemPrompt, ""))
	}
	parts = append(parts, conversation.NewUserPromptPart(prompt))
	return conversation.NewRequest(threadID, parts,
		conversation.WithParentID(path.TailID()),
		conversation.WithInstructions(instructions),
	)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return clone.Clone(m).(map[string]any)
}
