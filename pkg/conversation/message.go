package conversation

import (
	"sort"
	"time"
)

type MessageKind string

const (
	MessageKindRequest  MessageKind = "request"
	MessageKindResponse MessageKind = "response"
)

// Message represents a single message node in the conversation tree.
//
// Request messages carry system-prompt and user-prompt parts and optional
// Instructions. Response messages carry text, thinking, tool-call and
// tool-return parts along with the model bookkeeping fields.
type Message struct {
	ID        NodeID      `json:"id" yaml:"id"`
	ThreadID  ThreadID    `json:"thread_id" yaml:"thread_id"`
	ParentID  NodeID      `json:"parent_id" yaml:"parent_id"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
	Kind      MessageKind `json:"kind" yaml:"kind"`
	Parts     []Part      `json:"parts" yaml:"parts"`

	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	ModelName     string         `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	Timestamp     time.Time      `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	UsageTokens   *int           `json:"usage_tokens,omitempty" yaml:"usage_tokens,omitempty"`
	VendorDetails map[string]any `json:"vendor_details,omitempty" yaml:"vendor_details,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithInstructions(instructions string) MessageOption {
	return func(m *Message) {
		m.Instructions = instructions
	}
}

func WithModelName(modelName string) MessageOption {
	return func(m *Message) {
		m.ModelName = modelName
	}
}

func WithTimestamp(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
	}
}

func WithUsageTokens(tokens int) MessageOption {
	return func(m *Message) {
		m.UsageTokens = &tokens
	}
}

func WithVendorDetails(details map[string]any) MessageOption {
	return func(m *Message) {
		m.VendorDetails = details
	}
}

func newMessage(kind MessageKind, threadID ThreadID, parts []Part, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:        NewNodeID(),
		ThreadID:  threadID,
		CreatedAt: now,
		Kind:      kind,
		Parts:     make([]Part, len(parts)),
	}
	copy(ret.Parts, parts)
	for i := range ret.Parts {
		ret.Parts[i].OrderIndex = i
	}

	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewRequest builds a request message. Parts are numbered in the given order.
func NewRequest(threadID ThreadID, parts []Part, options ...MessageOption) *Message {
	return newMessage(MessageKindRequest, threadID, parts, options...)
}

// NewResponse builds a response message. Timestamp defaults to CreatedAt.
func NewResponse(threadID ThreadID, parts []Part, options ...MessageOption) *Message {
	ret := newMessage(MessageKindResponse, threadID, parts, options...)
	if ret.Timestamp.IsZero() {
		ret.Timestamp = ret.CreatedAt
	}
	return ret
}

func (m *Message) HasParent() bool {
	return !m.ParentID.IsNull()
}

// Validate checks the message discriminator, that every part belongs to this
// kind of message and that order indices are strictly increasing.
func (m *Message) Validate() error {
	if m.Kind != MessageKindRequest && m.Kind != MessageKindResponse {
		return ErrUnknownMessageKind
	}
	last := -1
	for _, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return err
		}
		kind, err := p.Kind.MessageKind()
		if err != nil {
			return err
		}
		if kind != m.Kind {
			return &PartKindMismatchError{MessageKind: m.Kind, PartKind: p.Kind}
		}
		if p.OrderIndex <= last {
			return &PartOrderError{MessageID: m.ID, OrderIndex: p.OrderIndex}
		}
		last = p.OrderIndex
	}
	return nil
}

// SortParts restores the stored order of the parts.
func (m *Message) SortParts() {
	sort.SliceStable(m.Parts, func(i, j int) bool {
		return m.Parts[i].OrderIndex < m.Parts[j].OrderIndex
	})
}

// PartsOfKind returns the parts with the given kind, in order.
func (m *Message) PartsOfKind(kind PartKind) []Part {
	var ret []Part
	for _, p := range m.Parts {
		if p.Kind == kind {
			ret = append(ret, p)
		}
	}
	return ret
}

// Conversation is a linear root-to-tail sequence of messages.
type Conversation []*Message

func (c Conversation) Tail() (*Message, bool) {
	if len(c) == 0 {
		return nil, false
	}
	return c[len(c)-1], true
}

// TailID returns the id of the last message or NullNode for an empty conversation.
func (c Conversation) TailID() NodeID {
	if tail, ok := c.Tail(); ok {
		return tail.ID
	}
	return NullNode
}

func (c Conversation) IDs() []NodeID {
	ret := make([]NodeID, 0, len(c))
	for _, m := range c {
		ret = append(ret, m.ID)
	}
	return ret
}

// HasSystemPrompt reports whether any request on the path carries a system prompt.
func (c Conversation) HasSystemPrompt() bool {
	for _, m := range c {
		if m.Kind == MessageKindRequest && len(m.PartsOfKind(PartKindSystemPrompt)) > 0 {
			return true
		}
	}
	return false
}
