package conversation

import (
	"time"

	"github.com/rs/zerolog/log"
)

type ManagerImpl struct {
	Tree     *ConversationTree
	ThreadID ThreadID

	// head is the message new messages get chained to
	head         NodeID
	headExplicit bool
	pending      []*Message
}

var _ Manager = (*ManagerImpl)(nil)

type ManagerOption func(*ManagerImpl)

// WithMessages seeds the manager tree with already persisted messages.
func WithMessages(messages ...*Message) ManagerOption {
	return func(m *ManagerImpl) {
		m.Tree.InsertMessages(messages...)
	}
}

func WithManagerThreadID(threadID ThreadID) ManagerOption {
	return func(m *ManagerImpl) {
		m.ThreadID = threadID
	}
}

// WithBranchPoint positions the manager on an explicit parent instead of the
// tail of the active path.
func WithBranchPoint(parentID NodeID) ManagerOption {
	return func(m *ManagerImpl) {
		m.head = parentID
		m.headExplicit = true
	}
}

// NewManager creates a manager positioned on the tail of the active path of
// the seeded messages, unless WithBranchPoint is given.
func NewManager(options ...ManagerOption) *ManagerImpl {
	ret := &ManagerImpl{
		Tree: NewConversationTree(),
		head: NullNode,
	}
	for _, option := range options {
		option(ret)
	}
	if !ret.headExplicit {
		ret.head = ret.Tree.ActivePath().TailID()
	}
	return ret
}

// NewThreadManager seeds a manager with the messages of a loaded thread.
func NewThreadManager(t *Thread, options ...ManagerOption) *ManagerImpl {
	opts := append([]ManagerOption{
		WithManagerThreadID(t.ID),
		WithMessages(t.Messages...),
	}, options...)
	return NewManager(opts...)
}

// GetConversation returns the root-to-head path the next message will extend.
func (c *ManagerImpl) GetConversation() Conversation {
	return c.Tree.GetConversationThread(c.head)
}

func (c *ManagerImpl) Head() NodeID {
	return c.head
}

// AppendMessages chains the messages one after another starting at the
// current head, and moves the head to the last one.
func (c *ManagerImpl) AppendMessages(messages ...*Message) {
	c.AttachMessages(c.head, messages...)
}

// AttachMessages chains the messages starting at parentID and moves the head
// to the last one.
//
// A child's CreatedAt is forced strictly after its parent's so that the newest
// message of a fresh chain is always its last one.
func (c *ManagerImpl) AttachMessages(parentID NodeID, messages ...*Message) {
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		msg.ParentID = parentID
		if !c.ThreadID.IsNull() {
			msg.ThreadID = c.ThreadID
		}
		if parent, ok := c.Tree.GetMessageByID(parentID); ok && !msg.CreatedAt.After(parent.CreatedAt) {
			bumped := parent.CreatedAt.Add(time.Microsecond)
			if msg.Timestamp.Equal(msg.CreatedAt) {
				msg.Timestamp = bumped
			}
			msg.CreatedAt = bumped
		}
		c.Tree.InsertMessages(msg)
		c.pending = append(c.pending, msg)
		log.Trace().
			Str("thread_id", c.ThreadID.String()).
			Str("message_id", msg.ID.String()).
			Str("parent_id", parentID.String()).
			Str("kind", string(msg.Kind)).
			Msg("attached message")
		parentID = msg.ID
	}
	c.head = parentID
}

func (c *ManagerImpl) GetMessage(ID NodeID) (*Message, bool) {
	return c.Tree.GetMessageByID(ID)
}

func (c *ManagerImpl) Pending() []*Message {
	ret := make([]*Message, len(c.pending))
	copy(ret, c.pending)
	return ret
}
