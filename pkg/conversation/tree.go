package conversation

// ConversationTree indexes the messages of a thread by id and by parent.
//
// The tree is built from the flat message set of a thread. Parent-child links
// come from the ParentID field of each message. A thread can have several
// roots: the declared root (ParentID == NullNode) and any message whose
// ParentID does not resolve inside the thread.
//
// The "active path" is the branch that ends at the most recently created
// message. There is no separate cursor: every call re-scans the nodes.
type ConversationTree struct {
	Nodes map[NodeID]*Message

	// insertion order, used to keep FindChildren deterministic
	order    []NodeID
	children map[NodeID][]NodeID
}

func NewConversationTree(msgs ...*Message) *ConversationTree {
	ct := &ConversationTree{
		Nodes:    make(map[NodeID]*Message, len(msgs)),
		children: make(map[NodeID][]NodeID),
	}
	ct.InsertMessages(msgs...)
	return ct
}

// InsertMessages adds messages to the tree. Messages can be inserted in any
// order; children are linked to parents that arrive later.
func (ct *ConversationTree) InsertMessages(msgs ...*Message) {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if _, exists := ct.Nodes[msg.ID]; !exists {
			ct.order = append(ct.order, msg.ID)
			if msg.HasParent() {
				ct.children[msg.ParentID] = append(ct.children[msg.ParentID], msg.ID)
			}
		}
		ct.Nodes[msg.ID] = msg
	}
}

func (ct *ConversationTree) Len() int {
	return len(ct.Nodes)
}

func (ct *ConversationTree) GetMessageByID(id NodeID) (*Message, bool) {
	ret, exists := ct.Nodes[id]
	return ret, exists
}

// Tail returns the message with the greatest CreatedAt across the whole tree.
// Messages with identical timestamps are ordered by id; the greater id wins.
func (ct *ConversationTree) Tail() (*Message, bool) {
	var tail *Message
	for _, id := range ct.order {
		msg := ct.Nodes[id]
		if tail == nil ||
			msg.CreatedAt.After(tail.CreatedAt) ||
			(msg.CreatedAt.Equal(tail.CreatedAt) && tail.ID.Less(msg.ID)) {
			tail = msg
		}
	}
	return tail, tail != nil
}

// ActivePath returns the root-to-tail conversation ending at Tail.
func (ct *ConversationTree) ActivePath() Conversation {
	tail, ok := ct.Tail()
	if !ok {
		return Conversation{}
	}
	return ct.GetConversationThread(tail.ID)
}

// GetConversationThread retrieves the linear conversation from the root to
// the specified message. The walk stops at a NullNode parent or at a parent
// that is not part of the tree; such a message is treated as the root.
func (ct *ConversationTree) GetConversationThread(id NodeID) Conversation {
	thread := Conversation{}
	visited := make(map[NodeID]struct{})
	for !id.IsNull() {
		node, exists := ct.Nodes[id]
		if !exists {
			break
		}
		if _, seen := visited[id]; seen {
			// a parent cycle can only come from corrupt data; cut it here
			break
		}
		visited[id] = struct{}{}
		thread = append(thread, node)
		id = node.ParentID
	}
	for i, j := 0, len(thread)-1; i < j; i, j = i+1, j-1 {
		thread[i], thread[j] = thread[j], thread[i]
	}
	return thread
}

// Roots returns the messages that start a branch: no parent, or a parent
// that does not resolve in this tree.
func (ct *ConversationTree) Roots() []*Message {
	var roots []*Message
	for _, id := range ct.order {
		msg := ct.Nodes[id]
		if _, ok := ct.Nodes[msg.ParentID]; !ok {
			roots = append(roots, msg)
		}
	}
	return roots
}

// FindChildren returns the IDs of all child messages for a given message ID.
func (ct *ConversationTree) FindChildren(id NodeID) []NodeID {
	if _, exists := ct.Nodes[id]; !exists {
		return nil
	}
	children := ct.children[id]
	ret := make([]NodeID, len(children))
	copy(ret, children)
	return ret
}

// FindSiblings returns the IDs of all sibling messages for a given message ID.
// Sibling messages are the nodes that share the same parent as the given message.
func (ct *ConversationTree) FindSiblings(id NodeID) []NodeID {
	node, exists := ct.Nodes[id]
	if !exists {
		return nil
	}
	if _, exists := ct.Nodes[node.ParentID]; !exists {
		return nil
	}

	var siblings []NodeID
	for _, sibling := range ct.children[node.ParentID] {
		if sibling != id {
			siblings = append(siblings, sibling)
		}
	}
	return siblings
}
