package conversation

// Manager builds new messages onto one branch of a thread's tree.
//
// A manager is positioned on a branch point (the tail of the active path, or an
// explicit parent when the caller edits or regenerates a turn). Appended
// messages are chained by ParentID starting at that point, so a request and its
// response always form a parent/child pair.
type Manager interface {
	GetConversation() Conversation
	AppendMessages(msgs ...*Message)
	AttachMessages(parentID NodeID, msgs ...*Message)
	GetMessage(ID NodeID) (*Message, bool)
	// Pending returns the messages appended through the manager, oldest first.
	Pending() []*Message
}
