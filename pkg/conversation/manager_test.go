package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerAppendsOnActivePathTail(t *testing.T) {
	thread := NewThread("t")
	root := userMessage("root", NullNode, at(0))
	reply := textMessage("reply", root.ID, at(1))
	thread.AppendMessage(root)
	thread.AppendMessage(reply)

	m := NewThreadManager(thread)
	require.Equal(t, reply.ID, m.Head())

	req := userMessage("next", NullNode, at(2))
	resp := textMessage("answer", NullNode, at(2))
	m.AppendMessages(req, resp)

	require.Equal(t, reply.ID, req.ParentID)
	require.Equal(t, req.ID, resp.ParentID)
	require.Equal(t, thread.ID, resp.ThreadID)
	require.True(t, resp.CreatedAt.After(req.CreatedAt))
	require.Equal(t, []*Message{req, resp}, m.Pending())
	require.Equal(t, []NodeID{root.ID, reply.ID, req.ID, resp.ID}, m.GetConversation().IDs())
	require.Equal(t, resp.ID, m.Tree.ActivePath().TailID())
}

func TestManagerBranchPoint(t *testing.T) {
	thread := NewThread("t")
	root := userMessage("root", NullNode, at(0))
	reply := textMessage("reply", root.ID, at(1))
	thread.AppendMessage(root)
	thread.AppendMessage(reply)

	m := NewThreadManager(thread, WithBranchPoint(root.ID))
	require.Equal(t, []NodeID{root.ID}, m.GetConversation().IDs())

	regenerated := textMessage("again", NullNode, at(5))
	m.AppendMessages(regenerated)
	require.Equal(t, root.ID, regenerated.ParentID)
	require.Equal(t, []NodeID{reply.ID}, m.Tree.FindSiblings(regenerated.ID))
}

func TestManagerEmptyThreadStartsRoot(t *testing.T) {
	m := NewThreadManager(NewThread("t"))
	require.True(t, m.Head().IsNull())

	req := userMessage("hello", NewNodeID(), at(0))
	m.AppendMessages(req)
	require.True(t, req.ParentID.IsNull())
}

func TestDisplayRendersEveryPart(t *testing.T) {
	req := NewRequest(NullThread, []Part{NewSystemPromptPart("sys", ""), NewUserPromptPart("what is 1+2?")})
	resp := NewResponse(NullThread, []Part{
		NewThinkingPart("adding"),
		NewToolCallPart("add", map[string]any{"a": 1}, "c1"),
		NewToolReturnPart("add", "3", "c1"),
		NewTextPart("3"),
	}, WithParentID(req.ID))

	view, err := Conversation{req, resp}.Display()
	require.NoError(t, err)
	require.Len(t, view, 6)

	roles := []DisplayRole{}
	for _, v := range view {
		roles = append(roles, v.Role)
	}
	require.Equal(t, []DisplayRole{
		DisplayRoleSystem, DisplayRoleUser, DisplayRoleThinking,
		DisplayRoleToolCall, DisplayRoleToolReturn, DisplayRoleAssistant,
	}, roles)
	require.Equal(t, "add: 3", view[4].Content)
	require.Equal(t, req.ID, view[2].ParentID)
}
