package conversation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestAssignsOrderIndex(t *testing.T) {
	m := NewRequest(NullThread, []Part{
		NewSystemPromptPart("be brief", ""),
		NewUserPromptPart("hi"),
	}, WithInstructions("be brief"))

	require.Equal(t, MessageKindRequest, m.Kind)
	require.Equal(t, 0, m.Parts[0].OrderIndex)
	require.Equal(t, 1, m.Parts[1].OrderIndex)
	require.NoError(t, m.Validate())
	require.False(t, m.HasParent())
}

func TestNewResponseDefaultsTimestamp(t *testing.T) {
	m := NewResponse(NullThread, []Part{NewTextPart("hello")}, WithTime(at(3)), WithModelName("echo"), WithUsageTokens(4))
	require.Equal(t, at(3), m.Timestamp)
	require.Equal(t, "echo", m.ModelName)
	require.Equal(t, 4, *m.UsageTokens)
}

func TestValidateRejectsMisplacedParts(t *testing.T) {
	m := NewRequest(NullThread, []Part{NewTextPart("not a request part")})
	err := m.Validate()
	require.True(t, errors.Is(err, ErrPartKindMismatch))

	m = &Message{Kind: "event"}
	require.True(t, errors.Is(m.Validate(), ErrUnknownMessageKind))
}

func TestValidateRejectsUnorderedParts(t *testing.T) {
	m := NewResponse(NullThread, []Part{NewTextPart("a"), NewTextPart("b")})
	m.Parts[1].OrderIndex = 0
	require.True(t, errors.Is(m.Validate(), ErrPartOrder))
}

func TestSortPartsRestoresStoredOrder(t *testing.T) {
	m := NewResponse(NullThread, []Part{NewThinkingPart("hmm"), NewTextPart("answer")})
	m.Parts[0], m.Parts[1] = m.Parts[1], m.Parts[0]
	m.SortParts()
	require.Equal(t, PartKindThinking, m.Parts[0].Kind)
	require.Equal(t, PartKindText, m.Parts[1].Kind)
}

func TestMessageParentIDJSON(t *testing.T) {
	root := NewRequest(NewThreadID(), []Part{NewUserPromptPart("hi")})
	b, err := json.Marshal(root)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Nil(t, raw["parent_id"])

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	require.True(t, back.ParentID.IsNull())
	require.Equal(t, root.ID, back.ID)
	require.Equal(t, root.ThreadID, back.ThreadID)
}

func TestConversationHelpers(t *testing.T) {
	var empty Conversation
	require.True(t, empty.TailID().IsNull())
	require.False(t, empty.HasSystemPrompt())

	req := NewRequest(NullThread, []Part{NewSystemPromptPart("sys", ""), NewUserPromptPart("hi")})
	c := Conversation{req}
	require.True(t, c.HasSystemPrompt())
	require.Equal(t, req.ID, c.TailID())
}
