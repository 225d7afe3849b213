package conversation

import "time"

type DisplayRole string

const (
	DisplayRoleSystem     DisplayRole = "system"
	DisplayRoleUser       DisplayRole = "user"
	DisplayRoleAssistant  DisplayRole = "assistant"
	DisplayRoleThinking   DisplayRole = "thinking"
	DisplayRoleToolCall   DisplayRole = "tool-call"
	DisplayRoleToolReturn DisplayRole = "tool-return"
)

// DisplayMessage is the flattened, client-facing rendering of a single part.
type DisplayMessage struct {
	MessageID NodeID      `json:"message_id" yaml:"message_id"`
	ParentID  NodeID      `json:"parent_id" yaml:"parent_id"`
	Role      DisplayRole `json:"role" yaml:"role"`
	Content   string      `json:"content" yaml:"content"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
}

func (k PartKind) DisplayRole() (DisplayRole, error) {
	switch k {
	case PartKindSystemPrompt:
		return DisplayRoleSystem, nil
	case PartKindUserPrompt:
		return DisplayRoleUser, nil
	case PartKindText:
		return DisplayRoleAssistant, nil
	case PartKindThinking:
		return DisplayRoleThinking, nil
	case PartKindToolCall:
		return DisplayRoleToolCall, nil
	case PartKindToolReturn:
		return DisplayRoleToolReturn, nil
	default:
		return "", &UnknownPartKindError{Kind: k}
	}
}

// Display renders every part of every message of the conversation, in order.
func (c Conversation) Display() ([]DisplayMessage, error) {
	ret := []DisplayMessage{}
	for _, m := range c {
		for _, p := range m.Parts {
			role, err := p.Kind.DisplayRole()
			if err != nil {
				return nil, err
			}
			ret = append(ret, DisplayMessage{
				MessageID: m.ID,
				ParentID:  m.ParentID,
				Role:      role,
				Content:   p.View(),
				CreatedAt: m.CreatedAt,
			})
		}
	}
	return ret, nil
}
