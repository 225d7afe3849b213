package agent

import (
	"time"
)

type ModelMessageKind string

const (
	ModelMessageKindRequest  ModelMessageKind = "request"
	ModelMessageKindResponse ModelMessageKind = "response"
)

// ModelMessage is one unit of the flat, role-tagged history exchanged with an
// agent. Requests carry system-prompt and user-prompt parts, responses carry
// text, thinking, tool-call and tool-return parts.
type ModelMessage struct {
	Kind          ModelMessageKind `json:"kind"`
	Instructions  string           `json:"instructions,omitempty"`
	Parts         []ModelPart      `json:"parts"`
	ModelName     string           `json:"model_name,omitempty"`
	Timestamp     time.Time        `json:"timestamp,omitempty"`
	Usage         *int             `json:"usage,omitempty"`
	VendorDetails map[string]any   `json:"vendor_details,omitempty"`
}

// ModelPart is a wire part, tagged by PartKind using the same taxonomy as the
// stored parts.
type ModelPart struct {
	PartKind   string         `json:"part_kind"`
	Content    string         `json:"content,omitempty"`
	DynamicRef string         `json:"dynamic_ref,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
}

// TextResponse builds a response holding a single text part.
func TextResponse(modelName string, text string) *ModelMessage {
	return &ModelMessage{
		Kind:      ModelMessageKindResponse,
		Parts:     []ModelPart{{PartKind: "text", Content: text}},
		ModelName: modelName,
		Timestamp: time.Now(),
	}
}
