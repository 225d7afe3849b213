package conversation

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NodeID identifies a single message node inside a thread's tree.
type NodeID uuid.UUID

// NullNode is the zero NodeID. A message whose ParentID is NullNode is a root.
var NullNode = NodeID(uuid.Nil)

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NullNode, errors.Wrapf(err, "invalid message id %q", s)
	}
	return NodeID(id), nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func (id NodeID) IsNull() bool {
	return id == NullNode
}

// Less orders ids by their byte representation. Used as the tie-break rule
// when two messages share a timestamp.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// MarshalJSON renders NullNode as JSON null so optional parent references stay readable.
func (id NodeID) MarshalJSON() ([]byte, error) {
	if id.IsNull() {
		return []byte("null"), nil
	}
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*id = NullNode
		return nil
	}
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) MarshalYAML() (interface{}, error) {
	if id.IsNull() {
		return nil, nil
	}
	return id.String(), nil
}

// ThreadID identifies a conversation thread.
type ThreadID uuid.UUID

var NullThread = ThreadID(uuid.Nil)

func NewThreadID() ThreadID {
	return ThreadID(uuid.New())
}

func ParseThreadID(s string) (ThreadID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NullThread, errors.Wrapf(err, "invalid thread id %q", s)
	}
	return ThreadID(id), nil
}

func (id ThreadID) String() string {
	return uuid.UUID(id).String()
}

func (id ThreadID) IsNull() bool {
	return id == NullThread
}

func (id ThreadID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *ThreadID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = ThreadID(u)
	return nil
}

func (id ThreadID) MarshalYAML() (interface{}, error) {
	return id.String(), nil
}
