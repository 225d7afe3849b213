package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPartKind    = errors.New("unknown part kind")
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrPartKindMismatch   = errors.New("part kind not allowed in message")
	ErrPartOrder          = errors.New("part order index not increasing")
)

// UnknownPartKindError reports a part discriminator outside the closed taxonomy.
type UnknownPartKindError struct {
	Kind PartKind
}

func (e *UnknownPartKindError) Error() string {
	if e == nil {
		return ErrUnknownPartKind.Error()
	}
	return fmt.Sprintf("%s: %q", ErrUnknownPartKind, e.Kind)
}

func (e *UnknownPartKindError) Is(target error) bool { return target == ErrUnknownPartKind }

// PartKindMismatchError reports a request part inside a response message or vice versa.
type PartKindMismatchError struct {
	MessageKind MessageKind
	PartKind    PartKind
}

func (e *PartKindMismatchError) Error() string {
	if e == nil {
		return ErrPartKindMismatch.Error()
	}
	return fmt.Sprintf("%s: %q part in %s message", ErrPartKindMismatch, e.PartKind, e.MessageKind)
}

func (e *PartKindMismatchError) Is(target error) bool { return target == ErrPartKindMismatch }

type PartOrderError struct {
	MessageID  NodeID
	OrderIndex int
}

func (e *PartOrderError) Error() string {
	if e == nil {
		return ErrPartOrder.Error()
	}
	return fmt.Sprintf("%s: message %s at index %d", ErrPartOrder, e.MessageID, e.OrderIndex)
}

func (e *PartOrderError) Is(target error) bool { return target == ErrPartOrder }
