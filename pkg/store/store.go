package store

import (
	"context"

	"github.com/go-go-golems/asynclang/pkg/conversation"
)

// SaveOptions carries write context for thread persistence.
type SaveOptions struct {
	// ExpectedVersion guards the write when non-zero. A mismatch returns a
	// VersionConflictError and leaves the stored thread untouched.
	ExpectedVersion uint64
}

// ThreadStoreReader provides read operations over threads.
type ThreadStoreReader interface {
	// ListThreads returns thread metadata ordered by UpdatedAt descending.
	// Messages are not loaded (Thread.Messages is nil).
	ListThreads(ctx context.Context) ([]*conversation.Thread, error)
	// GetThread loads a thread with all of its messages. A missing thread is
	// reported with ok == false and a nil error.
	GetThread(ctx context.Context, id conversation.ThreadID) (*conversation.Thread, bool, error)
}

// ThreadStoreWriter provides write operations over threads.
type ThreadStoreWriter interface {
	CreateThread(ctx context.Context, thread *conversation.Thread) (*conversation.Thread, error)
	// UpdateThread persists Title, UpdatedAt and Task. UpdatedAt never moves
	// backwards. Returns ErrThreadNotFound if the thread is gone.
	UpdateThread(ctx context.Context, thread *conversation.Thread, opts SaveOptions) (*conversation.Thread, error)
	// DeleteThread removes the thread and all of its messages. It reports
	// whether a thread was removed.
	DeleteThread(ctx context.Context, id conversation.ThreadID) (bool, error)
}

// MessageStore provides message persistence. Messages are immutable once
// stored.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *conversation.Message) (*conversation.Message, error)
	// AppendMessages stores msgs and advances the thread's UpdatedAt in a
	// single transaction. Either every message is stored or none is.
	AppendMessages(ctx context.Context, threadID conversation.ThreadID, msgs []*conversation.Message, opts SaveOptions) (*conversation.Thread, error)
	// ListMessages returns the messages of a thread ordered by CreatedAt, then id.
	ListMessages(ctx context.Context, threadID conversation.ThreadID) ([]*conversation.Message, error)
	GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.Message, bool, error)
}

// Store is the persistence abstraction used by the thread service.
type Store interface {
	ThreadStoreReader
	ThreadStoreWriter
	MessageStore
	Close() error
}
