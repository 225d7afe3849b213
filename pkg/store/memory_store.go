package store

import (
	"context"
	"sync"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/huandu/go-clone"
)

type memoryThread struct {
	thread   *conversation.Thread
	messages []*conversation.Message
}

// InMemoryStore is a thread-safe Store implementation for tests and local runs.
// Every read and write deep-copies, so callers never share state with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	threads  map[conversation.ThreadID]*memoryThread
	messages map[conversation.NodeID]conversation.ThreadID
	closed   bool
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:  map[conversation.ThreadID]*memoryThread{},
		messages: map[conversation.NodeID]conversation.ThreadID{},
	}
}

func (s *InMemoryStore) ListThreads(_ context.Context) ([]*conversation.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	out := make([]*conversation.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, clone.Clone(t.thread).(*conversation.Thread))
	}
	sortThreads(out)
	return out, nil
}

func (s *InMemoryStore) GetThread(_ context.Context, id conversation.ThreadID) (*conversation.Thread, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	t, ok := s.threads[id]
	if !ok {
		return nil, false, nil
	}
	ret := clone.Clone(t.thread).(*conversation.Thread)
	ret.Messages = clone.Clone(t.messages).([]*conversation.Message)
	if ret.Messages == nil {
		ret.Messages = []*conversation.Message{}
	}
	sortMessages(ret.Messages)
	return ret, true, nil
}

func (s *InMemoryStore) CreateThread(_ context.Context, thread *conversation.Thread) (*conversation.Thread, error) {
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	prepared := prepareThread(thread)
	if _, exists := s.threads[prepared.ID]; exists {
		return nil, &ValidationError{Field: "id", Reason: "thread " + prepared.ID.String() + " already exists"}
	}
	prepared.Version = 1
	s.threads[prepared.ID] = &memoryThread{thread: prepared}

	ret := clone.Clone(prepared).(*conversation.Thread)
	ret.Messages = []*conversation.Message{}
	return ret, nil
}

func (s *InMemoryStore) UpdateThread(_ context.Context, thread *conversation.Thread, opts SaveOptions) (*conversation.Thread, error) {
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	existing, ok := s.threads[thread.ID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if err := assertExpectedVersion(thread.ID, opts.ExpectedVersion, existing.thread.Version); err != nil {
		return nil, err
	}
	existing.thread = applyThreadUpdate(existing.thread, thread)
	return clone.Clone(existing.thread).(*conversation.Thread), nil
}

func (s *InMemoryStore) DeleteThread(_ context.Context, id conversation.ThreadID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	t, ok := s.threads[id]
	if !ok {
		return false, nil
	}
	for _, m := range t.messages {
		delete(s.messages, m.ID)
	}
	delete(s.threads, id)
	return true, nil
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, msg *conversation.Message) (*conversation.Message, error) {
	if msg == nil {
		return nil, &ValidationError{Field: "message", Reason: "must not be nil"}
	}
	if _, err := s.AppendMessages(ctx, msg.ThreadID, []*conversation.Message{msg}, SaveOptions{}); err != nil {
		return nil, err
	}
	ret, ok, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMessageNotFound
	}
	return ret, nil
}

func (s *InMemoryStore) AppendMessages(
	_ context.Context,
	threadID conversation.ThreadID,
	msgs []*conversation.Message,
	opts SaveOptions,
) (*conversation.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if err := assertExpectedVersion(threadID, opts.ExpectedVersion, t.thread.Version); err != nil {
		return nil, err
	}
	prepared, err := prepareMessages(threadID, msgs, s.lookupLocked)
	if err != nil {
		return nil, err
	}

	t.messages = append(t.messages, prepared...)
	for _, m := range prepared {
		s.messages[m.ID] = threadID
	}
	updated := clone.Clone(t.thread).(*conversation.Thread)
	updated.Touch(latest(prepared))
	updated.Version++
	t.thread = updated
	return clone.Clone(updated).(*conversation.Thread), nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, threadID conversation.ThreadID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := clone.Clone(t.messages).([]*conversation.Message)
	if out == nil {
		out = []*conversation.Message{}
	}
	sortMessages(out)
	return out, nil
}

func (s *InMemoryStore) GetMessage(_ context.Context, id conversation.NodeID) (*conversation.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	threadID, ok := s.messages[id]
	if !ok {
		return nil, false, nil
	}
	for _, m := range s.threads[threadID].messages {
		if m.ID == id {
			return clone.Clone(m).(*conversation.Message), true, nil
		}
	}
	return nil, false, nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) lookupLocked(id conversation.NodeID) (conversation.ThreadID, bool, error) {
	threadID, ok := s.messages[id]
	return threadID, ok, nil
}

func (s *InMemoryStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
