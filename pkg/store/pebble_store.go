package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PebbleStore keeps one serialized blob per thread and per message.
//
// Key layout:
//
//	thread/<thread_id>                          thread metadata
//	msg/<thread_id>/<created_at_nanos>/<msg_id> message with all parts
//	msgidx/<msg_id>                             key of the message blob
//
// Message keys sort by creation time inside the thread prefix, so listing a
// thread is a single range scan.
type PebbleStore struct {
	mu     sync.RWMutex
	path   string
	db     *pebble.DB
	closed bool
}

var _ Store = (*PebbleStore)(nil)

func NewPebbleStore(path string) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("pebble thread store: empty path")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "pebble thread store: open %s", path)
	}
	return &PebbleStore{path: path, db: db}, nil
}

func threadKey(id conversation.ThreadID) []byte {
	return []byte("thread/" + id.String())
}

func threadMessagesPrefix(id conversation.ThreadID) []byte {
	return []byte("msg/" + id.String() + "/")
}

func messageKey(m *conversation.Message) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d/%s", m.ThreadID, toUnixNano(m.CreatedAt), m.ID))
}

func messageIndexKey(id conversation.NodeID) []byte {
	return []byte("msgidx/" + id.String())
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) ListThreads(_ context.Context) ([]*conversation.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	prefix := []byte("thread/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = iter.Close()
	}()

	out := []*conversation.Thread{}
	for iter.First(); iter.Valid(); iter.Next() {
		t := &conversation.Thread{}
		if err := json.Unmarshal(iter.Value(), t); err != nil {
			return nil, errors.Wrapf(err, "pebble thread store: decode %s", iter.Key())
		}
		t.Messages = nil
		out = append(out, t)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortThreads(out)
	return out, nil
}

func (s *PebbleStore) GetThread(_ context.Context, id conversation.ThreadID) (*conversation.Thread, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	t, ok, err := s.getThread(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	msgs, err := s.listMessages(id)
	if err != nil {
		return nil, false, err
	}
	t.Messages = msgs
	return t, true, nil
}

func (s *PebbleStore) CreateThread(_ context.Context, thread *conversation.Thread) (*conversation.Thread, error) {
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	prepared := prepareThread(thread)
	if _, exists, err := s.getThread(prepared.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &ValidationError{Field: "id", Reason: "thread " + prepared.ID.String() + " already exists"}
	}
	prepared.Version = 1

	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	if err := setJSON(batch, threadKey(prepared.ID), prepared); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	prepared.Messages = []*conversation.Message{}
	return prepared, nil
}

func (s *PebbleStore) UpdateThread(_ context.Context, thread *conversation.Thread, opts SaveOptions) (*conversation.Thread, error) {
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	existing, ok, err := s.getThread(thread.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrThreadNotFound
	}
	if err := assertExpectedVersion(thread.ID, opts.ExpectedVersion, existing.Version); err != nil {
		return nil, err
	}
	updated := applyThreadUpdate(existing, thread)

	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	if err := setJSON(batch, threadKey(updated.ID), updated); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PebbleStore) DeleteThread(_ context.Context, id conversation.ThreadID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	_, ok, err := s.getThread(id)
	if err != nil || !ok {
		return false, err
	}
	msgs, err := s.listMessages(id)
	if err != nil {
		return false, err
	}

	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	for _, m := range msgs {
		if err := batch.Delete(messageIndexKey(m.ID), nil); err != nil {
			return false, err
		}
	}
	prefix := threadMessagesPrefix(id)
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return false, err
	}
	if err := batch.Delete(threadKey(id), nil); err != nil {
		return false, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, err
	}
	log.Debug().Str("thread_id", id.String()).Int("messages", len(msgs)).Msg("pebble: deleted thread")
	return true, nil
}

func (s *PebbleStore) CreateMessage(ctx context.Context, msg *conversation.Message) (*conversation.Message, error) {
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

func (s *PebbleStore) AppendMessages(
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

	existing, ok, err := s.getThread(threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrThreadNotFound
	}
	if err := assertExpectedVersion(threadID, opts.ExpectedVersion, existing.Version); err != nil {
		return nil, err
	}
	prepared, err := prepareMessages(threadID, msgs, s.lookup)
	if err != nil {
		return nil, err
	}

	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	for _, m := range prepared {
		key := messageKey(m)
		if err := setJSON(batch, key, m); err != nil {
			return nil, err
		}
		if err := batch.Set(messageIndexKey(m.ID), key, nil); err != nil {
			return nil, err
		}
	}
	existing.Touch(latest(prepared))
	existing.Version++
	if err := setJSON(batch, threadKey(threadID), existing); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *PebbleStore) ListMessages(_ context.Context, threadID conversation.ThreadID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	if _, ok, err := s.getThread(threadID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrThreadNotFound
	}
	return s.listMessages(threadID)
}

func (s *PebbleStore) GetMessage(_ context.Context, id conversation.NodeID) (*conversation.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	key, ok, err := s.get(messageIndexKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok, err := s.get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	m := &conversation.Message{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, false, errors.Wrapf(err, "pebble thread store: decode message %s", id)
	}
	return m, true, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// get returns a copy of the value stored under key.
func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = closer.Close()
	}()
	return append([]byte(nil), v...), true, nil
}

func (s *PebbleStore) getThread(id conversation.ThreadID) (*conversation.Thread, bool, error) {
	v, ok, err := s.get(threadKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	t := &conversation.Thread{}
	if err := json.Unmarshal(v, t); err != nil {
		return nil, false, errors.Wrapf(err, "pebble thread store: decode thread %s", id)
	}
	t.Messages = nil
	return t, true, nil
}

func (s *PebbleStore) listMessages(id conversation.ThreadID) ([]*conversation.Message, error) {
	prefix := threadMessagesPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = iter.Close()
	}()

	out := []*conversation.Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		m := &conversation.Message{}
		if err := json.Unmarshal(iter.Value(), m); err != nil {
			return nil, errors.Wrapf(err, "pebble thread store: decode %s", iter.Key())
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

func (s *PebbleStore) lookup(id conversation.NodeID) (conversation.ThreadID, bool, error) {
	key, ok, err := s.get(messageIndexKey(id))
	if err != nil || !ok {
		return conversation.NullThread, false, err
	}
	// msg/<thread_id>/...
	parts := bytes.SplitN(key, []byte("/"), 3)
	if len(parts) < 3 {
		return conversation.NullThread, false, fmt.Errorf("pebble thread store: malformed index entry %q", key)
	}
	threadID, err := conversation.ParseThreadID(string(parts[1]))
	if err != nil {
		return conversation.NullThread, false, err
	}
	return threadID, true, nil
}

func (s *PebbleStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.db == nil {
		return fmt.Errorf("pebble thread store db is nil")
	}
	return nil
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, b, nil)
}
