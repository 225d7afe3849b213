package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/huandu/go-clone"
)

// messageLookup returns the thread a stored message belongs to.
type messageLookup func(id conversation.NodeID) (conversation.ThreadID, bool, error)

func validateThread(thread *conversation.Thread) error {
	if thread == nil {
		return &ValidationError{Field: "thread", Reason: "must not be nil"}
	}
	if strings.TrimSpace(thread.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// prepareThread returns a normalized copy of thread without messages.
func prepareThread(thread *conversation.Thread) *conversation.Thread {
	ret := clone.Clone(thread.Summary()).(*conversation.Thread)
	if ret.ID.IsNull() {
		ret.ID = conversation.NewThreadID()
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now()
	}
	ret.CreatedAt = normalizeTime(ret.CreatedAt)
	ret.UpdatedAt = normalizeTime(ret.UpdatedAt)
	if ret.UpdatedAt.Before(ret.CreatedAt) {
		ret.UpdatedAt = ret.CreatedAt
	}
	if ret.Task != nil {
		ret.Task.UpdatedAt = normalizeTime(ret.Task.UpdatedAt)
	}
	return ret
}

// applyThreadUpdate copies the mutable fields of update onto existing and
// bumps the version.
func applyThreadUpdate(existing *conversation.Thread, update *conversation.Thread) *conversation.Thread {
	ret := clone.Clone(existing.Summary()).(*conversation.Thread)
	ret.Title = update.Title
	ret.Touch(normalizeTime(update.UpdatedAt))
	ret.UpdatedAt = normalizeTime(ret.UpdatedAt)
	if update.Task != nil {
		task := *update.Task
		task.UpdatedAt = normalizeTime(task.UpdatedAt)
		ret.Task = &task
	}
	ret.Version++
	return ret
}

// prepareMessages validates msgs for insertion into threadID and returns
// normalized copies. A parent must be NullNode, an earlier message of the
// batch, or a stored message of the same thread.
func prepareMessages(threadID conversation.ThreadID, msgs []*conversation.Message, lookup messageLookup) ([]*conversation.Message, error) {
	if len(msgs) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "no messages to append"}
	}
	batch := map[conversation.NodeID]struct{}{}
	ret := make([]*conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			return nil, &ValidationError{Field: "message", Reason: "must not be nil"}
		}
		if m.ID.IsNull() {
			return nil, &ValidationError{Field: "id", Reason: "message id must be set"}
		}
		if !m.ThreadID.IsNull() && m.ThreadID != threadID {
			return nil, &ValidationError{
				Field:  "thread_id",
				Reason: fmt.Sprintf("message %s belongs to thread %s", m.ID, m.ThreadID),
			}
		}
		if err := m.Validate(); err != nil {
			return nil, &ValidationError{Field: "parts", Reason: err.Error()}
		}
		if _, dup := batch[m.ID]; dup {
			return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate message %s", m.ID)}
		}
		if _, exists, err := lookup(m.ID); err != nil {
			return nil, err
		} else if exists {
			return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("message %s already exists", m.ID)}
		}
		if m.HasParent() {
			if _, inBatch := batch[m.ParentID]; !inBatch {
				parentThread, ok, err := lookup(m.ParentID)
				if err != nil {
					return nil, err
				}
				if !ok || parentThread != threadID {
					return nil, &ValidationError{
						Field:  "parent_id",
						Reason: fmt.Sprintf("parent %s is not a message of thread %s", m.ParentID, threadID),
					}
				}
			}
		}
		batch[m.ID] = struct{}{}

		c := clone.Clone(m).(*conversation.Message)
		c.ThreadID = threadID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		c.CreatedAt = normalizeTime(c.CreatedAt)
		c.Timestamp = normalizeTime(c.Timestamp)
		for i := range c.Parts {
			c.Parts[i].CreatedAt = normalizeTime(c.Parts[i].CreatedAt)
		}
		c.SortParts()
		ret = append(ret, c)
	}
	return ret, nil
}

// latest returns the greatest CreatedAt of msgs.
func latest(msgs []*conversation.Message) time.Time {
	var ret time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(ret) {
			ret = m.CreatedAt
		}
	}
	return ret
}

// normalizeTime drops the monotonic reading and location so timestamps compare
// equal across backends.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(0, t.UnixNano()).UTC()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func sortThreads(threads []*conversation.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].ID.String() < threads[j].ID.String()
	})
}

func sortMessages(msgs []*conversation.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID.Less(msgs[j].ID)
	})
}
