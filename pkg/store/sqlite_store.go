package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteThreadsSchemaV1 = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    task_id TEXT NOT NULL DEFAULT '',
    task_state TEXT NOT NULL DEFAULT '',
    task_error TEXT NOT NULL DEFAULT '',
    task_updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS threads_updated_at ON threads (updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads (id) ON DELETE CASCADE,
    parent_id TEXT NULL REFERENCES messages (id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    instructions TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL DEFAULT 0,
    usage_tokens INTEGER NULL,
    vendor_details_json TEXT NULL
);
CREATE INDEX IF NOT EXISTS messages_thread ON messages (thread_id, created_at, id);
CREATE INDEX IF NOT EXISTS messages_parent ON messages (parent_id);

CREATE TABLE IF NOT EXISTS message_parts (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
    order_index INTEGER NOT NULL,
    part_kind TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    dynamic_ref TEXT NOT NULL DEFAULT '',
    tool_name TEXT NOT NULL DEFAULT '',
    args_json TEXT NULL,
    tool_call_id TEXT NOT NULL DEFAULT '',
    metadata_json TEXT NULL,
    UNIQUE (message_id, order_index)
);
`

const threadColumns = `id, title, created_at, updated_at, version, task_id, task_state, task_error, task_updated_at`

const messageColumns = `id, thread_id, parent_id, kind, created_at, instructions, model_name, timestamp, usage_tokens, vendor_details_json`

// SQLiteStore persists threads in a SQLite database with one row per thread,
// per message and per part. Each write runs in its own transaction.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite thread store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite3 allows one writer; a single connection also keeps
	// PRAGMA foreign_keys in effect for every statement.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		dsn: dsn,
		db:  db,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite thread store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context) ([]*conversation.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	out := []*conversation.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortThreads(out)
	return out, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id conversation.ThreadID) (*conversation.Thread, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	t, ok, err := getThreadTx(ctx, tx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	msgs, err := listMessagesTx(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	t.Messages = msgs
	return t, true, nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, thread *conversation.Thread) (*conversation.Thread, error) {
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	prepared := prepareThread(thread)
	prepared.Version = 1
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, exists, err := getThreadTx(ctx, tx, prepared.ID); err != nil {
			return err
		} else if exists {
			return &ValidationError{Field: "id", Reason: "thread " + prepared.ID.String() + " already exists"}
		}
		return insertThreadTx(ctx, tx, prepared)
	})
	if err != nil {
		return nil, err
	}
	prepared.Messages = []*conversation.Message{}
	return prepared, nil
}

func (s *SQLiteStore) UpdateThread(ctx context.Context, thread *conversation.Thread, opts SaveOptions) (*conversation.Thread, error) {
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var ret *conversation.Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := getThreadTx(ctx, tx, thread.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrThreadNotFound
		}
		if err := assertExpectedVersion(thread.ID, opts.ExpectedVersion, existing.Version); err != nil {
			return err
		}
		ret = applyThreadUpdate(existing, thread)
		return updateThreadTx(ctx, tx, ret, existing.Version)
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id conversation.ThreadID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *conversation.Message) (*conversation.Message, error) {
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

func (s *SQLiteStore) AppendMessages(
	ctx context.Context,
	threadID conversation.ThreadID,
	msgs []*conversation.Message,
	opts SaveOptions,
) (*conversation.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var ret *conversation.Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := getThreadTx(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrThreadNotFound
		}
		if err := assertExpectedVersion(threadID, opts.ExpectedVersion, existing.Version); err != nil {
			return err
		}
		prepared, err := prepareMessages(threadID, msgs, func(id conversation.NodeID) (conversation.ThreadID, bool, error) {
			return lookupMessageTx(ctx, tx, id)
		})
		if err != nil {
			return err
		}
		for _, m := range prepared {
			if err := insertMessageTx(ctx, tx, m); err != nil {
				return err
			}
		}

		readVersion := existing.Version
		ret = existing
		ret.Touch(latest(prepared))
		ret.Version++
		return updateThreadTx(ctx, tx, ret, readVersion)
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, threadID conversation.ThreadID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, ok, err := getThreadTx(ctx, tx, threadID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrThreadNotFound
	}
	return listMessagesTx(ctx, tx, threadID)
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	if err != nil {
		return nil, false, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	if err := loadPartsTx(ctx, tx, msgs); err != nil {
		return nil, false, err
	}
	return msgs[0], true, nil
}

func (s *SQLiteStore) Close() error {
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

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite thread store: db is nil")
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}
	if _, err := s.db.Exec(sqliteThreadsSchemaV1); err != nil {
		return errors.Wrap(err, "sqlite thread store: migrate")
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.db == nil {
		return fmt.Errorf("sqlite thread store db is nil")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*conversation.Thread, error) {
	var (
		rawID                          string
		createdAt, updatedAt, taskTime int64
		taskID, taskState, taskError   string
		t                              conversation.Thread
	)
	if err := row.Scan(&rawID, &t.Title, &createdAt, &updatedAt, &t.Version, &taskID, &taskState, &taskError, &taskTime); err != nil {
		return nil, err
	}
	id, err := conversation.ParseThreadID(rawID)
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.CreatedAt = fromUnixNano(createdAt)
	t.UpdatedAt = fromUnixNano(updatedAt)
	if taskID != "" {
		t.Task = &conversation.TaskStatus{
			ID:        taskID,
			State:     conversation.TaskState(taskState),
			Error:     taskError,
			UpdatedAt: fromUnixNano(taskTime),
		}
	}
	return &t, nil
}

func getThreadTx(ctx context.Context, tx *sql.Tx, id conversation.ThreadID) (*conversation.Thread, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id.String())
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func taskColumns(t *conversation.Thread) (string, string, string, int64) {
	if t.Task == nil {
		return "", "", "", 0
	}
	return t.Task.ID, string(t.Task.State), t.Task.Error, toUnixNano(t.Task.UpdatedAt)
}

func insertThreadTx(ctx context.Context, tx *sql.Tx, t *conversation.Thread) error {
	taskID, taskState, taskError, taskTime := taskColumns(t)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Title, toUnixNano(t.CreatedAt), toUnixNano(t.UpdatedAt), t.Version,
		taskID, taskState, taskError, taskTime,
	)
	return err
}

// updateThreadTx writes t guarded by the version that was read in the same
// transaction.
func updateThreadTx(ctx context.Context, tx *sql.Tx, t *conversation.Thread, readVersion uint64) error {
	taskID, taskState, taskError, taskTime := taskColumns(t)
	res, err := tx.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ?, version = ?,
    task_id = ?, task_state = ?, task_error = ?, task_updated_at = ?
WHERE id = ? AND version = ?`,
		t.Title, toUnixNano(t.UpdatedAt), t.Version,
		taskID, taskState, taskError, taskTime,
		t.ID.String(), readVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &VersionConflictError{ThreadID: t.ID, Expected: readVersion}
	}
	return nil
}

func lookupMessageTx(ctx context.Context, tx *sql.Tx, id conversation.NodeID) (conversation.ThreadID, bool, error) {
	var rawThreadID string
	err := tx.QueryRowContext(ctx, `SELECT thread_id FROM messages WHERE id = ?`, id.String()).Scan(&rawThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.NullThread, false, nil
	}
	if err != nil {
		return conversation.NullThread, false, err
	}
	threadID, err := conversation.ParseThreadID(rawThreadID)
	if err != nil {
		return conversation.NullThread, false, err
	}
	return threadID, true, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, m *conversation.Message) error {
	var parentID sql.NullString
	if m.HasParent() {
		parentID = sql.NullString{String: m.ParentID.String(), Valid: true}
	}
	var usage sql.NullInt64
	if m.UsageTokens != nil {
		usage = sql.NullInt64{Int64: int64(*m.UsageTokens), Valid: true}
	}
	vendor, err := marshalNullJSON(m.VendorDetails)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ThreadID.String(), parentID, string(m.Kind), toUnixNano(m.CreatedAt),
		m.Instructions, m.ModelName, toUnixNano(m.Timestamp), usage, vendor,
	)
	if err != nil {
		return errors.Wrapf(err, "insert message %s", m.ID)
	}

	for _, p := range m.Parts {
		args, err := marshalNullJSON(p.Args)
		if err != nil {
			return err
		}
		metadata, err := marshalNullJSON(p.Metadata)
		if err != nil {
			return err
		}
		partID := p.ID
		if partID == uuid.Nil {
			partID = uuid.New()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_parts (id, message_id, order_index, part_kind, created_at, content, dynamic_ref, tool_name, args_json, tool_call_id, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			partID.String(), m.ID.String(), p.OrderIndex, string(p.Kind), toUnixNano(p.CreatedAt),
			p.Content, p.DynamicRef, p.ToolName, args, p.ToolCallID, metadata,
		)
		if err != nil {
			return errors.Wrapf(err, "insert part %d of message %s", p.OrderIndex, m.ID)
		}
	}
	return nil
}

func listMessagesTx(ctx context.Context, tx *sql.Tx, threadID conversation.ThreadID) ([]*conversation.Message, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at ASC, id ASC`,
		threadID.String())
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := loadPartsTx(ctx, tx, msgs); err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*conversation.Message, error) {
	defer func() {
		_ = rows.Close()
	}()

	out := []*conversation.Message{}
	for rows.Next() {
		var (
			rawID, rawThreadID, kind string
			parentID, vendor         sql.NullString
			createdAt, timestamp     int64
			usage                    sql.NullInt64
			m                        conversation.Message
		)
		if err := rows.Scan(&rawID, &rawThreadID, &parentID, &kind, &createdAt,
			&m.Instructions, &m.ModelName, &timestamp, &usage, &vendor); err != nil {
			return nil, err
		}
		id, err := conversation.ParseNodeID(rawID)
		if err != nil {
			return nil, err
		}
		threadID, err := conversation.ParseThreadID(rawThreadID)
		if err != nil {
			return nil, err
		}
		m.ID = id
		m.ThreadID = threadID
		if parentID.Valid && parentID.String != "" {
			if m.ParentID, err = conversation.ParseNodeID(parentID.String); err != nil {
				return nil, err
			}
		}
		m.Kind = conversation.MessageKind(kind)
		m.CreatedAt = fromUnixNano(createdAt)
		m.Timestamp = fromUnixNano(timestamp)
		if usage.Valid {
			u := int(usage.Int64)
			m.UsageTokens = &u
		}
		if m.VendorDetails, err = unmarshalNullJSON(vendor); err != nil {
			return nil, err
		}
		m.Parts = []conversation.Part{}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func loadPartsTx(ctx context.Context, tx *sql.Tx, msgs []*conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*conversation.Message, len(msgs))
	placeholders := make([]string, 0, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID.String()] = m
		placeholders = append(placeholders, "?")
		args = append(args, m.ID.String())
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, message_id, order_index, part_kind, created_at, content, dynamic_ref, tool_name, args_json, tool_call_id, metadata_json
FROM message_parts WHERE message_id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY message_id, order_index ASC`,
		args...)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			rawID, messageID, kind string
			createdAt              int64
			argsJSON, metadataJSON sql.NullString
			p                      conversation.Part
		)
		if err := rows.Scan(&rawID, &messageID, &p.OrderIndex, &kind, &createdAt,
			&p.Content, &p.DynamicRef, &p.ToolName, &argsJSON, &p.ToolCallID, &metadataJSON); err != nil {
			return err
		}
		if p.ID, err = uuid.Parse(rawID); err != nil {
			return err
		}
		p.Kind = conversation.PartKind(kind)
		if !p.Kind.Valid() {
			return &conversation.UnknownPartKindError{Kind: p.Kind}
		}
		p.CreatedAt = fromUnixNano(createdAt)
		if p.Args, err = unmarshalNullJSON(argsJSON); err != nil {
			return err
		}
		if p.Metadata, err = unmarshalNullJSON(metadataJSON); err != nil {
			return err
		}
		m, ok := byID[messageID]
		if !ok {
			continue
		}
		m.Parts = append(m.Parts, p)
	}
	return rows.Err()
}

func marshalNullJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ret := map[string]any{}
	if err := json.Unmarshal([]byte(v.String), &ret); err != nil {
		return nil, err
	}
	return ret, nil
}
