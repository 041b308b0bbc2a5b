package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

// ErrMessageAdopted is returned when a message already belongs to another task.
var ErrMessageAdopted = errors.New("message already belongs to a task")

// MessageKind separates conversational content from status narration.
type MessageKind string

const (
	MessageKindContent MessageKind = "content"
	MessageKindStatus  MessageKind = "status"
)

// Message is one stored utterance.
type Message struct {
	ID        string         `json:"id"`
	ContextID string         `json:"context_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Role      a2a.Role       `json:"role"`
	Kind      MessageKind    `json:"kind"`
	Parts     []a2a.Part     `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToA2A converts a stored message to its protocol form.
func (m Message) ToA2A() a2a.Message {
	out := a2a.NewMessage(m.ID, m.Role, m.Parts...)
	out.ContextID = m.ContextID
	out.TaskID = m.TaskID
	out.Metadata = m.Metadata
	return out
}

// MessageFromA2A converts a protocol message for storage.
func MessageFromA2A(m a2a.Message) Message {
	return Message{
		ID:        m.MessageID,
		ContextID: m.ContextID,
		TaskID:    m.TaskID,
		Role:      m.Role,
		Kind:      MessageKindContent,
		Parts:     m.Parts,
		Metadata:  m.Metadata,
	}
}

// AddMessage stores msg and advances the owning context's updated_at in the
// same transaction. Missing id, kind and timestamp are filled in; the stored
// form is returned.
func (s *Store) AddMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ContextID == "" {
		return Message{}, fmt.Errorf("add message: context id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = MessageKindContent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	if msg.Parts == nil {
		msg.Parts = []a2a.Part{}
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("encode message parts: %w", err)
	}
	md, err := marshalJSON(msg.Metadata, "{}")
	if err != nil {
		return Message{}, fmt.Errorf("encode message metadata: %w", err)
	}
	var taskID any
	if msg.TaskID != "" {
		taskID = msg.TaskID
	}
	ts := toEpoch(msg.Timestamp)

	err = s.withTx(ctx, "add message", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, context_id, task_id, role, kind, parts, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, msg.ID, msg.ContextID, taskID, string(msg.Role), string(msg.Kind), string(parts), md, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE contexts SET updated_at = MAX(updated_at, ?) WHERE id = ?;
		`, ts, msg.ContextID)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, task_id, role, kind, parts, metadata, timestamp
		FROM messages WHERE id = ?;
	`, id)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get message", err)
	}
	return m, nil
}

// SetMessageTaskID assigns a message to a task. The assignment is permanent:
// setting the same task again is a no-op, a different task is ErrMessageAdopted.
func (s *Store) SetMessageTaskID(ctx context.Context, messageID, taskID string) (int64, error) {
	n, err := s.exec(ctx, "set message task", `
		UPDATE messages SET task_id = ? WHERE id = ? AND task_id IS NULL;
	`, taskID, messageID)
	if err != nil || n > 0 {
		return n, err
	}
	existing, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	if existing.TaskID != taskID {
		return 0, fmt.Errorf("%w: message %s belongs to task %s", ErrMessageAdopted, messageID, existing.TaskID)
	}
	return 0, nil
}

// ListContextMessages returns the content messages of a context in
// timestamp order. With excludeTaskOwned, messages folded into a task are
// left out.
func (s *Store) ListContextMessages(ctx context.Context, contextID string, excludeTaskOwned bool) ([]Message, error) {
	q := `
		SELECT id, context_id, task_id, role, kind, parts, metadata, timestamp
		FROM messages WHERE context_id = ? AND kind = 'content'`
	if excludeTaskOwned {
		q += ` AND task_id IS NULL`
	}
	q += ` ORDER BY timestamp ASC, seq ASC;`
	return s.queryMessages(ctx, "list context messages", q, contextID)
}

// ListTaskMessages returns a task's content history in timestamp order.
// limit > 0 keeps only the most recent limit messages.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.queryMessages(ctx, "list task messages", `
			SELECT id, context_id, task_id, role, kind, parts, metadata, timestamp
			FROM messages WHERE task_id = ? AND kind = 'content'
			ORDER BY timestamp ASC, seq ASC;
		`, taskID)
	}
	return s.queryMessages(ctx, "list task messages", `
		SELECT id, context_id, task_id, role, kind, parts, metadata, timestamp FROM (
			SELECT seq, id, context_id, task_id, role, kind, parts, metadata, timestamp
			FROM messages WHERE task_id = ? AND kind = 'content'
			ORDER BY timestamp DESC, seq DESC LIMIT ?
		) ORDER BY timestamp ASC, seq ASC;
	`, taskID, limit)
}

// ListTaskStatusTexts returns the text of the most recent status messages of
// a task, oldest first.
func (s *Store) ListTaskStatusTexts(ctx context.Context, taskID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	msgs, err := s.queryMessages(ctx, "list task status texts", `
		SELECT id, context_id, task_id, role, kind, parts, metadata, timestamp FROM (
			SELECT seq, id, context_id, task_id, role, kind, parts, metadata, timestamp
			FROM messages WHERE task_id = ? AND kind = 'status'
			ORDER BY timestamp DESC, seq DESC LIMIT ?
		) ORDER BY timestamp ASC, seq ASC;
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToA2A().Text())
	}
	return out, nil
}

func (s *Store) queryMessages(ctx context.Context, op, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, *m)
	}
	return out, storageErr(op, rows.Err())
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var taskID sql.NullString
	var role, kind, parts, md string
	var ts float64
	if err := scan(&m.ID, &m.ContextID, &taskID, &role, &kind, &parts, &md, &ts); err != nil {
		return nil, err
	}
	m.TaskID = taskID.String
	m.Role = a2a.Role(role)
	m.Kind = MessageKind(kind)
	m.Timestamp = fromEpoch(ts)
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, fmt.Errorf("decode message parts: %w", err)
	}
	var err error
	if m.Metadata, err = unmarshalMap(md); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	return &m, nil
}
