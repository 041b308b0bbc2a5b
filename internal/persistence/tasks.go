package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

// Task is the stored form of a task. History is not stored on the row; it is
// the set of messages whose task_id matches.
type Task struct {
	ID              string         `json:"id"`
	ContextID       string         `json:"context_id"`
	State           a2a.TaskState  `json:"state"`
	StatusMessage   *a2a.Message   `json:"status_message,omitempty"`
	StatusTimestamp time.Time      `json:"status_timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Status returns the protocol status of t.
func (t Task) Status() a2a.TaskStatus {
	return a2a.TaskStatus{
		State:     t.State,
		Message:   t.StatusMessage,
		Timestamp: a2a.FormatTime(t.StatusTimestamp),
	}
}

func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" || t.ContextID == "" {
		return Task{}, fmt.Errorf("create task: id and context id are required")
	}
	if t.State == "" {
		t.State = a2a.TaskStateSubmitted
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.StatusTimestamp.IsZero() {
		t.StatusTimestamp = t.CreatedAt
	}
	statusMsg, md, err := encodeTaskColumns(t)
	if err != nil {
		return Task{}, err
	}
	if _, err := s.exec(ctx, "create task", `
		INSERT INTO tasks (id, context_id, state, status_message, status_timestamp, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.ContextID, string(t.State), statusMsg, toEpoch(t.StatusTimestamp), md, toEpoch(t.CreatedAt), toEpoch(t.UpdatedAt)); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, state, status_message, status_timestamp, metadata, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// UpdateTask writes state, status and metadata. When fromState is non-empty
// the row is only changed if its current state still equals fromState, so
// two writers racing on the same task cannot both win. The changed count is
// 0 when the row is missing or the guard failed.
func (s *Store) UpdateTask(ctx context.Context, t Task, fromState a2a.TaskState) (int64, error) {
	statusMsg, md, err := encodeTaskColumns(t)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	if t.StatusTimestamp.IsZero() {
		t.StatusTimestamp = now
	}
	q := `
		UPDATE tasks SET state = ?, status_message = ?, status_timestamp = ?, metadata = ?, updated_at = ?
		WHERE id = ?`
	args := []any{string(t.State), statusMsg, toEpoch(t.StatusTimestamp), md, toEpoch(now), t.ID}
	if fromState != "" {
		q += ` AND state = ?`
		args = append(args, string(fromState))
	}
	return s.exec(ctx, "update task", q+";", args...)
}

// ListTasksByContext returns the tasks of a context in creation order.
func (s *Store) ListTasksByContext(ctx context.Context, contextID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, context_id, state, status_message, status_timestamp, metadata, created_at, updated_at
		FROM tasks WHERE context_id = ? ORDER BY created_at ASC, rowid ASC;
	`, contextID)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		out = append(out, *t)
	}
	return out, storageErr("list tasks", rows.Err())
}

// DeleteTask removes a task together with its messages, artifacts and push config.
func (s *Store) DeleteTask(ctx context.Context, id string) (int64, error) {
	return s.exec(ctx, "delete task", `DELETE FROM tasks WHERE id = ?;`, id)
}

func encodeTaskColumns(t Task) (statusMsg any, md string, err error) {
	if t.StatusMessage != nil {
		b, err := json.Marshal(t.StatusMessage)
		if err != nil {
			return nil, "", fmt.Errorf("encode status message: %w", err)
		}
		statusMsg = string(b)
	}
	md, err = marshalJSON(t.Metadata, "{}")
	if err != nil {
		return nil, "", fmt.Errorf("encode task metadata: %w", err)
	}
	return statusMsg, md, nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var state, md string
	var statusMsg sql.NullString
	var statusTS, created, updated float64
	if err := scan(&t.ID, &t.ContextID, &state, &statusMsg, &statusTS, &md, &created, &updated); err != nil {
		return nil, err
	}
	t.State = a2a.TaskState(state)
	t.StatusTimestamp = fromEpoch(statusTS)
	t.CreatedAt = fromEpoch(created)
	t.UpdatedAt = fromEpoch(updated)
	if statusMsg.Valid && statusMsg.String != "" {
		var m a2a.Message
		if err := json.Unmarshal([]byte(statusMsg.String), &m); err != nil {
			return nil, fmt.Errorf("decode status message: %w", err)
		}
		t.StatusMessage = &m
	}
	var err error
	if t.Metadata, err = unmarshalMap(md); err != nil {
		return nil, fmt.Errorf("decode task metadata: %w", err)
	}
	return &t, nil
}
