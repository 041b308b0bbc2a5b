package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PushConfig is the A2A push-notification target registered for a task.
type PushConfig struct {
	TaskID    string    `json:"task_id"`
	URL       string    `json:"url"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SetPushConfig creates or replaces the push config of a task.
func (s *Store) SetPushConfig(ctx context.Context, pc PushConfig) (PushConfig, error) {
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, "set push config", `
		INSERT INTO push_configs (task_id, url, token, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET url = excluded.url, token = excluded.token;
	`, pc.TaskID, pc.URL, pc.Token, toEpoch(pc.CreatedAt))
	if err != nil {
		return PushConfig{}, err
	}
	return pc, nil
}

func (s *Store) GetPushConfig(ctx context.Context, taskID string) (*PushConfig, error) {
	var pc PushConfig
	var created float64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, url, token, created_at FROM push_configs WHERE task_id = ?;
	`, taskID).Scan(&pc.TaskID, &pc.URL, &pc.Token, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get push config", err)
	}
	pc.CreatedAt = fromEpoch(created)
	return &pc, nil
}
