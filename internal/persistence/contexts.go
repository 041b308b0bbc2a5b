package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is a conversation thread.
type Context struct {
	ID        string         `json:"id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateContext inserts a new context. An empty id is replaced by a fresh UUID.
func (s *Store) CreateContext(ctx context.Context, id string, metadata map[string]any) (Context, error) {
	if id == "" {
		id = uuid.NewString()
	}
	md, err := marshalJSON(metadata, "{}")
	if err != nil {
		return Context{}, fmt.Errorf("encode context metadata: %w", err)
	}
	now := s.now().UTC()
	if _, err := s.exec(ctx, "create context", `
		INSERT INTO contexts (id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?);
	`, id, md, toEpoch(now), toEpoch(now)); err != nil {
		return Context{}, err
	}
	return Context{ID: id, Metadata: metadata, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetContext(ctx context.Context, id string) (*Context, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, metadata, created_at, updated_at FROM contexts WHERE id = ?;
	`, id)
	c, err := scanContext(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get context", err)
	}
	return c, nil
}

// ListContexts returns contexts, most recently active first. limit <= 0 means all.
func (s *Store) ListContexts(ctx context.Context, limit int) ([]Context, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metadata, created_at, updated_at FROM contexts
		ORDER BY updated_at DESC, rowid DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, storageErr("list contexts", err)
	}
	defer rows.Close()
	var out []Context
	for rows.Next() {
		c, err := scanContext(rows.Scan)
		if err != nil {
			return nil, storageErr("scan context", err)
		}
		out = append(out, *c)
	}
	return out, storageErr("list contexts", rows.Err())
}

func (s *Store) UpdateContextMetadata(ctx context.Context, id string, metadata map[string]any) (int64, error) {
	md, err := marshalJSON(metadata, "{}")
	if err != nil {
		return 0, fmt.Errorf("encode context metadata: %w", err)
	}
	return s.exec(ctx, "update context metadata", `
		UPDATE contexts SET metadata = ?, updated_at = MAX(updated_at, ?) WHERE id = ?;
	`, md, toEpoch(s.now()), id)
}

// DeleteContext removes a context together with its messages and tasks.
func (s *Store) DeleteContext(ctx context.Context, id string) (int64, error) {
	return s.exec(ctx, "delete context", `DELETE FROM contexts WHERE id = ?;`, id)
}

func scanContext(scan func(dest ...any) error) (*Context, error) {
	var c Context
	var md string
	var created, updated float64
	if err := scan(&c.ID, &md, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.Metadata, err = unmarshalMap(md); err != nil {
		return nil, fmt.Errorf("decode context metadata: %w", err)
	}
	c.CreatedAt = fromEpoch(created)
	c.UpdatedAt = fromEpoch(updated)
	return &c, nil
}
