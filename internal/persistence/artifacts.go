package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

// Artifact is an append-only output attached to a task.
type Artifact struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []a2a.Part     `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToA2A converts a stored artifact to its protocol form.
func (a Artifact) ToA2A() a2a.Artifact {
	return a2a.Artifact{
		ArtifactID:  a.ID,
		Name:        a.Name,
		Description: a.Description,
		Parts:       a.Parts,
		Metadata:    a.Metadata,
	}
}

func (s *Store) AddArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	if a.TaskID == "" {
		return Artifact{}, fmt.Errorf("add artifact: task id is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if a.Parts == nil {
		a.Parts = []a2a.Part{}
	}
	parts, err := json.Marshal(a.Parts)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode artifact parts: %w", err)
	}
	md, err := marshalJSON(a.Metadata, "{}")
	if err != nil {
		return Artifact{}, fmt.Errorf("encode artifact metadata: %w", err)
	}
	if _, err := s.exec(ctx, "add artifact", `
		INSERT INTO artifacts (id, task_id, name, description, parts, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.TaskID, a.Name, a.Description, string(parts), md, toEpoch(a.CreatedAt)); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// ListArtifacts returns a task's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, description, parts, metadata, created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at ASC, seq ASC;
	`, taskID)
	if err != nil {
		return nil, storageErr("list artifacts", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var parts, md string
		var created float64
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.Description, &parts, &md, &created); err != nil {
			return nil, storageErr("scan artifact", err)
		}
		if err := json.Unmarshal([]byte(parts), &a.Parts); err != nil {
			return nil, fmt.Errorf("decode artifact parts: %w", err)
		}
		if a.Metadata, err = unmarshalMap(md); err != nil {
			return nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
		a.CreatedAt = fromEpoch(created)
		out = append(out, a)
	}
	return out, storageErr("list artifacts", rows.Err())
}
