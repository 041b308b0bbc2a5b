package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentInfo holds operator overrides for the agent card and the model.
// Empty fields fall back to the config file.
type AgentInfo struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ModelName       string         `json:"model_name"`
	ModelParameters map[string]any `json:"model_parameters,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// GetAgentInfo returns the stored overrides, or ErrNotFound when none were
// ever saved.
func (s *Store) GetAgentInfo(ctx context.Context) (*AgentInfo, error) {
	var (
		info    AgentInfo
		params  string
		updated float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, model_name, model_parameters, updated_at FROM agent_info WHERE key = 1;
	`).Scan(&info.Name, &info.Description, &info.ModelName, &params, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get agent info", err)
	}
	if info.ModelParameters, err = unmarshalMap(params); err != nil {
		return nil, fmt.Errorf("decode model parameters: %w", err)
	}
	info.UpdatedAt = fromEpoch(updated)
	return &info, nil
}

// PutAgentInfo replaces the stored overrides.
func (s *Store) PutAgentInfo(ctx context.Context, info AgentInfo) (AgentInfo, error) {
	params, err := marshalJSON(info.ModelParameters, "{}")
	if err != nil {
		return AgentInfo{}, fmt.Errorf("encode model parameters: %w", err)
	}
	info.UpdatedAt = s.now().UTC()
	if _, err := s.exec(ctx, "put agent info", `
		INSERT INTO agent_info (key, name, description, model_name, model_parameters, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name, description = excluded.description,
			model_name = excluded.model_name, model_parameters = excluded.model_parameters,
			updated_at = excluded.updated_at;
	`, info.Name, info.Description, info.ModelName, params, toEpoch(info.UpdatedAt)); err != nil {
		return AgentInfo{}, err
	}
	return info, nil
}

// ModelOverrides returns the saved model name and parameters; both are
// empty when nothing is saved or the row cannot be read.
func (s *Store) ModelOverrides(ctx context.Context) (string, map[string]any) {
	info, err := s.GetAgentInfo(ctx)
	if err != nil {
		return "", nil
	}
	return info.ModelName, info.ModelParameters
}
