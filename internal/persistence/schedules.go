package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

// Schedule is a recurring trigger definition. Cron registration is process
// state and is not stored here.
type Schedule struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Prompt              string               `json:"prompt"`
	CronExpr            string               `json:"cron_expr"`
	Enabled             bool                 `json:"enabled"`
	ContextID           string               `json:"context_id,omitempty"`
	Backoff             config.BackoffConfig `json:"backoff"`
	Hooks               []config.HookConfig  `json:"hooks,omitempty"`
	LastRunAt           *time.Time           `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time           `json:"next_run_at,omitempty"`
	RunCount            int                  `json:"run_count"`
	FailureCount        int                  `json:"failure_count"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastFailureAt       *time.Time           `json:"last_failure_at,omitempty"`
	LastError           string               `json:"last_error,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

const scheduleColumns = `id, name, prompt, cron_expr, enabled, context_id, backoff, hooks,
	last_run_at, next_run_at, run_count, failure_count, consecutive_failures, last_failure_at,
	last_error, created_at, updated_at`

func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := s.now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	backoff, hooks, err := encodeScheduleColumns(sc)
	if err != nil {
		return Schedule{}, err
	}
	if _, err := s.exec(ctx, "create schedule", `
		INSERT INTO schedules (id, name, prompt, cron_expr, enabled, context_id, backoff, hooks, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, sc.ID, sc.Name, sc.Prompt, sc.CronExpr, boolToInt(sc.Enabled), sc.ContextID, backoff, hooks,
		nullEpoch(sc.NextRunAt), toEpoch(now), toEpoch(now)); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.getScheduleWhere(ctx, "id = ?", id)
}

func (s *Store) GetScheduleByName(ctx context.Context, name string) (*Schedule, error) {
	return s.getScheduleWhere(ctx, "name = ?", name)
}

func (s *Store) getScheduleWhere(ctx context.Context, where string, arg any) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE `+where+`;`, arg)
	sc, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get schedule", err)
	}
	return sc, nil
}

// ListSchedules returns schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY name ASC;`)
	if err != nil {
		return nil, storageErr("list schedules", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, storageErr("scan schedule", err)
		}
		out = append(out, *sc)
	}
	return out, storageErr("list schedules", rows.Err())
}

// UpdateSchedule writes the user-editable fields of sc.
func (s *Store) UpdateSchedule(ctx context.Context, sc Schedule) (int64, error) {
	backoff, hooks, err := encodeScheduleColumns(sc)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "update schedule", `
		UPDATE schedules SET name = ?, prompt = ?, cron_expr = ?, enabled = ?, context_id = ?,
			backoff = ?, hooks = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?;
	`, sc.Name, sc.Prompt, sc.CronExpr, boolToInt(sc.Enabled), sc.ContextID, backoff, hooks,
		nullEpoch(sc.NextRunAt), toEpoch(s.now()), sc.ID)
}

// SetScheduleContext records the context a schedule's runs are appended to.
func (s *Store) SetScheduleContext(ctx context.Context, id, contextID string) (int64, error) {
	return s.exec(ctx, "set schedule context", `
		UPDATE schedules SET context_id = ?, updated_at = ? WHERE id = ?;
	`, contextID, toEpoch(s.now()), id)
}

// SetScheduleNextRun stores the next computed fire time.
func (s *Store) SetScheduleNextRun(ctx context.Context, id string, next *time.Time) (int64, error) {
	return s.exec(ctx, "set schedule next run", `
		UPDATE schedules SET next_run_at = ? WHERE id = ?;
	`, nullEpoch(next), id)
}

// RecordScheduleSuccess bumps run_count and clears the failure streak.
func (s *Store) RecordScheduleSuccess(ctx context.Context, id string, ranAt time.Time, next *time.Time) (int64, error) {
	return s.exec(ctx, "record schedule success", `
		UPDATE schedules SET run_count = run_count + 1, last_run_at = ?, next_run_at = ?,
			consecutive_failures = 0, last_error = '', updated_at = ?
		WHERE id = ?;
	`, toEpoch(ranAt), nullEpoch(next), toEpoch(s.now()), id)
}

// RecordScheduleFailure bumps failure_count and the failure streak.
func (s *Store) RecordScheduleFailure(ctx context.Context, id string, failedAt time.Time, next *time.Time, errMsg string) (int64, error) {
	return s.exec(ctx, "record schedule failure", `
		UPDATE schedules SET failure_count = failure_count + 1, consecutive_failures = consecutive_failures + 1,
			last_run_at = ?, last_failure_at = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?;
	`, toEpoch(failedAt), toEpoch(failedAt), nullEpoch(next), errMsg, toEpoch(s.now()), id)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) (int64, error) {
	return s.exec(ctx, "delete schedule", `DELETE FROM schedules WHERE id = ?;`, id)
}

func encodeScheduleColumns(sc Schedule) (backoff, hooks string, err error) {
	b, err := json.Marshal(sc.Backoff)
	if err != nil {
		return "", "", fmt.Errorf("encode schedule backoff: %w", err)
	}
	hooks, err = marshalJSON(sc.Hooks, "[]")
	if err != nil {
		return "", "", fmt.Errorf("encode schedule hooks: %w", err)
	}
	return string(b), hooks, nil
}

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	var sc Schedule
	var enabled int
	var backoff, hooks string
	var lastRun, nextRun, lastFailure sql.NullFloat64
	var created, updated float64
	if err := scan(&sc.ID, &sc.Name, &sc.Prompt, &sc.CronExpr, &enabled, &sc.ContextID, &backoff, &hooks,
		&lastRun, &nextRun, &sc.RunCount, &sc.FailureCount, &sc.ConsecutiveFailures, &lastFailure,
		&sc.LastError, &created, &updated); err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(backoff), &sc.Backoff); err != nil {
		return nil, fmt.Errorf("decode schedule backoff: %w", err)
	}
	if err := json.Unmarshal([]byte(hooks), &sc.Hooks); err != nil {
		return nil, fmt.Errorf("decode schedule hooks: %w", err)
	}
	sc.LastRunAt = fromNullEpoch(lastRun)
	sc.NextRunAt = fromNullEpoch(nextRun)
	sc.LastFailureAt = fromNullEpoch(lastFailure)
	sc.CreatedAt = fromEpoch(created)
	sc.UpdatedAt = fromEpoch(updated)
	return &sc, nil
}
