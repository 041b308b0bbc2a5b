package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

// UpsertByName creates the schedule named in sc or updates it in place,
// keeping its id, counters and recorded context.
func (s *Scheduler) UpsertByName(ctx context.Context, sc config.ScheduleConfig) (persistence.Schedule, bool, error) {
	row := fromConfig(sc)
	existing, err := s.store.GetScheduleByName(ctx, row.Name)
	if errors.Is(err, persistence.ErrNotFound) {
		created, err := s.Create(ctx, row)
		return created, true, err
	}
	if err != nil {
		return persistence.Schedule{}, false, err
	}
	row.ID = existing.ID
	if row.CronExpr == existing.CronExpr {
		row.NextRunAt = existing.NextRunAt
	}
	updated, err := s.Update(ctx, row)
	return updated, false, err
}

// Import upserts every configured schedule. Schedules absent from the list
// are left alone; they may have been created through the API.
func (s *Scheduler) Import(ctx context.Context, list []config.ScheduleConfig) error {
	var errs []error
	for _, sc := range list {
		row, created, err := s.UpsertByName(ctx, sc)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", sc.Name, err))
			continue
		}
		s.logger.Info("schedule imported", "schedule_id", row.ID, "name", row.Name, "created", created)
	}
	return errors.Join(errs...)
}

// WatchConfig re-imports schedules whenever the watcher reports a change,
// until ctx ends or the watcher closes.
func (s *Scheduler) WatchConfig(ctx context.Context, events <-chan config.ReloadEvent, load func() (config.Config, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			cfg, err := load()
			if err != nil {
				s.logger.Warn("config reload failed; schedules unchanged", "path", ev.Path, "error", err)
				continue
			}
			if err := s.Import(ctx, cfg.Schedules); err != nil {
				s.logger.Warn("schedule import incomplete", "error", err)
			}
		}
	}
}

func fromConfig(sc config.ScheduleConfig) persistence.Schedule {
	enabled := sc.Enabled == nil || *sc.Enabled
	return persistence.Schedule{
		Name:      sc.Name,
		Prompt:    sc.Prompt,
		CronExpr:  sc.Cron,
		Enabled:   enabled,
		ContextID: sc.ContextID,
		Backoff:   sc.Backoff,
		Hooks:     sc.Hooks,
	}
}
