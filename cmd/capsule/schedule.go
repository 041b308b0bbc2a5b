package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/cron"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage scheduled prompts"}
	cmd.AddCommand(newScheduleListCmd(), newScheduleImportCmd(), newScheduleRunCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			list, err := store.ListSchedules(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(list)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Cron", "Enabled", "Next Run", "Runs", "Failures", "Last Error"})
			for _, sc := range list {
				tw.AppendRow(table.Row{sc.ID, sc.Name, sc.CronExpr, sc.Enabled, formatTime(sc.NextRunAt),
					sc.RunCount, sc.FailureCount, shared.Truncate(sc.LastError, 40)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled schedules")
	return cmd
}

// scheduleFile is the shape of a standalone schedules YAML file.
type scheduleFile struct {
	Schedules []config.ScheduleConfig `yaml:"schedules"`
}

func newScheduleImportCmd() *cobra.Command {
	var (
		file    string
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update schedules by name",
		Long: `Import upserts schedules by name from config.yaml, or from --file.
By default the running server applies the changes so timers update
immediately; --offline writes the database directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			list := cfg.Schedules
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var sf scheduleFile
				if err := yaml.Unmarshal(raw, &sf); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				list = sf.Schedules
			}
			if len(list) == 0 {
				fmt.Println("no schedules to import")
				return nil
			}
			if offline {
				return importOffline(cmd.Context(), cfg, list)
			}
			return importOnline(cmd.Context(), newClient(cfg, 30*time.Second), list)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a schedules: list")
	cmd.Flags().BoolVar(&offline, "offline", false, "write the database directly instead of using the server")
	return cmd
}

func importOffline(ctx context.Context, cfg config.Config, list []config.ScheduleConfig) error {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	sched := cron.NewScheduler(cron.Config{Store: store})
	defer sched.Stop()
	var errs []error
	for _, sc := range list {
		saved, created, err := sched.UpsertByName(ctx, sc)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", sc.Name, err))
			continue
		}
		reportImport(saved, created)
	}
	return errors.Join(errs...)
}

func importOnline(ctx context.Context, c *client, list []config.ScheduleConfig) error {
	var current struct {
		Schedules []persistence.Schedule `json:"schedules"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &current); err != nil {
		return err
	}
	byName := make(map[string]string, len(current.Schedules))
	for _, sc := range current.Schedules {
		byName[sc.Name] = sc.ID
	}

	var errs []error
	for _, sc := range list {
		body := map[string]any{
			"name":      sc.Name,
			"prompt":    sc.Prompt,
			"cron_expr": sc.Cron,
			"backoff":   sc.Backoff,
		}
		if sc.Enabled != nil {
			body["enabled"] = *sc.Enabled
		}
		if sc.ContextID != "" {
			body["context_id"] = sc.ContextID
		}
		if sc.Hooks != nil {
			body["hooks"] = sc.Hooks
		}
		var saved persistence.Schedule
		id, exists := byName[sc.Name]
		var err error
		if exists {
			_, err = c.do(ctx, http.MethodPut, "/api/schedules/"+url.PathEscape(id), body, &saved)
		} else {
			_, err = c.do(ctx, http.MethodPost, "/api/schedules", body, &saved)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", sc.Name, err))
			continue
		}
		reportImport(saved, !exists)
	}
	return errors.Join(errs...)
}

func reportImport(sc persistence.Schedule, created bool) {
	action := "updated"
	if created {
		action = "created"
	}
	fmt.Printf("%s %s (%s) next run %s\n", action, sc.Name, sc.ID, formatTime(sc.NextRunAt))
}

func newScheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id-or-name>",
		Short: "Run a schedule now on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := resolveScheduleID(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			// A turn can take a while; the server bounds it.
			c := newClient(cfg, 10*time.Minute)
			var out map[string]any
			if _, err := c.do(cmd.Context(), http.MethodPost, "/api/schedules/"+url.PathEscape(id)+"/run", nil, &out); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(out)
			}
			if ok, _ := out["success"].(bool); !ok {
				return fmt.Errorf("run failed: %v", out["error"])
			}
			fmt.Println(styleOK.Render("run succeeded"))
			if task, ok := out["task"].(map[string]any); ok {
				fmt.Printf("task %v\n", task["id"])
			}
			return nil
		},
	}
}

// resolveScheduleID accepts a schedule id or name.
func resolveScheduleID(ctx context.Context, cfg config.Config, ref string) (string, error) {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return "", err
	}
	defer store.Close()
	if sc, err := store.GetSchedule(ctx, ref); err == nil {
		return sc.ID, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return "", err
	}
	sc, err := store.GetScheduleByName(ctx, ref)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", fmt.Errorf("no schedule with id or name %q", ref)
		}
		return "", err
	}
	return sc.ID, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
