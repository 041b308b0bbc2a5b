package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/cron"
	"github.com/brycewcole/capsule-agents-sub000/internal/engine"
	"github.com/brycewcole/capsule-agents-sub000/internal/hooks"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

// scheduleInput is the request body of schedule create and update.
type scheduleInput struct {
	Name      string                `json:"name"`
	Prompt    string                `json:"prompt"`
	CronExpr  string                `json:"cron_expr"`
	Enabled   *bool                 `json:"enabled"`
	ContextID string                `json:"context_id"`
	Backoff   *config.BackoffConfig `json:"backoff"`
	Hooks     []config.HookConfig   `json:"hooks"`
}

func (in scheduleInput) validateHooks() error {
	return validateHooks(in.Hooks)
}

func validateHooks(list []config.HookConfig) error {
	for i, h := range list {
		if err := config.ValidateHook(h); err != nil {
			return errors.New("hooks[" + strconv.Itoa(i) + "]: " + err.Error())
		}
	}
	return nil
}

// contextInput is the request body of context create and metadata replace.
// Hooks under metadata.hooks get the same checks as schedule hooks.
type contextInput struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

func (in contextInput) validate() error {
	list, err := hooks.FromMetadata(in.Metadata)
	if err != nil {
		return fmt.Errorf("metadata.%s: %w", hooks.ContextMetadataHooks, err)
	}
	if err := validateHooks(list); err != nil {
		return fmt.Errorf("metadata.%w", err)
	}
	return nil
}

// apply copies the supplied fields onto sc.
func (in scheduleInput) apply(sc *persistence.Schedule) {
	if in.Name != "" {
		sc.Name = in.Name
	}
	if in.Prompt != "" {
		sc.Prompt = in.Prompt
	}
	if in.CronExpr != "" {
		sc.CronExpr = in.CronExpr
	}
	if in.Enabled != nil {
		sc.Enabled = *in.Enabled
	}
	if in.ContextID != "" {
		sc.ContextID = in.ContextID
	}
	if in.Backoff != nil {
		sc.Backoff = *in.Backoff
	}
	if in.Hooks != nil {
		sc.Hooks = in.Hooks
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	list, err := s.cfg.Store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if list == nil {
		list = []persistence.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.cfg.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := in.validateHooks(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sc := persistence.Schedule{Enabled: true}
	in.apply(&sc)
	created, err := s.cfg.Schedules.Create(r.Context(), sc)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := in.validateHooks(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	current, err := s.cfg.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	in.apply(current)
	updated, err := s.cfg.Schedules.Update(r.Context(), *current)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	id := chi.URLParam(r, "id")
	enabled := false
	if body.Enabled != nil {
		enabled = *body.Enabled
	} else {
		current, err := s.cfg.Store.GetSchedule(r.Context(), id)
		if err != nil {
			s.writeAPIError(w, err)
			return
		}
		enabled = !current.Enabled
	}
	sc, err := s.cfg.Schedules.Toggle(r.Context(), id, enabled)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleRunSchedule executes a schedule immediately and reports the turn's
// outcome. Turn failures are recorded on the schedule and returned as 200
// with success=false; the request itself succeeded.
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Schedules.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil && (errors.Is(err, cron.ErrScheduleNotFound) || errors.Is(err, cron.ErrScheduleDisabled) || errors.Is(err, cron.ErrScheduleRunning)) {
		s.writeAPIError(w, err)
		return
	}
	out := map[string]any{"success": err == nil}
	if err != nil {
		out["error"] = engine.SanitizeError(err)
	}
	if res.Task != nil {
		out["task"] = res.Task
	}
	if res.Message != nil {
		out["message"] = res.Message
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	list, err := s.cfg.Store.ListContexts(r.Context(), limit)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if list == nil {
		list = []persistence.Context{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": list})
}

// handleGetContext returns a context with its conversation. Tool traffic and
// task-owned messages are included; status narrations are not.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.cfg.Store.GetContext(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	msgs, err := s.cfg.Store.ListContextMessages(r.Context(), id, false)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	history := make([]a2a.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, m.ToA2A())
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": c, "messages": history})
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var in contextInput
	if r.ContentLength != 0 {
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	c, err := s.cfg.Store.CreateContext(r.Context(), in.ID, in.Metadata)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleUpdateContextMetadata replaces a context's metadata wholesale.
func (s *Server) handleUpdateContextMetadata(w http.ResponseWriter, r *http.Request) {
	var in contextInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if in.ID != "" {
		writeError(w, http.StatusBadRequest, "id cannot be changed")
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	id := chi.URLParam(r, "id")
	n, err := s.cfg.Store.UpdateContextMetadata(r.Context(), id, in.Metadata)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if n == 0 {
		s.writeAPIError(w, persistence.ErrNotFound)
		return
	}
	c, err := s.cfg.Store.GetContext(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.cfg.Store.DeleteContext(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if n == 0 {
		s.writeAPIError(w, persistence.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContextTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetContext(r.Context(), id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	list, err := s.cfg.Tasks.ListTasks(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if list == nil {
		list = []a2a.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := map[string]float64{}
	if s.cfg.Snapshot != nil {
		var err error
		if snap, err = s.cfg.Snapshot(r.Context()); err != nil {
			s.writeAPIError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": snap})
}

// writeAPIError maps domain errors onto HTTP statuses.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, cron.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, cron.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cron.ErrScheduleDisabled), errors.Is(err, cron.ErrScheduleRunning):
		writeError(w, http.StatusConflict, err.Error())
	case isUniqueViolation(err):
		writeError(w, http.StatusConflict, "already exists")
	default:
		s.logger.Error("api error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
