package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/model"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
	"github.com/brycewcole/capsule-agents-sub000/internal/tasks"
)

const (
	// recentStatusLimit is how many earlier narrations a tick sees for de-duplication.
	recentStatusLimit = 5
	// summaryStepLimit caps the steps described in a heartbeat prompt.
	summaryStepLimit = 8
)

// HeartbeatStore is the persistence surface the heartbeat reads.
type HeartbeatStore interface {
	ListTaskStatusTexts(ctx context.Context, taskID string, limit int) ([]string, error)
	ListTaskMessages(ctx context.Context, taskID string, limit int) ([]persistence.Message, error)
}

// EmitFunc delivers an event to the owning turn's stream. It returns false
// when the stream no longer accepts events.
type EmitFunc func(ctx context.Context, ev Event) bool

// HeartbeatManager runs one narration timer per working task.
type HeartbeatManager struct {
	tasks    *tasks.Manager
	store    HeartbeatStore
	model    model.Model
	interval time.Duration
	logger   *slog.Logger
	metrics  *otelPkg.Metrics

	mu      sync.Mutex
	running map[string]*heartbeat
}

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeatManager builds a HeartbeatManager. An interval <= 0 disables
// heartbeats: Start becomes a no-op.
func NewHeartbeatManager(tm *tasks.Manager, store HeartbeatStore, m model.Model, interval time.Duration, logger *slog.Logger, metrics *otelPkg.Metrics) *HeartbeatManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatManager{
		tasks:    tm,
		store:    store,
		model:    m,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
		metrics:  metrics,
		running:  make(map[string]*heartbeat),
	}
}

// Start registers a timer for task. It reports false if the task already has
// one or heartbeats are disabled.
func (h *HeartbeatManager) Start(ctx context.Context, task *a2a.Task, emit EmitFunc) bool {
	if h == nil || h.interval <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[task.ID]; ok {
		return false
	}
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
	h.running[task.ID] = hb

	// Each tick works on its own copy so the turn's task is never shared.
	snapshot := *task
	snapshot.History = nil
	go h.loop(hctx, hb, &snapshot, emit)
	return true
}

// Stop cancels the timer of taskID and waits for an in-flight tick to
// finish. A tick interrupted this way is discarded.
func (h *HeartbeatManager) Stop(taskID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	hb, ok := h.running[taskID]
	if ok {
		delete(h.running, taskID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	hb.cancel()
	<-hb.done
}

// StopAll stops every running timer.
func (h *HeartbeatManager) StopAll() {
	if h == nil {
		return
	}
	h.mu.Lock()
	ids := make([]string, 0, len(h.running))
	for id := range h.running {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Stop(id)
	}
}

// Active reports whether taskID has a running timer.
func (h *HeartbeatManager) Active(taskID string) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.running[taskID]
	return ok
}

func (h *HeartbeatManager) loop(ctx context.Context, hb *heartbeat, task *a2a.Task, emit EmitFunc) {
	defer func() {
		h.mu.Lock()
		if h.running[task.ID] == hb {
			delete(h.running, task.ID)
		}
		h.mu.Unlock()
		close(hb.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("heartbeat panic", "task_id", task.ID, "panic", fmt.Sprint(r))
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.tick(ctx, task, emit) {
				return
			}
		}
	}
}

// tick produces at most one narration. It returns false when the timer
// should stop.
func (h *HeartbeatManager) tick(ctx context.Context, task *a2a.Task, emit EmitFunc) bool {
	logger := h.logger.With("task_id", task.ID, "context_id", task.ContextID)
	if h.metrics != nil {
		h.metrics.HeartbeatTicks.Add(ctx, 1)
	}

	status, err := h.tasks.CurrentStatus(ctx, task.ID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("heartbeat status read failed", "error", err)
		}
		return ctx.Err() == nil
	}
	if status.State.IsTerminal() {
		return false
	}
	if status.State != a2a.TaskStateWorking {
		return true
	}

	recent, err := h.store.ListTaskStatusTexts(ctx, task.ID, recentStatusLimit)
	if err != nil {
		logger.Debug("heartbeat recent statuses unavailable", "error", err)
	}
	msgs, err := h.store.ListTaskMessages(ctx, task.ID, 0)
	if err != nil {
		logger.Debug("heartbeat history unavailable", "error", err)
	}

	text, err := h.model.Summarize(ctx, heartbeatPrompt(summarizeSteps(msgs), recent))
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		logger.Warn("heartbeat summary failed", "error", err)
		return true
	}
	text = cleanNarration(text)
	if text == "" || isDuplicate(text, recent) {
		logger.Debug("heartbeat narration skipped", "text", text)
		return true
	}

	ev, err := h.tasks.TransitionState(ctx, task, a2a.TaskStateWorking, text)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug("heartbeat transition rejected", "error", err)
		}
		return ctx.Err() == nil
	}
	if !emit(ctx, Event{Status: &ev}) {
		return false
	}
	logger.Debug("heartbeat emitted", "text", text)
	return true
}

// summarizeSteps renders a compact account of the tool calls and replies in
// a task's history.
func summarizeSteps(msgs []persistence.Message) string {
	var lines []string
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.DataType() {
			case a2a.DataTypeToolCall:
				name, _ := p.Data["name"].(string)
				lines = append(lines, "called "+name+" "+shared.Truncate(fmt.Sprint(p.Data["input"]), 120))
			case a2a.DataTypeToolResult:
				name, _ := p.Data["name"].(string)
				lines = append(lines, name+" returned "+shared.Truncate(fmt.Sprint(p.Data["output"]), 160))
			default:
				if p.Kind == a2a.PartKindText && strings.TrimSpace(p.Text) != "" {
					lines = append(lines, string(m.Role)+": "+shared.Truncate(p.Text, 200))
				}
			}
		}
	}
	if len(lines) > summaryStepLimit {
		lines = lines[len(lines)-summaryStepLimit:]
	}
	if len(lines) == 0 {
		return "No steps recorded yet."
	}
	return "- " + strings.Join(lines, "\n- ")
}

func heartbeatPrompt(steps string, recent []string) string {
	var b strings.Builder
	b.WriteString("You narrate the progress of an AI agent working on a task.\n")
	b.WriteString("Write ONE short sentence (at most 15 words) saying what the agent is doing now. ")
	b.WriteString("Plain text, no quotes, no preamble.\n\nSteps so far:\n")
	b.WriteString(steps)
	if len(recent) > 0 {
		b.WriteString("\n\nEarlier updates, do not repeat them:\n- ")
		b.WriteString(strings.Join(recent, "\n- "))
	}
	return b.String()
}

func cleanNarration(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return strings.Trim(s, "\"'`")
}

func isDuplicate(text string, recent []string) bool {
	for _, r := range recent {
		if strings.EqualFold(strings.TrimSpace(r), text) {
			return true
		}
	}
	return false
}
