// Package hooks notifies external systems when a turn finishes. Every hook
// runs in its own goroutine; failures are logged and never reach the turn.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/safety"
)

// Hook types.
const (
	TypeWebhook  = "webhook"
	TypeRedis    = "redis"
	TypeRabbitMQ = "rabbitmq"
	TypeTelegram = "telegram"
	TypePush     = "push"
)

// ContextMetadataHooks is the context metadata key holding context-level hooks.
const ContextMetadataHooks = "hooks"

// EventTaskCompleted is the event name carried in every payload.
const EventTaskCompleted = "task.completed"

// TaskEvent describes a finished turn. TaskID is empty when the model
// answered without tools.
type TaskEvent struct {
	TaskID     string
	ContextID  string
	State      a2a.TaskState
	Text       string
	ScheduleID string
	Task       *a2a.Task
	At         time.Time
}

// Payload is the JSON document delivered to hooks.
type Payload struct {
	Event      string    `json:"event"`
	TaskID     string    `json:"taskId,omitempty"`
	ContextID  string    `json:"contextId"`
	State      string    `json:"state"`
	Text       string    `json:"text"`
	ScheduleID string    `json:"scheduleId,omitempty"`
	Timestamp  string    `json:"timestamp"`
	Task       *a2a.Task `json:"task,omitempty"`
}

func newPayload(ev TaskEvent) Payload {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return Payload{
		Event:      EventTaskCompleted,
		TaskID:     ev.TaskID,
		ContextID:  ev.ContextID,
		State:      string(ev.State),
		Text:       ev.Text,
		ScheduleID: ev.ScheduleID,
		Timestamp:  a2a.FormatTime(at),
		Task:       ev.Task,
	}
}

// Sink delivers a payload to one kind of destination.
type Sink interface {
	Deliver(ctx context.Context, hook config.HookConfig, p Payload) error
}

// Store is the persistence surface used to collect context, schedule and
// push hooks.
type Store interface {
	GetContext(ctx context.Context, id string) (*persistence.Context, error)
	GetSchedule(ctx context.Context, id string) (*persistence.Schedule, error)
	GetPushConfig(ctx context.Context, taskID string) (*persistence.PushConfig, error)
}

// Options configures a Dispatcher.
type Options struct {
	// AgentHooks returns the agent-level hooks; read per dispatch so config
	// reloads apply.
	AgentHooks func() []config.HookConfig
	Store      Store
	Sinks      map[string]Sink
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelPkg.Metrics
	// Leaks, when set, scans payload text before delivery. Suspected
	// credentials are logged; the payload is still delivered.
	Leaks *safety.LeakDetector
}

type Dispatcher struct {
	agentHooks func() []config.HookConfig
	store      Store
	sinks      map[string]Sink
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics
	leaks      *safety.LeakDetector

	wg sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	agentHooks := opts.AgentHooks
	if agentHooks == nil {
		agentHooks = func() []config.HookConfig { return nil }
	}
	return &Dispatcher{
		agentHooks: agentHooks,
		store:      opts.Store,
		sinks:      opts.Sinks,
		logger:     logger.With("component", "hooks"),
		tracer:     tracer,
		metrics:    opts.Metrics,
		leaks:      opts.Leaks,
	}
}

// Dispatch collects the hooks that apply to ev and runs them in parallel. It
// returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, ev TaskEvent) {
	// Deliveries outlive the turn that triggered them.
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("hook collection panic", "panic", fmt.Sprint(r))
			}
		}()
		hooks := d.Collect(ctx, ev)
		if len(hooks) == 0 {
			return
		}
		p := newPayload(ev)
		if d.leaks != nil {
			if found := d.leaks.Scan(p.Text); len(found) > 0 {
				d.logger.Warn("hook payload may contain credentials",
					"task_id", p.TaskID, "context_id", p.ContextID,
					"kinds", safety.Kinds(found), "hooks", len(hooks))
			}
		}
		for _, h := range hooks {
			d.wg.Add(1)
			go d.run(ctx, h, p)
		}
	}()
}

// Wait blocks until every dispatched hook has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Collect returns the enabled hooks for ev: agent-level, then context-level,
// then schedule-level, then the task's push-notification config.
func (d *Dispatcher) Collect(ctx context.Context, ev TaskEvent) []config.HookConfig {
	var all []config.HookConfig
	all = append(all, d.agentHooks()...)

	if d.store != nil && ev.ContextID != "" {
		c, err := d.store.GetContext(ctx, ev.ContextID)
		switch {
		case err == nil:
			hooks, err := FromMetadata(c.Metadata)
			if err != nil {
				d.logger.Warn("invalid context hooks", "context_id", ev.ContextID, "error", err)
			}
			all = append(all, hooks...)
		case !errors.Is(err, persistence.ErrNotFound):
			d.logger.Warn("load context hooks failed", "context_id", ev.ContextID, "error", err)
		}
	}

	if d.store != nil && ev.ScheduleID != "" {
		sc, err := d.store.GetSchedule(ctx, ev.ScheduleID)
		switch {
		case err == nil:
			all = append(all, sc.Hooks...)
		case !errors.Is(err, persistence.ErrNotFound):
			d.logger.Warn("load schedule hooks failed", "schedule_id", ev.ScheduleID, "error", err)
		}
	}

	if d.store != nil && ev.TaskID != "" {
		pc, err := d.store.GetPushConfig(ctx, ev.TaskID)
		switch {
		case err == nil:
			all = append(all, pushHook(*pc))
		case !errors.Is(err, persistence.ErrNotFound):
			d.logger.Warn("load push config failed", "task_id", ev.TaskID, "error", err)
		}
	}

	enabled := all[:0]
	for _, h := range all {
		if h.IsEnabled() {
			enabled = append(enabled, h)
		}
	}
	return enabled
}

func (d *Dispatcher) run(ctx context.Context, hook config.HookConfig, p Payload) {
	defer d.wg.Done()
	logger := d.logger.With("hook_type", hook.Type, "task_id", p.TaskID, "context_id", p.ContextID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("hook panic", "panic", fmt.Sprint(r))
			d.recordFailure(ctx, hook.Type)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, hook.Timeout())
	defer cancel()
	ctx, span := otelPkg.StartClientSpan(ctx, d.tracer, "hook.deliver", otelPkg.AttrHookType.String(hook.Type))
	defer span.End()

	start := time.Now()
	sink, ok := d.sinks[hook.Type]
	if !ok {
		logger.Warn("no sink for hook type")
		span.SetStatus(codes.Error, "unknown hook type")
		d.recordFailure(ctx, hook.Type)
		return
	}
	if err := sink.Deliver(ctx, hook, p); err != nil {
		logger.Warn("hook delivery failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.recordFailure(ctx, hook.Type)
		return
	}
	logger.Info("hook delivered", "duration_ms", time.Since(start).Milliseconds())
}

func (d *Dispatcher) recordFailure(ctx context.Context, hookType string) {
	if d.metrics != nil {
		d.metrics.HookFailures.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(otelPkg.AttrHookType.String(hookType)))
	}
}

// FromMetadata decodes the hook list stored under a context's metadata.
func FromMetadata(md map[string]any) ([]config.HookConfig, error) {
	raw, ok := md[ContextMetadataHooks]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var hooks []config.HookConfig
	if err := json.Unmarshal(b, &hooks); err != nil {
		return nil, fmt.Errorf("decode hooks: %w", err)
	}
	return hooks, nil
}

func pushHook(pc persistence.PushConfig) config.HookConfig {
	h := config.HookConfig{Type: TypePush, URL: pc.URL}
	if pc.Token != "" {
		h.Headers = map[string]string{"Authorization": "Bearer " + pc.Token}
	}
	return h
}
