// Package cron runs persisted schedules on robfig/cron timers. Each enabled
// schedule owns one cron entry for the life of the process; firing a schedule
// drives its prompt through the turn orchestrator like any other message.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/engine"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleDisabled = errors.New("schedule is disabled")
	ErrScheduleRunning  = errors.New("schedule is already running")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner executes one turn to completion.
type Runner interface {
	SendMessage(ctx context.Context, req engine.SendRequest) (engine.Result, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store   *persistence.Store
	Runner  Runner
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	// Now defaults to time.Now and exists for backoff tests.
	Now func() time.Time
}

// registration is a live cron entry. gen changes whenever the entry is
// replaced so a callback from a removed entry can tell it is stale.
type registration struct {
	entry cronlib.EntryID
	gen   uint64
	expr  string
}

// Scheduler keeps one cron entry per enabled schedule.
type Scheduler struct {
	store   *persistence.Store
	runner  Runner
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	now     func() time.Time
	cron    *cronlib.Cron

	mu      sync.Mutex
	entries map[string]registration
	running map[string]bool
	gen     uint64
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cl := cronLogger{logger: logger}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   cfg.Store,
		runner:  cfg.Runner,
		bus:     cfg.Bus,
		logger:  logger,
		tracer:  tracer,
		metrics: cfg.Metrics,
		now:     now,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(time.UTC),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]registration),
		running: make(map[string]bool),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Start registers every enabled schedule and starts the cron loop. Runs
// started by timers use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	list, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	now := s.now()
	for _, sc := range list {
		if err := s.register(ctx, sc); err != nil {
			s.logger.Error("schedule not registered", "schedule_id", sc.ID, "name", sc.Name, "error", err)
			continue
		}
		if sc.NextRunAt == nil || sc.NextRunAt.Before(now) {
			s.refreshNextRun(ctx, sc, now)
		}
	}
	s.cron.Start()
	s.logger.Info("cron scheduler started", "schedules", len(list))
	return nil
}

// Stop halts the timers and waits for in-flight timer runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Registered reports whether id has a live cron entry.
func (s *Scheduler) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Create validates and stores a new schedule, registering it when enabled.
func (s *Scheduler) Create(ctx context.Context, sc persistence.Schedule) (persistence.Schedule, error) {
	if err := validate(&sc); err != nil {
		return persistence.Schedule{}, err
	}
	next, _ := NextRunTime(sc.CronExpr, s.now())
	sc.NextRunAt = &next
	created, err := s.store.CreateSchedule(ctx, sc)
	if err != nil {
		return persistence.Schedule{}, err
	}
	if created.Enabled {
		if err := s.register(ctx, created); err != nil {
			return created, err
		}
	}
	s.changed(created.ID, "created")
	s.logger.Info("schedule created", "schedule_id", created.ID, "name", created.Name, "cron", created.CronExpr)
	return created, nil
}

// Update writes the editable fields of sc. A changed cron expression
// replaces the live entry; backoff is read from the row on every tick.
func (s *Scheduler) Update(ctx context.Context, sc persistence.Schedule) (persistence.Schedule, error) {
	current, err := s.get(ctx, sc.ID)
	if err != nil {
		return persistence.Schedule{}, err
	}
	if err := validate(&sc); err != nil {
		return persistence.Schedule{}, err
	}
	if sc.ContextID == "" {
		sc.ContextID = current.ContextID
	}
	if sc.CronExpr != current.CronExpr || sc.NextRunAt == nil {
		next, _ := NextRunTime(sc.CronExpr, s.now())
		sc.NextRunAt = &next
	}
	if _, err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return persistence.Schedule{}, err
	}
	updated, err := s.get(ctx, sc.ID)
	if err != nil {
		return persistence.Schedule{}, err
	}
	if err := s.sync(ctx, *updated); err != nil {
		return *updated, err
	}
	s.changed(updated.ID, "updated")
	return *updated, nil
}

// Delete removes the schedule and its cron entry.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.unregister(id)
	n, err := s.store.DeleteSchedule(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.changed(id, "deleted")
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// Toggle enables or disables a schedule.
func (s *Scheduler) Toggle(ctx context.Context, id string, enabled bool) (persistence.Schedule, error) {
	sc, err := s.get(ctx, id)
	if err != nil {
		return persistence.Schedule{}, err
	}
	if sc.Enabled == enabled {
		return *sc, s.sync(ctx, *sc)
	}
	sc.Enabled = enabled
	sc.NextRunAt = nil
	if enabled {
		if next, err := NextRunTime(sc.CronExpr, s.now()); err == nil {
			sc.NextRunAt = &next
		}
	}
	if _, err := s.store.UpdateSchedule(ctx, *sc); err != nil {
		return persistence.Schedule{}, err
	}
	if err := s.sync(ctx, *sc); err != nil {
		return *sc, err
	}
	s.changed(id, "toggled")
	s.logger.Info("schedule toggled", "schedule_id", id, "enabled", enabled)
	return *sc, nil
}

// Execute runs a schedule now, outside its timer. It fails fast when the
// schedule is disabled or already running, and returns the turn's error
// after recording the failure.
func (s *Scheduler) Execute(ctx context.Context, id string) (engine.Result, error) {
	sc, err := s.get(ctx, id)
	if err != nil {
		return engine.Result{}, err
	}
	if !sc.Enabled {
		return engine.Result{}, fmt.Errorf("%w: %s", ErrScheduleDisabled, sc.Name)
	}
	return s.run(ctx, *sc)
}

// fire is the timer callback. It re-reads the row and drops the tick if the
// entry was replaced, the schedule is gone or disabled, or backoff applies.
func (s *Scheduler) fire(id string, gen uint64) {
	if !s.live(id, gen) {
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.unregisterGen(id, gen)
			return
		}
		s.logger.Error("load schedule for tick", "schedule_id", id, "error", err)
		return
	}
	if !sc.Enabled {
		s.unregisterGen(id, gen)
		return
	}
	if until := backoffUntil(*sc); !until.IsZero() && s.now().Before(until) {
		s.logger.Info("schedule tick skipped by backoff",
			"schedule_id", id,
			"name", sc.Name,
			"consecutive_failures", sc.ConsecutiveFailures,
			"until", until,
		)
		return
	}
	if _, err := s.run(ctx, *sc); err != nil && !errors.Is(err, ErrScheduleRunning) {
		s.logger.Warn("scheduled run failed", "schedule_id", id, "name", sc.Name, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, sc persistence.Schedule) (engine.Result, error) {
	s.mu.Lock()
	if s.running[sc.ID] {
		s.mu.Unlock()
		return engine.Result{}, fmt.Errorf("%w: %s", ErrScheduleRunning, sc.Name)
	}
	s.running[sc.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, sc.ID)
		s.mu.Unlock()
	}()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "cron.execute",
		otelPkg.AttrScheduleID.String(sc.ID),
		attribute.String("capsule.schedule.name", sc.Name),
	)
	defer span.End()
	if s.metrics != nil {
		s.metrics.ScheduleRuns.Add(ctx, 1, metricAttrs(sc.ID))
	}

	started := s.now()
	res, err := s.turn(ctx, sc)
	if err == nil {
		err = turnFailure(res)
	}

	contextID := sc.ContextID
	if res.Task != nil {
		contextID = res.Task.ContextID
	} else if res.Message != nil {
		contextID = res.Message.ContextID
	}
	next := s.nextAfter(sc, started, err)
	record := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.metrics != nil {
			s.metrics.ScheduleFailures.Add(record, 1, metricAttrs(sc.ID))
		}
		if _, rerr := s.store.RecordScheduleFailure(record, sc.ID, started, next, shared.Truncate(err.Error(), 500)); rerr != nil {
			s.logger.Error("record schedule failure", "schedule_id", sc.ID, "error", rerr)
		}
	} else if _, rerr := s.store.RecordScheduleSuccess(record, sc.ID, started, next); rerr != nil {
		s.logger.Error("record schedule success", "schedule_id", sc.ID, "error", rerr)
	}

	ev := bus.ScheduleRunEvent{ScheduleID: sc.ID, Name: sc.Name, ContextID: contextID, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(bus.TopicScheduleRun, ev)
	s.logger.Info("schedule executed",
		"schedule_id", sc.ID,
		"name", sc.Name,
		"context_id", contextID,
		"success", err == nil,
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)
	return res, err
}

// turn resolves the schedule's context and sends its prompt as a user message.
func (s *Scheduler) turn(ctx context.Context, sc persistence.Schedule) (engine.Result, error) {
	contextID, err := s.resolveContext(ctx, sc)
	if err != nil {
		return engine.Result{}, err
	}
	msg := a2a.NewMessage("", a2a.RoleUser, a2a.NewTextPart(sc.Prompt))
	return s.runner.SendMessage(ctx, engine.SendRequest{
		ContextID:  contextID,
		Message:    msg,
		ScheduleID: sc.ID,
		Metadata:   map[string]any{"scheduleName": sc.Name},
	})
}

// resolveContext returns the schedule's context, creating and recording a
// fresh one when it is unset or was deleted.
func (s *Scheduler) resolveContext(ctx context.Context, sc persistence.Schedule) (string, error) {
	if sc.ContextID != "" {
		_, err := s.store.GetContext(ctx, sc.ContextID)
		if err == nil {
			return sc.ContextID, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return "", err
		}
	}
	c, err := s.store.CreateContext(ctx, sc.ContextID, map[string]any{
		engine.MetadataScheduleID: sc.ID,
		"scheduleName":            sc.Name,
	})
	if err != nil {
		return "", fmt.Errorf("create schedule context: %w", err)
	}
	if _, err := s.store.SetScheduleContext(ctx, sc.ID, c.ID); err != nil {
		return "", err
	}
	return c.ID, nil
}

// turnFailure reports a completed turn whose task did not succeed.
func turnFailure(res engine.Result) error {
	if res.Task == nil {
		return nil
	}
	switch st := res.Task.Status.State; st {
	case a2a.TaskStateFailed, a2a.TaskStateRejected, a2a.TaskStateCanceled:
		text := ""
		if res.Task.Status.Message != nil {
			text = res.Task.Status.Message.Text()
		}
		if text == "" {
			return fmt.Errorf("task %s ended %s", res.Task.ID, st)
		}
		return fmt.Errorf("task %s ended %s: %s", res.Task.ID, st, text)
	}
	return nil
}

// nextAfter is the next fire time the timer will act on, pushed past any
// backoff window a failure opens.
func (s *Scheduler) nextAfter(sc persistence.Schedule, at time.Time, runErr error) *time.Time {
	from := at
	if runErr != nil {
		if d := sc.Backoff.Delay(sc.ConsecutiveFailures + 1); d > 0 {
			from = at.Add(d)
		}
	}
	next, err := NextRunTime(sc.CronExpr, from)
	if err != nil {
		return nil
	}
	return &next
}

// backoffUntil is the earliest time a failing schedule may run again.
func backoffUntil(sc persistence.Schedule) time.Time {
	if sc.LastFailureAt == nil {
		return time.Time{}
	}
	d := sc.Backoff.Delay(sc.ConsecutiveFailures)
	if d <= 0 {
		return time.Time{}
	}
	return sc.LastFailureAt.Add(d)
}

// sync makes the cron entry for sc match its persisted state.
func (s *Scheduler) sync(ctx context.Context, sc persistence.Schedule) error {
	if !sc.Enabled {
		s.unregister(sc.ID)
		return nil
	}
	return s.register(ctx, sc)
}

// refreshNextRun replaces a next_run_at that went stale while the process
// was down.
func (s *Scheduler) refreshNextRun(ctx context.Context, sc persistence.Schedule, now time.Time) {
	next, err := NextRunTime(sc.CronExpr, now)
	if err != nil {
		return
	}
	if _, err := s.store.SetScheduleNextRun(ctx, sc.ID, &next); err != nil {
		s.logger.Warn("next run not stored", "schedule_id", sc.ID, "error", err)
	}
}

// register adds a cron entry for sc. An entry with the same expression is
// kept; a changed expression replaces the old entry.
func (s *Scheduler) register(ctx context.Context, sc persistence.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.entries[sc.ID]; ok {
		if reg.expr == sc.CronExpr {
			return nil
		}
		s.cron.Remove(reg.entry)
		delete(s.entries, sc.ID)
	}
	s.gen++
	gen, id := s.gen, sc.ID
	entry, err := s.cron.AddFunc(sc.CronExpr, func() { s.fire(id, gen) })
	if err != nil {
		return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, sc.CronExpr, err)
	}
	s.entries[sc.ID] = registration{entry: entry, gen: gen, expr: sc.CronExpr}
	s.logger.DebugContext(ctx, "schedule registered", "schedule_id", sc.ID, "cron", sc.CronExpr, "gen", gen)
	return nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.entries[id]; ok {
		s.cron.Remove(reg.entry)
		delete(s.entries, id)
	}
}

// unregisterGen removes the entry only if it is still generation gen.
func (s *Scheduler) unregisterGen(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.entries[id]; ok && reg.gen == gen {
		s.cron.Remove(reg.entry)
		delete(s.entries, id)
	}
}

func (s *Scheduler) live(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.entries[id]
	return ok && reg.gen == gen
}

func (s *Scheduler) get(ctx context.Context, id string) (*persistence.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sc, err
}

func (s *Scheduler) changed(id, action string) {
	s.publish(bus.TopicScheduleChanged, bus.ScheduleChangedEvent{ScheduleID: id, Action: action})
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func metricAttrs(id string) metric.AddOption {
	return metric.WithAttributes(otelPkg.AttrScheduleID.String(id))
}

func validate(sc *persistence.Schedule) error {
	sc.Name = strings.TrimSpace(sc.Name)
	sc.CronExpr = strings.TrimSpace(sc.CronExpr)
	switch {
	case sc.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	case strings.TrimSpace(sc.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidSchedule)
	}
	if _, err := cronParser.Parse(sc.CronExpr); err != nil {
		return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, sc.CronExpr, err)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()), nil
}
