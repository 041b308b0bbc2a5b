// Package engine drives one message turn through the model and turns its
// steps into ordered A2A events, creating a task only once a tool is used.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/hooks"
	"github.com/brycewcole/capsule-agents-sub000/internal/model"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
	"github.com/brycewcole/capsule-agents-sub000/internal/tasks"
	"github.com/brycewcole/capsule-agents-sub000/internal/telemetry"
)

// MetadataScheduleID is the task metadata key naming the schedule that
// started the turn.
const MetadataScheduleID = "scheduleId"

// ArtifactTurnSummary names the artifact recorded after a completed task.
const ArtifactTurnSummary = "turn-summary"

// Store is the persistence surface the orchestrator needs.
type Store interface {
	HeartbeatStore
	GetContext(ctx context.Context, id string) (*persistence.Context, error)
	CreateContext(ctx context.Context, id string, metadata map[string]any) (persistence.Context, error)
	AddMessage(ctx context.Context, msg persistence.Message) (persistence.Message, error)
	ListContextMessages(ctx context.Context, contextID string, excludeTaskOwned bool) ([]persistence.Message, error)
}

// Notifier is told about every completed turn. Dispatch must not block.
type Notifier interface {
	Dispatch(ctx context.Context, ev hooks.TaskEvent)
}

// Options configures an Orchestrator.
type Options struct {
	Tasks *tasks.Manager
	Store Store
	Model model.Model
	// Tools are the tool names offered to the model on every turn.
	Tools []string
	// SystemPrompt is read at the start of each turn so config reloads apply.
	SystemPrompt func() string
	// ModelOverrides, when set, is read per turn and replaces the configured
	// model name and generation parameters where non-empty.
	ModelOverrides     func(ctx context.Context) (string, map[string]any)
	MaxSteps           int
	IncludeTaskHistory bool
	HeartbeatInterval  time.Duration
	Bus                *bus.Bus
	Notifier           Notifier
	Logger             *slog.Logger
	Tracer             trace.Tracer
	Metrics            *otelPkg.Metrics
}

// Orchestrator runs message turns.
type Orchestrator struct {
	tasks        *tasks.Manager
	store        Store
	model        model.Model
	tools        []string
	systemPrompt func() string
	overrides    func(ctx context.Context) (string, map[string]any)
	maxSteps     int
	fullHistory  bool
	bus          *bus.Bus
	notifier     Notifier
	heartbeat    *HeartbeatManager
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otelPkg.Metrics

	running sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = model.DefaultMaxSteps
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == nil {
		systemPrompt = func() string { return "" }
	}
	return &Orchestrator{
		tasks:        opts.Tasks,
		store:        opts.Store,
		model:        opts.Model,
		tools:        opts.Tools,
		systemPrompt: systemPrompt,
		overrides:    opts.ModelOverrides,
		maxSteps:     maxSteps,
		fullHistory:  opts.IncludeTaskHistory,
		bus:          opts.Bus,
		notifier:     opts.Notifier,
		heartbeat:    NewHeartbeatManager(opts.Tasks, opts.Store, opts.Model, opts.HeartbeatInterval, logger, opts.Metrics),
		logger:       logger.With("component", "engine"),
		tracer:       tracer,
		metrics:      opts.Metrics,
	}
}

// Heartbeats exposes the heartbeat manager.
func (o *Orchestrator) Heartbeats() *HeartbeatManager { return o.heartbeat }

// Close stops every heartbeat timer.
func (o *Orchestrator) Close() {
	o.heartbeat.StopAll()
}

// Drain waits for running turns to end, or for ctx.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest is one triggering message.
type SendRequest struct {
	// ContextID selects an existing context. Empty falls back to
	// Message.ContextID, and if both are empty a new context is created.
	ContextID  string
	Message    a2a.Message
	Metadata   map[string]any
	ScheduleID string
}

// SendMessageStream persists the triggering message and starts the turn. The
// returned channel is unbuffered and closed after the final event. Errors
// returned here happen before anything is streamed. Cancelling ctx only
// stops delivery; the turn itself runs to its end.
func (o *Orchestrator) SendMessageStream(ctx context.Context, req SendRequest) (<-chan Event, error) {
	contextID, err := o.resolveContext(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithContextID(ctx, contextID)
	if req.ScheduleID != "" {
		ctx = shared.WithScheduleID(ctx, req.ScheduleID)
	}

	msg := req.Message
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = a2a.RoleUser
	}
	msg.Kind = a2a.KindMessage
	msg.ContextID = contextID
	// A client-supplied task id never binds the message; adoption decides.
	msg.TaskID = ""
	stored, err := o.store.AddMessage(ctx, persistence.MessageFromA2A(msg))
	if err != nil {
		return nil, fmt.Errorf("store triggering message: %w", err)
	}

	history, err := o.loadHistory(ctx, contextID)
	if err != nil {
		return nil, err
	}

	t := &turn{
		o:         o,
		req:       req,
		contextID: contextID,
		userMsg:   stored.ToA2A(),
		history:   history,
		sink:      newSink(ctx),
		logger:    telemetry.ForTurn(ctx, o.logger),
		start:     time.Now(),
	}
	o.running.Add(1)
	go func() {
		defer o.running.Done()
		t.run(context.WithoutCancel(ctx))
	}()
	return t.sink.out, nil
}

// Result is the outcome of a blocking send: exactly one of Task or Message.
type Result struct {
	Task    *a2a.Task
	Message *a2a.Message
}

// SendMessage runs a turn to completion. A turn that created a task returns
// the task as persisted, with its full history.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (Result, error) {
	events, err := o.SendMessageStream(ctx, req)
	if err != nil {
		return Result{}, err
	}
	var (
		res    Result
		taskID string
		runErr error
	)
	for ev := range events {
		switch {
		case ev.Err != nil:
			runErr = ev.Err
		case ev.Message != nil:
			res.Message = ev.Message
		case ev.Task != nil:
			taskID = ev.Task.ID
		case ev.Status != nil:
			taskID = ev.Status.TaskID
		}
	}
	if runErr != nil {
		return Result{}, runErr
	}
	if taskID != "" {
		task, err := o.tasks.GetTask(context.WithoutCancel(ctx), taskID, nil)
		if err != nil {
			return Result{}, err
		}
		res.Task = task
	}
	if res.Task == nil && res.Message == nil {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return Result{}, errors.New("turn ended without a result")
	}
	return res, nil
}

// GetTask returns a task with at most historyLength history messages.
func (o *Orchestrator) GetTask(ctx context.Context, id string, historyLength *int) (*a2a.Task, error) {
	return o.tasks.GetTask(ctx, id, historyLength)
}

// CancelTask cancels a non-terminal task and silences its heartbeat. An
// in-flight model call is left to finish; its result is discarded.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (*a2a.Task, error) {
	task, ev, err := o.tasks.CancelTask(ctx, id)
	if err != nil {
		return task, err
	}
	o.heartbeat.Stop(id)
	task.Status = ev.Status
	o.logger.Info("task canceled", "task_id", id)
	return task, nil
}

func (o *Orchestrator) resolveContext(ctx context.Context, req SendRequest) (string, error) {
	id := req.ContextID
	if id == "" {
		id = req.Message.ContextID
	}
	if id == "" {
		c, err := o.store.CreateContext(ctx, "", nil)
		if err != nil {
			return "", fmt.Errorf("create context: %w", err)
		}
		return c.ID, nil
	}
	if _, err := o.store.GetContext(ctx, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrInvalidContext, id)
		}
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, contextID string) ([]a2a.Message, error) {
	msgs, err := o.store.ListContextMessages(ctx, contextID, !o.fullHistory)
	if err != nil {
		return nil, fmt.Errorf("load context history: %w", err)
	}
	out := make([]a2a.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToA2A())
	}
	return out, nil
}

// turn is the state of one running turn. It is owned by its goroutine.
type turn struct {
	o         *Orchestrator
	req       SendRequest
	contextID string
	userMsg   a2a.Message
	history   []a2a.Message
	sink      *sink
	logger    *slog.Logger
	start     time.Time

	task      *a2a.Task
	toolsUsed []string
}

func (t *turn) run(ctx context.Context) {
	o := t.o
	defer t.sink.close()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("turn panic", "panic", fmt.Sprint(r))
			t.fail(ctx, fmt.Errorf("turn panic: %v", r))
		}
	}()

	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "engine.turn", otelPkg.AttrContextID.String(t.contextID))
	defer span.End()
	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, 1)
		defer o.metrics.ActiveTurns.Add(ctx, -1)
		defer func() {
			o.metrics.TurnDuration.Record(ctx, time.Since(t.start).Seconds())
		}()
	}
	req := model.Request{
		SystemPrompt: o.systemPrompt(),
		History:      t.history,
		Tools:        o.tools,
		MaxSteps:     o.maxSteps,
	}
	if o.overrides != nil {
		req.Model, req.Params = o.overrides(ctx)
	}
	lastText := ""
	for step, err := range o.model.Run(ctx, req) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.fail(ctx, err)
			return
		}
		if step.Text != "" {
			lastText = step.Text
		}
		if len(step.ToolCalls) > 0 || len(step.ToolResults) > 0 {
			if err := t.toolStep(ctx, step); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				t.fail(ctx, err)
				return
			}
		}
		if step.Finish {
			t.finish(ctx, step.Text)
			t.annotate(span)
			return
		}
	}
	t.finish(ctx, lastText)
	t.annotate(span)
}

func (t *turn) annotate(span trace.Span) {
	if t.task != nil {
		span.SetAttributes(
			otelPkg.AttrTaskID.String(t.task.ID),
			otelPkg.AttrTaskState.String(string(t.task.Status.State)),
		)
	}
	span.SetAttributes(attribute.StringSlice("capsule.tools.used", t.toolsUsed))
}

// toolStep handles one model/tool round trip: the task is created on the
// first one, then the call/result pairs are recorded and a working status
// names the tools. Results with no call at all are rejected before any task
// exists, so a turn without tool calls never creates one.
func (t *turn) toolStep(ctx context.Context, step model.Step) error {
	o := t.o
	if len(step.ToolCalls) == 0 {
		return fmt.Errorf("%w: %d tool results without a call", ErrUnmatchedToolCall, len(step.ToolResults))
	}
	first := t.task == nil
	if first {
		if err := t.createTask(ctx); err != nil {
			return err
		}
	}
	if err := reconcile(step); err != nil {
		return err
	}

	results := make(map[string]model.ToolResult, len(step.ToolResults))
	for _, r := range step.ToolResults {
		results[r.ID] = r
	}
	for _, call := range step.ToolCalls {
		res := results[call.ID]
		callMsg := a2a.NewMessage(uuid.NewString(), a2a.RoleAgent, a2a.NewToolCallPart(call.ID, call.Name, call.Input))
		if _, err := o.tasks.AddMessageToHistory(ctx, t.task, callMsg); err != nil {
			return err
		}
		resMsg := a2a.NewMessage(uuid.NewString(), a2a.RoleAgent, a2a.NewToolResultPart(res.ID, res.Name, res.Output))
		if _, err := o.tasks.AddMessageToHistory(ctx, t.task, resMsg); err != nil {
			return err
		}
	}

	names := model.ToolNames(step.ToolCalls)
	for _, n := range names {
		if !slices.Contains(t.toolsUsed, n) {
			t.toolsUsed = append(t.toolsUsed, n)
		}
	}
	ev, err := o.tasks.TransitionState(ctx, t.task, a2a.TaskStateWorking, usingText(names))
	if err != nil {
		return err
	}
	t.sink.emit(ctx, Event{Status: &ev})
	if first {
		o.heartbeat.Start(ctx, t.task, t.sink.emit)
	}
	return nil
}

func (t *turn) createTask(ctx context.Context) error {
	o := t.o
	md := copyMetadata(t.req.Metadata)
	if t.req.ScheduleID != "" {
		if md == nil {
			md = map[string]any{}
		}
		md[MetadataScheduleID] = t.req.ScheduleID
	}
	task, err := o.tasks.CreateTask(ctx, t.contextID, md)
	if err != nil {
		return err
	}
	t.task = task
	t.logger = t.logger.With("task_id", task.ID)
	if err := o.tasks.AddExistingMessageToHistory(ctx, task, t.userMsg); err != nil {
		return err
	}
	created := *task
	created.History = append([]a2a.Message(nil), task.History...)
	t.sink.emit(ctx, Event{Task: &created})
	t.logger.Info("task created")
	return nil
}

// finish records the final reply. Without a task the reply is a plain
// context message; with one the task completes unless it was already
// finished elsewhere.
func (t *turn) finish(pctx context.Context, text string) {
	o := t.o
	if t.task == nil {
		reply := a2a.NewMessage(uuid.NewString(), a2a.RoleAgent, a2a.NewTextPart(text))
		reply.ContextID = t.contextID
		stored, err := o.store.AddMessage(pctx, persistence.MessageFromA2A(reply))
		if err != nil {
			t.fail(pctx, fmt.Errorf("store reply: %w", err))
			return
		}
		out := stored.ToA2A()
		t.sink.emit(pctx, Event{Message: &out})
		t.logger.Info("turn answered directly", "duration_ms", time.Since(t.start).Milliseconds())
		t.notify(pctx, a2a.TaskStateCompleted, text)
		return
	}

	o.heartbeat.Stop(t.task.ID)
	if t.emitIfTerminal(pctx) {
		t.logger.Info("turn result discarded, task already terminal")
		return
	}
	reply := a2a.NewMessage(uuid.NewString(), a2a.RoleAgent, a2a.NewTextPart(text))
	if _, err := o.tasks.AddMessageToHistory(pctx, t.task, reply); err != nil {
		t.fail(pctx, err)
		return
	}
	ev, err := o.tasks.TransitionState(pctx, t.task, a2a.TaskStateCompleted, text)
	if err != nil {
		t.fail(pctx, err)
		return
	}
	t.sink.emit(pctx, Event{Status: &ev})
	t.logger.Info("task completed", "tools", t.toolsUsed, "duration_ms", time.Since(t.start).Milliseconds())

	t.recordSummary(pctx, text)
	if o.bus != nil {
		done := *t.task
		o.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{Task: done, ScheduleID: t.req.ScheduleID})
	}
	t.notify(pctx, a2a.TaskStateCompleted, text)
}

// fail ends the turn after err. Before a task exists the error itself is
// streamed; afterwards the task fails with a sanitized message.
func (t *turn) fail(pctx context.Context, err error) {
	o := t.o
	if t.sink.closed() {
		t.logger.Warn("turn error after final event", "error", err)
		return
	}
	if t.task == nil {
		t.logger.Error("turn failed", "error", err)
		t.sink.emit(pctx, Event{Err: err})
		return
	}
	t.logger.Error("task failed", "error", err, "error_class", ClassifyError(err))
	o.heartbeat.Stop(t.task.ID)
	ev, terr := o.tasks.TransitionState(pctx, t.task, a2a.TaskStateFailed, SanitizeError(err))
	if terr != nil {
		if !t.emitIfTerminal(pctx) {
			t.sink.emit(pctx, Event{Err: errors.Join(err, terr)})
		}
		return
	}
	t.sink.emit(pctx, Event{Status: &ev})
}

// emitIfTerminal re-reads the task and, when it is terminal, emits its
// current status as the final event.
func (t *turn) emitIfTerminal(pctx context.Context) bool {
	status, err := t.o.tasks.CurrentStatus(pctx, t.task.ID)
	if err != nil || !status.State.IsTerminal() {
		return false
	}
	t.task.Status = status
	t.sink.emit(pctx, Event{Status: &a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    t.task.ID,
		ContextID: t.task.ContextID,
		Status:    status,
		Final:     true,
	}})
	return true
}

func (t *turn) recordSummary(pctx context.Context, text string) {
	tools := "none"
	if len(t.toolsUsed) > 0 {
		tools = strings.Join(t.toolsUsed, ", ")
	}
	art := a2a.Artifact{
		ArtifactID:  uuid.NewString(),
		Name:        ArtifactTurnSummary,
		Description: "Tools used and final reply of the turn",
		Parts: []a2a.Part{
			a2a.NewTextPart(shared.Truncate(text, 2000)),
			a2a.NewDataPart(map[string]any{"tools": t.toolsUsed, "toolsText": tools}),
		},
	}
	if _, err := t.o.tasks.CreateArtifact(pctx, t.task, art); err != nil {
		t.logger.Warn("turn summary artifact failed", "error", err)
	}
}

func (t *turn) notify(pctx context.Context, state a2a.TaskState, text string) {
	if t.o.notifier == nil {
		return
	}
	ev := hooks.TaskEvent{
		ContextID:  t.contextID,
		State:      state,
		Text:       text,
		ScheduleID: t.req.ScheduleID,
		At:         time.Now().UTC(),
	}
	if t.task != nil {
		task := *t.task
		ev.TaskID = task.ID
		ev.Task = &task
	}
	t.o.notifier.Dispatch(pctx, ev)
}

// reconcile checks that tool calls and results of a step pair up one to one.
func reconcile(step model.Step) error {
	calls := make(map[string]struct{}, len(step.ToolCalls))
	for _, c := range step.ToolCalls {
		calls[c.ID] = struct{}{}
	}
	results := make(map[string]struct{}, len(step.ToolResults))
	for _, r := range step.ToolResults {
		if _, ok := calls[r.ID]; !ok {
			return fmt.Errorf("%w: result %s (%s) has no call", ErrUnmatchedToolCall, r.ID, r.Name)
		}
		results[r.ID] = struct{}{}
	}
	for _, c := range step.ToolCalls {
		if _, ok := results[c.ID]; !ok {
			return fmt.Errorf("%w: %s (%s)", ErrUnmatchedToolCall, c.ID, c.Name)
		}
	}
	return nil
}

func usingText(names []string) string {
	return "Using " + strings.Join(names, ", ") + "..."
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
