package engine_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/engine"
	"github.com/brycewcole/capsule-agents-sub000/internal/hooks"
	"github.com/brycewcole/capsule-agents-sub000/internal/model"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/tasks"
)

// fakeModel yields a fixed script. A step whose index is in gates waits for
// that channel to close before being yielded.
type fakeModel struct {
	steps []model.Step
	err   error
	// errAt is the index at which err is returned instead of a step.
	errAt int
	gates map[int]chan struct{}

	summaries atomic.Int64
	summarize func(n int64) (string, error)

	mu       sync.Mutex
	requests []model.Request
}

func (f *fakeModel) Run(ctx context.Context, req model.Request) iter.Seq2[model.Step, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return func(yield func(model.Step, error) bool) {
		for i := 0; i <= len(f.steps); i++ {
			if gate, ok := f.gates[i]; ok {
				select {
				case <-gate:
				case <-ctx.Done():
					yield(model.Step{}, ctx.Err())
					return
				}
			}
			if f.err != nil && i == f.errAt {
				yield(model.Step{}, f.err)
				return
			}
			if i == len(f.steps) {
				return
			}
			if !yield(f.steps[i], nil) {
				return
			}
		}
	}
}

func (f *fakeModel) Summarize(ctx context.Context, prompt string) (string, error) {
	n := f.summaries.Add(1)
	if f.summarize != nil {
		return f.summarize(n)
	}
	return fmt.Sprintf("Still working, update %d", n), nil
}

func (f *fakeModel) lastRequest() model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []hooks.TaskEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev hooks.TaskEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []hooks.TaskEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]hooks.TaskEvent(nil), n.events...)
}

type harness struct {
	store    *persistence.Store
	tasks    *tasks.Manager
	orch     *engine.Orchestrator
	bus      *bus.Bus
	notifier *recordingNotifier
}

func newHarness(t *testing.T, m model.Model, heartbeat time.Duration) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "capsule.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.CreateContext(context.Background(), "c1", nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	b := bus.New()
	tm := tasks.NewManager(store, b, nil)
	n := &recordingNotifier{}
	o := engine.New(engine.Options{
		Tasks:             tm,
		Store:             store,
		Model:             m,
		Tools:             []string{"web_search"},
		SystemPrompt:      func() string { return "be brief" },
		ModelOverrides:    store.ModelOverrides,
		HeartbeatInterval: heartbeat,
		Bus:               b,
		Notifier:          n,
	})
	t.Cleanup(o.Close)
	return &harness{store: store, tasks: tm, orch: o, bus: b, notifier: n}
}

func userMessage(text string) a2a.Message {
	return a2a.NewMessage("", a2a.RoleUser, a2a.NewTextPart(text))
}

func drain(t *testing.T, ch <-chan engine.Event) []engine.Event {
	t.Helper()
	var out []engine.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("turn did not finish; events so far: %+v", out)
		}
	}
}

func searchStep(id string) model.Step {
	return model.Step{
		ToolCalls:   []model.ToolCall{{ID: id, Name: "web_search", Input: map[string]any{"query": "X"}}},
		ToolResults: []model.ToolResult{{ID: id, Name: "web_search", Output: map[string]any{"results": []any{"x.com"}}}},
	}
}

func TestDirectAnswer_NoTask(t *testing.T) {
	m := &fakeModel{steps: []model.Step{{Text: "Hello!", Finish: true}}}
	h := newHarness(t, m, 0)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 1 || events[0].Message == nil {
		t.Fatalf("expected exactly one message event, got %+v", events)
	}
	if events[0].Message.Text() != "Hello!" || events[0].Message.Role != a2a.RoleAgent {
		t.Fatalf("reply = %+v", events[0].Message)
	}

	list, err := h.tasks.ListTasks(context.Background(), "c1")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no tasks, got %v (err %v)", list, err)
	}
	msgs, _ := h.store.ListContextMessages(context.Background(), "c1", false)
	if len(msgs) != 2 || msgs[0].Role != a2a.RoleUser || msgs[1].Role != a2a.RoleAgent {
		t.Fatalf("context history = %+v", msgs)
	}
	req := m.lastRequest()
	if req.SystemPrompt != "be brief" || req.MaxSteps != model.DefaultMaxSteps || len(req.History) != 1 {
		t.Fatalf("model request = %+v", req)
	}
	if req.Model != "" || req.Params != nil {
		t.Fatalf("no overrides saved, got model %q params %v", req.Model, req.Params)
	}
}

func TestSavedModelOverridesReachModel(t *testing.T) {
	m := &fakeModel{steps: []model.Step{{Text: "ok", Finish: true}}}
	h := newHarness(t, m, 0)
	ctx := context.Background()
	if _, err := h.store.PutAgentInfo(ctx, persistence.AgentInfo{
		ModelName:       "gemini-2.5-pro",
		ModelParameters: map[string]any{"temperature": 0.1},
	}); err != nil {
		t.Fatalf("put agent info: %v", err)
	}
	if _, err := h.orch.SendMessage(ctx, engine.SendRequest{ContextID: "c1", Message: userMessage("hi")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	req := m.lastRequest()
	if req.Model != "gemini-2.5-pro" || req.Params["temperature"] != 0.1 {
		t.Fatalf("model request = %+v", req)
	}
}

func TestEmptyTurnIsDirectAnswer(t *testing.T) {
	h := newHarness(t, &fakeModel{}, 0)
	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("...")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 1 || events[0].Message == nil || events[0].Message.Text() != "" {
		t.Fatalf("expected one empty reply, got %+v", events)
	}
}

func TestToolTurn_EventOrderAndHistory(t *testing.T) {
	m := &fakeModel{steps: []model.Step{searchStep("t1"), {Text: "Found X", Finish: true}}}
	h := newHarness(t, m, 0)
	sub := h.bus.Subscribe(bus.TopicTaskCompleted, bus.WithBuffer(4))
	defer sub.Close()

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("search X")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 3 {
		t.Fatalf("expected task, working, completed; got %d events: %+v", len(events), events)
	}
	task := events[0].Task
	if task == nil || task.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("first event must be the submitted task: %+v", events[0])
	}
	if len(task.History) != 1 || task.History[0].Text() != "search X" {
		t.Fatalf("task must adopt the user message: %+v", task.History)
	}
	working := events[1].Status
	if working == nil || working.Status.State != a2a.TaskStateWorking || working.Final {
		t.Fatalf("second event must be working: %+v", events[1])
	}
	if got := working.Status.Message.Text(); got != "Using web_search..." {
		t.Fatalf("working text = %q", got)
	}
	final := events[2].Status
	if final == nil || final.Status.State != a2a.TaskStateCompleted || !final.Final || final.Status.Message.Text() != "Found X" {
		t.Fatalf("last event must be final completed: %+v", events[2])
	}

	got, err := h.tasks.GetTask(context.Background(), task.ID, nil)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(got.History) != 4 {
		t.Fatalf("history len = %d, want 4: %+v", len(got.History), got.History)
	}
	if got.History[0].Role != a2a.RoleUser ||
		got.History[1].Parts[0].DataType() != a2a.DataTypeToolCall ||
		got.History[2].Parts[0].DataType() != a2a.DataTypeToolResult ||
		got.History[3].Text() != "Found X" {
		t.Fatalf("unexpected history order: %+v", got.History)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Name != engine.ArtifactTurnSummary {
		t.Fatalf("expected turn summary artifact, got %+v", got.Artifacts)
	}

	select {
	case ev := <-sub.Ch():
		done := ev.Payload.(bus.TaskCompletedEvent)
		if done.Task.ID != task.ID {
			t.Fatalf("completed event for %s, want %s", done.Task.ID, task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.completed bus event")
	}

	notes := h.notifier.all()
	if len(notes) != 1 || notes[0].TaskID != task.ID || notes[0].State != a2a.TaskStateCompleted {
		t.Fatalf("notifier events = %+v", notes)
	}
}

func TestToolTurn_MultipleStepsEmitInOrder(t *testing.T) {
	read := model.Step{
		ToolCalls:   []model.ToolCall{{ID: "r1", Name: "read_url"}, {ID: "r2", Name: "read_url"}},
		ToolResults: []model.ToolResult{{ID: "r2", Name: "read_url"}, {ID: "r1", Name: "read_url"}},
	}
	m := &fakeModel{steps: []model.Step{searchStep("s1"), read, {Text: "done", Finish: true}}}
	h := newHarness(t, m, 0)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("go")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %+v", events)
	}
	if events[1].Status.Status.Message.Text() != "Using web_search..." ||
		events[2].Status.Status.Message.Text() != "Using read_url..." {
		t.Fatalf("working texts out of order: %q, %q",
			events[1].Status.Status.Message.Text(), events[2].Status.Status.Message.Text())
	}
	task, _ := h.tasks.GetTask(context.Background(), events[0].Task.ID, nil)
	// user + 3 call/result pairs + reply
	if len(task.History) != 8 {
		t.Fatalf("history len = %d, want 8", len(task.History))
	}
	if id, _ := task.History[3].Parts[0].Data["id"].(string); id != "r1" {
		t.Fatalf("pairs must follow call order, got %s first", id)
	}
}

func TestUnmatchedToolCall_FailsTask(t *testing.T) {
	bad := model.Step{
		ToolCalls:   []model.ToolCall{{ID: "a", Name: "web_search"}, {ID: "b", Name: "web_search"}},
		ToolResults: []model.ToolResult{{ID: "a", Name: "web_search"}},
	}
	h := newHarness(t, &fakeModel{steps: []model.Step{bad, {Text: "never", Finish: true}}}, 0)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Status == nil || last.Status.Status.State != a2a.TaskStateFailed || !last.Status.Final {
		t.Fatalf("expected final failed status, got %+v", events)
	}
	if text := last.Status.Status.Message.Text(); text != engine.SanitizeError(engine.ErrUnmatchedToolCall) {
		t.Fatalf("failure text must be sanitized, got %q", text)
	}
	for _, ev := range events {
		if ev.Status != nil && ev.Status.Status.State == a2a.TaskStateWorking {
			t.Fatalf("no working event expected for a rejected step: %+v", events)
		}
	}
}

func TestToolResultsWithoutCalls(t *testing.T) {
	orphan := model.ToolResult{ID: "x", Name: "web_search", Output: map[string]any{"results": []any{}}}

	t.Run("no calls at all creates no task", func(t *testing.T) {
		h := newHarness(t, &fakeModel{steps: []model.Step{
			{ToolResults: []model.ToolResult{orphan}},
			{Text: "ok", Finish: true},
		}}, 0)
		ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		events := drain(t, ch)
		if len(events) != 1 || !errors.Is(events[0].Err, engine.ErrUnmatchedToolCall) {
			t.Fatalf("expected a single unmatched-call error, got %+v", events)
		}
		list, err := h.tasks.ListTasks(context.Background(), "c1")
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("a turn without tool calls created %d tasks", len(list))
		}
	})

	t.Run("extra result fails the task", func(t *testing.T) {
		step := searchStep("a")
		step.ToolResults = append(step.ToolResults, orphan)
		h := newHarness(t, &fakeModel{steps: []model.Step{step, {Text: "never", Finish: true}}}, 0)
		ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		events := drain(t, ch)
		last := events[len(events)-1]
		if last.Status == nil || last.Status.Status.State != a2a.TaskStateFailed {
			t.Fatalf("expected failed task, got %+v", events)
		}
	})
}

func TestConsumerGone_TurnStillCompletes(t *testing.T) {
	gate := make(chan struct{})
	m := &fakeModel{
		steps: []model.Step{searchStep("t1"), {Text: "finished anyway", Finish: true}},
		gates: map[int]chan struct{}{1: gate},
	}
	h := newHarness(t, m, 0)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.orch.SendMessageStream(ctx, engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	first := <-ch
	if first.Task == nil {
		t.Fatalf("first event = %+v", first)
	}
	<-ch
	cancel()
	close(gate)

	// Nobody reads the stream any more; the turn must still run to its end.
	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := h.orch.Drain(waitCtx); err != nil {
		t.Fatalf("turn did not end after its consumer left: %v", err)
	}

	task, err := h.tasks.GetTask(context.Background(), first.Task.ID, nil)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status.State != a2a.TaskStateCompleted || task.Status.Message.Text() != "finished anyway" {
		t.Fatalf("task after consumer left = %s %q", task.Status.State, task.Status.Message.Text())
	}
}

func TestModelErrorBeforeTask_StreamsErr(t *testing.T) {
	boom := errors.New("provider exploded")
	h := newHarness(t, &fakeModel{err: boom, errAt: 0}, 0)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 1 || !errors.Is(events[0].Err, boom) {
		t.Fatalf("expected a single Err event, got %+v", events)
	}
	list, _ := h.tasks.ListTasks(context.Background(), "c1")
	if len(list) != 0 {
		t.Fatalf("no task may exist, got %+v", list)
	}
	// The triggering message stays committed.
	msgs, _ := h.store.ListContextMessages(context.Background(), "c1", false)
	if len(msgs) != 1 || msgs[0].Role != a2a.RoleUser {
		t.Fatalf("context history = %+v", msgs)
	}
	if len(h.notifier.all()) != 0 {
		t.Fatal("failed turns must not notify")
	}
}

func TestModelErrorAfterTask_FailsWithSanitizedText(t *testing.T) {
	boom := errors.New("401 Unauthorized: key sk-secret")
	h := newHarness(t, &fakeModel{steps: []model.Step{searchStep("t1")}, err: boom, errAt: 1}, 0)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Err != nil || last.Status == nil || last.Status.Status.State != a2a.TaskStateFailed || !last.Status.Final {
		t.Fatalf("expected final failed status, got %+v", events)
	}
	text := last.Status.Status.Message.Text()
	if strings.Contains(text, "sk-secret") || text != engine.SanitizeError(boom) {
		t.Fatalf("failure text = %q", text)
	}
}

func TestInvalidContext(t *testing.T) {
	h := newHarness(t, &fakeModel{}, 0)
	_, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "missing", Message: userMessage("x")})
	if !errors.Is(err, engine.ErrInvalidContext) {
		t.Fatalf("expected ErrInvalidContext, got %v", err)
	}
	if _, err := h.store.GetContext(context.Background(), "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("context must not be fabricated, got %v", err)
	}
}

func TestNewContextIsCreatedWhenUnset(t *testing.T) {
	h := newHarness(t, &fakeModel{steps: []model.Step{{Text: "hi", Finish: true}}}, 0)
	res, err := h.orch.SendMessage(context.Background(), engine.SendRequest{Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Message == nil || res.Message.ContextID == "" || res.Message.ContextID == "c1" {
		t.Fatalf("expected reply in a fresh context, got %+v", res.Message)
	}
	if _, err := h.store.GetContext(context.Background(), res.Message.ContextID); err != nil {
		t.Fatalf("fresh context not stored: %v", err)
	}
}

func TestClientTaskIDIsIgnored(t *testing.T) {
	h := newHarness(t, &fakeModel{steps: []model.Step{{Text: "ok", Finish: true}}}, 0)
	msg := userMessage("x")
	msg.TaskID = "client-task"
	if _, err := h.orch.SendMessage(context.Background(), engine.SendRequest{ContextID: "c1", Message: msg}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, _ := h.store.ListContextMessages(context.Background(), "c1", false)
	if msgs[0].TaskID != "" {
		t.Fatalf("user message bound to %q", msgs[0].TaskID)
	}
}

func TestSendMessage_ReturnsPersistedTask(t *testing.T) {
	h := newHarness(t, &fakeModel{steps: []model.Step{searchStep("t1"), {Text: "Found", Finish: true}}}, 0)
	res, err := h.orch.SendMessage(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x"), ScheduleID: "s1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Task == nil || res.Task.Status.State != a2a.TaskStateCompleted || len(res.Task.History) != 4 {
		t.Fatalf("result = %+v", res.Task)
	}
	if res.Task.Metadata[engine.MetadataScheduleID] != "s1" {
		t.Fatalf("schedule id missing from metadata: %+v", res.Task.Metadata)
	}
	if notes := h.notifier.all(); len(notes) != 1 || notes[0].ScheduleID != "s1" {
		t.Fatalf("notifier events = %+v", notes)
	}
}

func TestPriorTaskMessagesExcludedFromHistory(t *testing.T) {
	m := &fakeModel{steps: []model.Step{searchStep("t1"), {Text: "first", Finish: true}}}
	h := newHarness(t, m, 0)
	if _, err := h.orch.SendMessage(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("one")}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	m.steps = []model.Step{{Text: "second", Finish: true}}
	if _, err := h.orch.SendMessage(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("two")}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	hist := m.lastRequest().History
	if len(hist) != 1 || hist[0].Text() != "two" {
		t.Fatalf("messages folded into the first task must be excluded, got %+v", hist)
	}
}

func TestCancelDuringTurn_DiscardsResult(t *testing.T) {
	gate := make(chan struct{})
	m := &fakeModel{
		steps: []model.Step{searchStep("t1"), {Text: "too late", Finish: true}},
		gates: map[int]chan struct{}{1: gate},
	}
	h := newHarness(t, m, 0)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	first := <-ch
	second := <-ch
	if first.Task == nil || second.Status == nil {
		t.Fatalf("unexpected prefix %+v %+v", first, second)
	}

	canceled, err := h.orch.CancelTask(context.Background(), first.Task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status.State != a2a.TaskStateCanceled {
		t.Fatalf("cancel returned %s", canceled.Status.State)
	}
	close(gate)

	rest := drain(t, ch)
	if len(rest) != 1 || rest[0].Status == nil || rest[0].Status.Status.State != a2a.TaskStateCanceled || !rest[0].Status.Final {
		t.Fatalf("expected the canceled status as final event, got %+v", rest)
	}
	task, _ := h.tasks.GetTask(context.Background(), first.Task.ID, nil)
	for _, msg := range task.History {
		if msg.Text() == "too late" {
			t.Fatal("reply of a canceled task must be discarded")
		}
	}
	if _, err := h.orch.CancelTask(context.Background(), first.Task.ID); !errors.Is(err, tasks.ErrInvalidState) {
		t.Fatalf("second cancel: expected ErrInvalidState, got %v", err)
	}
	if len(h.notifier.all()) != 0 {
		t.Fatal("canceled turns must not notify")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, &fakeModel{}, 0)
	if _, err := h.orch.CancelTask(context.Background(), "nope"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestHeartbeat_NeverAfterFinal(t *testing.T) {
	gate := make(chan struct{})
	m := &fakeModel{
		steps: []model.Step{searchStep("t1"), {Text: "done", Finish: true}},
		gates: map[int]chan struct{}{1: gate},
	}
	h := newHarness(t, m, 10*time.Millisecond)

	ch, err := h.orch.SendMessageStream(context.Background(), engine.SendRequest{ContextID: "c1", Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	go func() {
		time.Sleep(120 * time.Millisecond)
		close(gate)
	}()
	events := drain(t, ch)

	last := events[len(events)-1]
	if last.Status == nil || !last.Status.Final || last.Status.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("last event must be the final status, got %+v", last)
	}
	heartbeats := 0
	for i, ev := range events[:len(events)-1] {
		if ev.Final() {
			t.Fatalf("event %d is final before the end: %+v", i, ev)
		}
		if ev.Status != nil && strings.HasPrefix(ev.Status.Status.Message.Text(), "Still working") {
			heartbeats++
		}
	}
	if heartbeats == 0 {
		t.Fatal("expected at least one heartbeat during the gated step")
	}
	if h.orch.Heartbeats().Active(events[0].Task.ID) {
		t.Fatal("heartbeat must stop with the turn")
	}
	// Heartbeats are status narrations and never part of history.
	task, _ := h.tasks.GetTask(context.Background(), events[0].Task.ID, nil)
	for _, msg := range task.History {
		if strings.HasPrefix(msg.Text(), "Still working") {
			t.Fatalf("heartbeat leaked into history: %+v", msg)
		}
	}
}
