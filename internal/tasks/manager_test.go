package tasks_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/tasks"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return 1
}

func newManager(t *testing.T) (*tasks.Manager, *persistence.Store, *recordingPublisher) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "capsule.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.CreateContext(context.Background(), "c1", nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	pub := &recordingPublisher{}
	return tasks.NewManager(store, pub, nil), store, pub
}

func TestCreateTask_StartsSubmitted(t *testing.T) {
	m, _, _ := newManager(t)
	task, err := m.CreateTask(context.Background(), "c1", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status.State != a2a.TaskStateSubmitted || task.Kind != a2a.KindTask || task.ContextID != "c1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(task.History) != 0 {
		t.Fatalf("expected empty history")
	}
	other, err := m.CreateTask(context.Background(), "c1", nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if other.ID == task.ID {
		t.Fatal("task ids must be unique")
	}
	if other.ID < task.ID {
		t.Fatalf("task ids should be time ordered: %s then %s", task.ID, other.ID)
	}
}

func TestTransitionState_StatusTextAndFinal(t *testing.T) {
	m, store, pub := newManager(t)
	ctx := context.Background()
	task, _ := m.CreateTask(ctx, "c1", nil)

	ev, err := m.TransitionState(ctx, task, a2a.TaskStateWorking, "Using web_search...")
	if err != nil {
		t.Fatalf("working: %v", err)
	}
	if ev.Final || ev.Status.State != a2a.TaskStateWorking || ev.Status.Message == nil {
		t.Fatalf("unexpected working event: %+v", ev)
	}
	if ev.Status.Message.Text() != "Using web_search..." || ev.Status.Message.Role != a2a.RoleAgent {
		t.Fatalf("status message = %+v", ev.Status.Message)
	}

	ev, err = m.TransitionState(ctx, task, a2a.TaskStateCompleted, "all done")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if !ev.Final || task.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("expected final completed event: %+v", ev)
	}

	texts, err := store.ListTaskStatusTexts(ctx, task.ID, 5)
	if err != nil {
		t.Fatalf("status texts: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("expected 2 stored status texts, got %v", texts)
	}
	history, _ := store.ListTaskMessages(ctx, task.ID, 0)
	if len(history) != 0 {
		t.Fatalf("status messages must not appear in history: %+v", history)
	}

	if len(pub.topics) != 2 || pub.topics[0] != bus.TopicTaskStatus {
		t.Fatalf("published topics = %v", pub.topics)
	}
}

func TestTransitionState_TerminalIsFinal(t *testing.T) {
	for _, terminal := range []a2a.TaskState{a2a.TaskStateCompleted, a2a.TaskStateFailed, a2a.TaskStateCanceled, a2a.TaskStateRejected} {
		t.Run(string(terminal), func(t *testing.T) {
			m, _, _ := newManager(t)
			ctx := context.Background()
			task, _ := m.CreateTask(ctx, "c1", nil)
			if _, err := m.TransitionState(ctx, task, a2a.TaskStateWorking, ""); err != nil {
				t.Fatalf("working: %v", err)
			}
			if _, err := m.TransitionState(ctx, task, terminal, ""); err != nil {
				t.Fatalf("to %s: %v", terminal, err)
			}
			for _, next := range []a2a.TaskState{a2a.TaskStateWorking, a2a.TaskStateCompleted, a2a.TaskStateCanceled, a2a.TaskStateFailed} {
				if _, err := m.TransitionState(ctx, task, next, ""); !errors.Is(err, tasks.ErrInvalidState) {
					t.Fatalf("%s -> %s: expected ErrInvalidState, got %v", terminal, next, err)
				}
			}
		})
	}
}

func TestTransitionState_UsesPersistedState(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	task, _ := m.CreateTask(ctx, "c1", nil)
	stale := *task

	if _, _, err := m.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// The stale copy still says submitted; the store says canceled.
	if _, err := m.TransitionState(ctx, &stale, a2a.TaskStateWorking, ""); !errors.Is(err, tasks.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from stale copy, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	task, _ := m.CreateTask(ctx, "c1", nil)
	_, _ = m.TransitionState(ctx, task, a2a.TaskStateWorking, "")

	canceled, ev, err := m.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status.State != a2a.TaskStateCanceled || !ev.Final {
		t.Fatalf("unexpected cancel result: %+v %+v", canceled.Status, ev)
	}

	if _, _, err := m.CancelTask(ctx, "nope"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancelTask_TerminalIsErrorNotChange(t *testing.T) {
	for _, terminal := range []a2a.TaskState{a2a.TaskStateCompleted, a2a.TaskStateFailed, a2a.TaskStateCanceled} {
		t.Run(string(terminal), func(t *testing.T) {
			m, _, _ := newManager(t)
			ctx := context.Background()
			task, _ := m.CreateTask(ctx, "c1", nil)
			_, _ = m.TransitionState(ctx, task, a2a.TaskStateWorking, "")
			if _, err := m.TransitionState(ctx, task, terminal, "end"); err != nil {
				t.Fatalf("to %s: %v", terminal, err)
			}
			before, _ := m.GetTask(ctx, task.ID, nil)

			if _, _, err := m.CancelTask(ctx, task.ID); !errors.Is(err, tasks.ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			after, _ := m.GetTask(ctx, task.ID, nil)
			if after.Status.State != terminal || after.Status.Timestamp != before.Status.Timestamp {
				t.Fatalf("terminal task changed: before=%+v after=%+v", before.Status, after.Status)
			}
		})
	}
}

func TestHistory_AdoptionAndDerivedHistory(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	userMsg, err := store.AddMessage(ctx, persistence.Message{ContextID: "c1", Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewTextPart("search X")}})
	if err != nil {
		t.Fatalf("add user msg: %v", err)
	}
	task, _ := m.CreateTask(ctx, "c1", nil)
	if err := m.AddExistingMessageToHistory(ctx, task, userMsg.ToA2A()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if _, err := m.AddMessageToHistory(ctx, task, a2a.NewMessage("", a2a.RoleAgent, a2a.NewToolCallPart("c-1", "web_search", nil))); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.History) != 2 || got.History[0].MessageID != userMsg.ID || got.History[1].TaskID != task.ID {
		t.Fatalf("unexpected history: %+v", got.History)
	}

	one := 1
	got, _ = m.GetTask(ctx, task.ID, &one)
	if len(got.History) != 1 || got.History[0].Role != a2a.RoleAgent {
		t.Fatalf("historyLength=1 should keep the latest message: %+v", got.History)
	}
	zero := 0
	got, _ = m.GetTask(ctx, task.ID, &zero)
	if len(got.History) != 0 {
		t.Fatalf("historyLength=0 should return no history")
	}
}

func TestAddExistingMessage_Validation(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	if _, err := store.CreateContext(ctx, "c2", nil); err != nil {
		t.Fatalf("create c2: %v", err)
	}
	task, _ := m.CreateTask(ctx, "c1", nil)
	foreign, _ := store.AddMessage(ctx, persistence.Message{ContextID: "c2", Role: a2a.RoleUser})

	if err := m.AddExistingMessageToHistory(ctx, task, foreign.ToA2A()); err == nil {
		t.Fatal("expected context mismatch error")
	}
	noID := a2a.NewMessage("", a2a.RoleUser)
	noID.ContextID = "c1"
	if err := m.AddExistingMessageToHistory(ctx, task, noID); err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestCreateArtifact_PublishesEvent(t *testing.T) {
	m, _, pub := newManager(t)
	ctx := context.Background()
	task, _ := m.CreateTask(ctx, "c1", nil)

	ev, err := m.CreateArtifact(ctx, task, a2a.Artifact{Name: "turn-summary", Parts: []a2a.Part{a2a.NewTextPart("sum")}})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if ev.Kind != a2a.KindArtifactUpdate || ev.Artifact.ArtifactID == "" || ev.TaskID != task.ID {
		t.Fatalf("unexpected artifact event: %+v", ev)
	}
	if pub.topics[len(pub.topics)-1] != bus.TopicTaskArtifact {
		t.Fatalf("artifact event not published: %v", pub.topics)
	}
	got, _ := m.GetTask(ctx, task.ID, nil)
	if len(got.Artifacts) != 1 || got.Artifacts[0].Name != "turn-summary" {
		t.Fatalf("artifacts = %+v", got.Artifacts)
	}
}

func TestCanTransition_Table(t *testing.T) {
	cases := []struct {
		from, to a2a.TaskState
		want     bool
	}{
		{a2a.TaskStateSubmitted, a2a.TaskStateWorking, true},
		{a2a.TaskStateSubmitted, a2a.TaskStateCompleted, false},
		{a2a.TaskStateWorking, a2a.TaskStateInputRequired, true},
		{a2a.TaskStateInputRequired, a2a.TaskStateWorking, true},
		{a2a.TaskStateInputRequired, a2a.TaskStateCompleted, false},
		{a2a.TaskStateAuthRequired, a2a.TaskStateCanceled, true},
		{a2a.TaskStateCompleted, a2a.TaskStateWorking, false},
		{a2a.TaskStateCanceled, a2a.TaskStateCanceled, false},
	}
	for _, tc := range cases {
		if got := tasks.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
