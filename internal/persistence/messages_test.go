package persistence_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

func TestMessages_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustContext(t, store, "c1")

	in := persistence.Message{
		ContextID: "c1",
		Role:      a2a.RoleAgent,
		Parts: []a2a.Part{
			a2a.NewTextPart("looking it up"),
			a2a.NewToolCallPart("call-1", "web_search", map[string]any{"query": "go generics"}),
		},
	}
	stored, err := store.AddMessage(ctx, in)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if stored.ID == "" || stored.Kind != persistence.MessageKindContent {
		t.Fatalf("defaults not applied: %+v", stored)
	}

	got, err := store.GetMessage(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != in.Role || got.ContextID != in.ContextID {
		t.Fatalf("role/context mismatch: %+v", got)
	}
	if !reflect.DeepEqual(got.Parts, in.Parts) {
		t.Fatalf("parts mismatch:\n got  %#v\n want %#v", got.Parts, in.Parts)
	}
}

func TestMessages_RequireExistingContext(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.AddMessage(context.Background(), persistence.Message{ContextID: "nope", Role: a2a.RoleUser})
	var se *persistence.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError for missing context, got %v", err)
	}
}

func TestMessages_AppendAdvancesContextUpdatedAt(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	c := mustContext(t, store, "c1")

	ts := c.UpdatedAt.Add(2 * time.Second)
	if _, err := store.AddMessage(ctx, persistence.Message{ContextID: "c1", Role: a2a.RoleUser, Timestamp: ts}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := store.GetContext(ctx, "c1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if got.UpdatedAt.Before(ts.Add(-time.Millisecond)) {
		t.Fatalf("updated_at = %s, want >= %s", got.UpdatedAt, ts)
	}
}

func TestMessages_SameTimestampKeepsInsertionOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustContext(t, store, "c1")

	ts := time.Now()
	var ids []string
	for i := 0; i < 5; i++ {
		m, err := store.AddMessage(ctx, persistence.Message{ContextID: "c1", Role: a2a.RoleUser, Timestamp: ts})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}
	list, err := store.ListContextMessages(ctx, "c1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(ids) {
		t.Fatalf("len = %d", len(list))
	}
	for i := range ids {
		if list[i].ID != ids[i] {
			t.Fatalf("position %d: got %s want %s", i, list[i].ID, ids[i])
		}
	}
}

func TestMessages_TaskAdoptionIsPermanent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustContext(t, store, "c1")
	for _, id := range []string{"t1", "t2"} {
		if _, err := store.CreateTask(ctx, persistence.Task{ID: id, ContextID: "c1"}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	m, err := store.AddMessage(ctx, persistence.Message{ContextID: "c1", Role: a2a.RoleUser})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if n, err := store.SetMessageTaskID(ctx, m.ID, "t1"); err != nil || n != 1 {
		t.Fatalf("adopt: n=%d err=%v", n, err)
	}
	if n, err := store.SetMessageTaskID(ctx, m.ID, "t1"); err != nil || n != 0 {
		t.Fatalf("re-adopt same task: n=%d err=%v", n, err)
	}
	if _, err := store.SetMessageTaskID(ctx, m.ID, "t2"); !errors.Is(err, persistence.ErrMessageAdopted) {
		t.Fatalf("expected ErrMessageAdopted, got %v", err)
	}
	if _, err := store.SetMessageTaskID(ctx, "missing", "t1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessages_HistoryFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustContext(t, store, "c1")
	if _, err := store.CreateTask(ctx, persistence.Task{ID: "t1", ContextID: "c1"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	add := func(m persistence.Message) persistence.Message {
		t.Helper()
		m.ContextID = "c1"
		out, err := store.AddMessage(ctx, m)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		return out
	}
	free := add(persistence.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewTextPart("hi")}})
	owned := add(persistence.Message{Role: a2a.RoleAgent, TaskID: "t1", Parts: []a2a.Part{a2a.NewTextPart("tool")}})
	add(persistence.Message{Role: a2a.RoleAgent, TaskID: "t1", Kind: persistence.MessageKindStatus, Parts: []a2a.Part{a2a.NewTextPart("Using web_search...")}})
	add(persistence.Message{Role: a2a.RoleAgent, TaskID: "t1", Kind: persistence.MessageKindStatus, Parts: []a2a.Part{a2a.NewTextPart("Still searching")}})

	all, err := store.ListContextMessages(ctx, "c1", false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 content messages, got %d", len(all))
	}
	loose, err := store.ListContextMessages(ctx, "c1", true)
	if err != nil {
		t.Fatalf("list loose: %v", err)
	}
	if len(loose) != 1 || loose[0].ID != free.ID {
		t.Fatalf("expected only the free message, got %+v", loose)
	}

	history, err := store.ListTaskMessages(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("task history: %v", err)
	}
	if len(history) != 1 || history[0].ID != owned.ID {
		t.Fatalf("unexpected task history: %+v", history)
	}

	texts, err := store.ListTaskStatusTexts(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("status texts: %v", err)
	}
	if len(texts) != 1 || texts[0] != "Still searching" {
		t.Fatalf("status texts = %v", texts)
	}
}

func TestMessages_TaskHistoryLimitKeepsMostRecent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustContext(t, store, "c1")
	if _, err := store.CreateTask(ctx, persistence.Task{ID: "t1", ContextID: "c1"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	base := time.Now()
	for i := 0; i < 4; i++ {
		_, err := store.AddMessage(ctx, persistence.Message{
			ContextID: "c1", TaskID: "t1", Role: a2a.RoleAgent,
			Parts:     []a2a.Part{a2a.NewTextPart(string(rune('a' + i)))},
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	got, err := store.ListTaskMessages(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ToA2A().Text() != "c" || got[1].ToA2A().Text() != "d" {
		t.Fatalf("unexpected limited history: %+v", got)
	}
}
