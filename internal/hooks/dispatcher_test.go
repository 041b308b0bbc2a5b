package hooks_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/hooks"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/safety"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "capsule.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recordingSink struct {
	mu       sync.Mutex
	payloads []hooks.Payload
	hooks    []config.HookConfig
}

func (s *recordingSink) Deliver(_ context.Context, h config.HookConfig, p hooks.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	s.hooks = append(s.hooks, h)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type panicSink struct{}

func (panicSink) Deliver(context.Context, config.HookConfig, hooks.Payload) error {
	panic("sink exploded")
}

type errSink struct{}

func (errSink) Deliver(context.Context, config.HookConfig, hooks.Payload) error {
	return errors.New("broker down")
}

// blockingSink waits until its context ends.
type blockingSink struct{}

func (blockingSink) Deliver(ctx context.Context, _ config.HookConfig, _ hooks.Payload) error {
	<-ctx.Done()
	return ctx.Err()
}

func boolPtr(b bool) *bool { return &b }

func TestDispatch_FailuresAreIsolated(t *testing.T) {
	good := &recordingSink{}
	d := hooks.New(hooks.Options{
		AgentHooks: func() []config.HookConfig {
			return []config.HookConfig{
				{Type: "panic"},
				{Type: "err"},
				{Type: "slow", TimeoutSeconds: 1},
				{Type: "good"},
				{Type: "missing"},
			}
		},
		Sinks: map[string]hooks.Sink{
			"panic": panicSink{},
			"err":   errSink{},
			"slow":  blockingSink{},
			"good":  good,
		},
	})

	start := time.Now()
	d.Dispatch(context.Background(), hooks.TaskEvent{TaskID: "t1", ContextID: "c1", State: a2a.TaskStateCompleted, Text: "done"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("Dispatch must not block the caller")
	}
	d.Wait()

	if good.count() != 1 {
		t.Fatalf("good sink deliveries = %d, want 1", good.count())
	}
	p := good.payloads[0]
	if p.Event != hooks.EventTaskCompleted || p.TaskID != "t1" || p.State != "completed" || p.Text != "done" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestDispatch_CanceledCallerStillDelivers(t *testing.T) {
	good := &recordingSink{}
	d := hooks.New(hooks.Options{
		AgentHooks: func() []config.HookConfig { return []config.HookConfig{{Type: "good"}} },
		Sinks:      map[string]hooks.Sink{"good": good},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, hooks.TaskEvent{ContextID: "c1", State: a2a.TaskStateCompleted})
	d.Wait()
	if good.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", good.count())
	}
}

func TestDispatch_WarnsOnCredentialsButDelivers(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	good := &recordingSink{}
	d := hooks.New(hooks.Options{
		AgentHooks: func() []config.HookConfig { return []config.HookConfig{{Type: "good"}} },
		Sinks:      map[string]hooks.Sink{"good": good},
		Logger:     logger,
		Leaks:      safety.NewLeakDetector(),
	})
	d.Dispatch(context.Background(), hooks.TaskEvent{ContextID: "c1", State: a2a.TaskStateCompleted, Text: "your key is sk-abcdefghijklmnopqrstuvwxyz"})
	d.Wait()

	if good.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", good.count())
	}
	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if !strings.Contains(out, "may contain credentials") || !strings.Contains(out, "openai/anthropic key") {
		t.Fatalf("expected credential warning, got %s", out)
	}
	if strings.Contains(out, "mnopqrstuvwxyz") {
		t.Fatal("warning must not log the secret")
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestCollect_AllLevelsFilteredByEnabled(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := store.CreateContext(ctx, "c1", map[string]any{
		hooks.ContextMetadataHooks: []map[string]any{
			{"type": "webhook", "url": "http://context.example"},
			{"type": "redis", "enabled": false},
		},
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	sc, err := store.CreateSchedule(ctx, persistence.Schedule{
		Name:     "daily",
		Prompt:   "report",
		CronExpr: "0 9 * * *",
		Enabled:  true,
		Hooks:    []config.HookConfig{{Type: "telegram", ChatID: 42}},
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if _, err := store.CreateTask(ctx, persistence.Task{ID: "t1", ContextID: "c1", State: a2a.TaskStateCompleted, StatusTimestamp: time.Now()}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.SetPushConfig(ctx, persistence.PushConfig{TaskID: "t1", URL: "http://push.example", Token: "tok"}); err != nil {
		t.Fatalf("set push config: %v", err)
	}

	d := hooks.New(hooks.Options{
		Store: store,
		AgentHooks: func() []config.HookConfig {
			return []config.HookConfig{
				{Type: "webhook", URL: "http://agent.example"},
				{Type: "rabbitmq", Enabled: boolPtr(false)},
			}
		},
	})
	got := d.Collect(ctx, hooks.TaskEvent{TaskID: "t1", ContextID: "c1", ScheduleID: sc.ID})

	var types []string
	for _, h := range got {
		types = append(types, h.Type)
	}
	want := "webhook,webhook,telegram,push"
	if strings.Join(types, ",") != want {
		t.Fatalf("collected %v, want %s", types, want)
	}
	if got[0].URL != "http://agent.example" || got[1].URL != "http://context.example" {
		t.Fatalf("agent hooks must precede context hooks: %+v", got)
	}
	if got[3].Headers["Authorization"] != "Bearer tok" {
		t.Fatalf("push hook missing bearer token: %+v", got[3])
	}
}

func TestCollect_DirectAnswerSkipsTaskHooks(t *testing.T) {
	store := openStore(t)
	if _, err := store.CreateContext(context.Background(), "c1", nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	d := hooks.New(hooks.Options{Store: store})
	if got := d.Collect(context.Background(), hooks.TaskEvent{ContextID: "c1"}); len(got) != 0 {
		t.Fatalf("expected no hooks, got %+v", got)
	}
}

func TestWebhookSink_PostsJSONWithHeaders(t *testing.T) {
	var (
		gotAuth string
		gotBody hooks.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Hook-Secret")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := hooks.WebhookSink{}.Deliver(context.Background(),
		config.HookConfig{Type: "webhook", URL: srv.URL, Headers: map[string]string{"X-Hook-Secret": "s3"}},
		hooks.Payload{Event: hooks.EventTaskCompleted, ContextID: "c1", State: "completed", Text: "hi"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotAuth != "s3" || gotBody.Text != "hi" || gotBody.ContextID != "c1" {
		t.Fatalf("server saw header=%q body=%+v", gotAuth, gotBody)
	}
}

func TestWebhookSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := hooks.WebhookSink{}.Deliver(context.Background(), config.HookConfig{Type: "webhook", URL: srv.URL}, hooks.Payload{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected HTTP 502 error, got %v", err)
	}
	if err := (hooks.WebhookSink{}).Deliver(context.Background(), config.HookConfig{Type: "webhook"}, hooks.Payload{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestPushSink_SendsTaskWithBearer(t *testing.T) {
	var (
		auth string
		task a2a.Task
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&task)
	}))
	defer srv.Close()

	in := &a2a.Task{Kind: a2a.KindTask, ID: "t1", ContextID: "c1", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}
	err := hooks.PushSink{}.Deliver(context.Background(),
		config.HookConfig{Type: hooks.TypePush, URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}},
		hooks.Payload{TaskID: "t1", Task: in})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if auth != "Bearer tok" || task.ID != "t1" || task.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("auth=%q task=%+v", auth, task)
	}
}

func TestTelegramSink_SendsToChat(t *testing.T) {
	var (
		mu     sync.Mutex
		chatID string
		text   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"capsule","username":"capsule_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			mu.Lock()
			chatID, text = r.Form.Get("chat_id"), r.Form.Get("text")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sink := hooks.NewTelegramSink(config.TelegramConfig{Token: "123:abc", DefaultChatID: 42})
	sink.Endpoint = srv.URL + "/bot%s/%s"
	err := sink.Deliver(context.Background(), config.HookConfig{Type: hooks.TypeTelegram},
		hooks.Payload{TaskID: "t1", State: "completed", Text: "report ready"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chatID != "42" || !strings.Contains(text, "report ready") || !strings.Contains(text, "t1") {
		t.Fatalf("chat_id=%q text=%q", chatID, text)
	}
}

func TestBrokerSinks_RequireConfiguration(t *testing.T) {
	ctx := context.Background()
	if err := hooks.NewRedisSink(config.RedisConfig{}).Deliver(ctx, config.HookConfig{Type: hooks.TypeRedis}, hooks.Payload{}); err == nil {
		t.Fatal("redis sink without address should fail")
	}
	if err := hooks.NewRabbitMQSink(config.RabbitMQConfig{}).Deliver(ctx, config.HookConfig{Type: hooks.TypeRabbitMQ}, hooks.Payload{}); err == nil {
		t.Fatal("rabbitmq sink without url should fail")
	}
	if err := hooks.NewTelegramSink(config.TelegramConfig{}).Deliver(ctx, config.HookConfig{Type: hooks.TypeTelegram, ChatID: 1}, hooks.Payload{}); err == nil {
		t.Fatal("telegram sink without token should fail")
	}
}

func TestSinks_MapCoversEveryType(t *testing.T) {
	s := hooks.NewSinks(config.Config{})
	defer s.Close()
	m := s.Map()
	for _, typ := range []string{hooks.TypeWebhook, hooks.TypePush, hooks.TypeRedis, hooks.TypeRabbitMQ, hooks.TypeTelegram} {
		if m[typ] == nil {
			t.Errorf("no sink for %s", typ)
		}
	}
}
