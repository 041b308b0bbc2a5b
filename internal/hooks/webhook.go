package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

// WebhookSink POSTs the payload as JSON to hook.URL.
type WebhookSink struct {
	Client *http.Client
}

func (s WebhookSink) Deliver(ctx context.Context, hook config.HookConfig, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return post(ctx, s.Client, hook, body)
}

// PushSink delivers the A2A push notification: the task itself, with the
// registered bearer token.
type PushSink struct {
	Client *http.Client
}

func (s PushSink) Deliver(ctx context.Context, hook config.HookConfig, p Payload) error {
	var doc any = p.Task
	if p.Task == nil {
		doc = p
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	return post(ctx, s.Client, hook, body)
}

func post(ctx context.Context, client *http.Client, hook config.HookConfig, body []byte) error {
	if hook.URL == "" {
		return fmt.Errorf("%s hook: url is required", hook.Type)
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Capsule/0.3")
	if id := shared.TraceID(ctx); id != "-" {
		req.Header.Set(shared.HeaderTraceID, id)
	}
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", shared.Redact(hook.URL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: HTTP %d: %s", shared.Redact(hook.URL), resp.StatusCode, shared.Truncate(string(snippet), 200))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
