package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

func TestAgentInfo_PutAndGet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetAgentInfo(ctx); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("fresh store: expected ErrNotFound, got %v", err)
	}
	if name, params := store.ModelOverrides(ctx); name != "" || params != nil {
		t.Fatalf("fresh overrides = %q %v", name, params)
	}

	if _, err := store.PutAgentInfo(ctx, persistence.AgentInfo{
		Name:            "Research Bot",
		ModelName:       "gemini-2.5-pro",
		ModelParameters: map[string]any{"temperature": 0.3},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.PutAgentInfo(ctx, persistence.AgentInfo{
		Name:        "Research Bot",
		Description: "Finds papers",
		ModelName:   "gemini-2.5-flash",
	}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := store.GetAgentInfo(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Research Bot" || got.Description != "Finds papers" || got.ModelName != "gemini-2.5-flash" {
		t.Fatalf("info = %+v", got)
	}
	if got.ModelParameters != nil {
		t.Fatalf("second put must replace parameters, got %v", got.ModelParameters)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated_at not set")
	}
	if name, _ := store.ModelOverrides(ctx); name != "gemini-2.5-flash" {
		t.Fatalf("override name = %q", name)
	}
}
