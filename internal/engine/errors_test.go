package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/brycewcole/capsule-agents-sub000/internal/model"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"401", errors.New("HTTP 401 Unauthorized"), ErrorClassAuth},
		{"invalid api key", errors.New("Invalid API key provided"), ErrorClassAuth},
		{"429", errors.New("429 Too Many Requests"), ErrorClassRateLimit},
		{"quota", errors.New("quota exceeded for project"), ErrorClassRateLimit},
		{"deadline", context.DeadlineExceeded, ErrorClassTimeout},
		{"wrapped deadline", fmt.Errorf("generate: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{"context window", errors.New("input exceeds context window"), ErrorClassContextOverflow},
		{"anthropic overloaded", errors.New("529 overloaded_error"), ErrorClassRateLimit},
		{"gemini exhausted", errors.New("rpc error: code = RESOURCE_EXHAUSTED"), ErrorClassRateLimit},
		{"billing", errors.New("Your credit balance is too low"), ErrorClassBilling},
		{"prompt too long", errors.New("prompt is too long: 210000 tokens"), ErrorClassContextOverflow},
		{"unknown", errors.New("something went wrong"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSanitizeError_HidesDetails(t *testing.T) {
	secret := fmt.Errorf("call provider: %w", errors.New("401: key sk-abc123 rejected"))
	got := SanitizeError(secret)
	if strings.Contains(got, "sk-abc123") || !strings.Contains(got, "credentials") {
		t.Fatalf("SanitizeError = %q", got)
	}

	wrapped := fmt.Errorf("%w: call_9 (web_search)", ErrUnmatchedToolCall)
	if got := SanitizeError(wrapped); strings.Contains(got, "call_9") {
		t.Fatalf("tool call id leaked: %q", got)
	}
	if got := SanitizeError(&model.CallError{Op: "generate", Err: model.ErrNotConfigured}); !strings.Contains(got, "not configured") {
		t.Fatalf("not configured: %q", got)
	}
	if got := SanitizeError(fmt.Errorf("turn: %w", context.Canceled)); !strings.Contains(got, "canceled") {
		t.Fatalf("canceled: %q", got)
	}
	if got := SanitizeError(errors.New("429 too many requests for sk-live")); strings.Contains(got, "sk-live") || !strings.Contains(got, "rate limiting") {
		t.Fatalf("rate limit: %q", got)
	}
	if got := SanitizeError(errors.New("boom")); got == "" || strings.Contains(got, "boom") {
		t.Fatalf("generic: %q", got)
	}
	if SanitizeError(nil) != "" {
		t.Fatal("nil error must sanitize to empty")
	}
}
