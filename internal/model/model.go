// Package model defines the step-oriented contract the orchestrator uses to
// drive a language model, and a genkit-backed implementation of it.
package model

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

// DefaultMaxSteps bounds model/tool round trips when a Request leaves
// MaxSteps unset.
const DefaultMaxSteps = 10

// ErrNotConfigured is returned when no provider credentials are available.
var ErrNotConfigured = errors.New("model provider not configured")

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input,omitempty"`
}

// ToolResult is the output of a ToolCall, matched by ID.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output any    `json:"output,omitempty"`
}

// Step is one model round trip. A Step with Finish set is always last and
// carries the final reply in Text.
type Step struct {
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Finish      bool
}

// Request is the input of one turn.
type Request struct {
	SystemPrompt string
	History      []a2a.Message
	// Tools names the tools the model may call; empty means none.
	Tools    []string
	MaxSteps int
	// Model replaces the configured model for this request. A name without
	// a plugin prefix is qualified with the provider's.
	Model string
	// Params is handed to the provider as generation config.
	Params map[string]any
}

// Model runs turns and writes short narrations.
type Model interface {
	// Run yields steps in order. A non-nil error ends the sequence.
	Run(ctx context.Context, req Request) iter.Seq2[Step, error]
	// Summarize returns a single completion for prompt without tools.
	Summarize(ctx context.Context, prompt string) (string, error)
}

// CallError wraps any failure of the model provider.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func callErr(op string, err error) error {
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Op: op, Err: err}
}

// ToolNames returns the distinct tool names of calls in first-use order.
func ToolNames(calls []ToolCall) []string {
	seen := make(map[string]bool, len(calls))
	var out []string
	for _, c := range calls {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c.Name)
	}
	return out
}
