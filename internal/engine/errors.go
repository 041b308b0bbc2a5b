package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/brycewcole/capsule-agents-sub000/internal/model"
)

var (
	// ErrInvalidContext is returned for a client-supplied context id that
	// does not exist.
	ErrInvalidContext = errors.New("invalid context")
	// ErrUnmatchedToolCall is returned when a model step's tool calls and
	// results do not pair up by id.
	ErrUnmatchedToolCall = errors.New("tool call without matching result")
)

// ErrorClass groups provider failures for user-facing messages.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// errorClasses are tried in order; the first class with a matching needle
// wins. Needles are lower case.
var errorClasses = []struct {
	class   ErrorClass
	needles []string
	message string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "permission denied"},
		"The model provider rejected the agent's credentials."},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted", "overloaded"},
		"The model provider is rate limiting requests. Please try again shortly."},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"},
		"The request timed out before the agent finished."},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"},
		"The model provider account has a billing problem."},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "context window", "maximum context", "token limit", "max tokens", "prompt is too long"},
		"The conversation is too long for the model to process."},
}

// ClassifyError matches err's message against known provider phrasings.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, c := range errorClasses {
		for _, n := range c.needles {
			if strings.Contains(msg, n) {
				return c.class
			}
		}
	}
	return ErrorClassUnknown
}

// SanitizeError turns a turn failure into text safe to show a user. Raw
// provider messages, tool output and stack traces never pass through.
func SanitizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "The request was canceled before the agent finished."
	case errors.Is(err, ErrUnmatchedToolCall):
		return "The model returned an inconsistent tool call, so the task was stopped."
	case errors.Is(err, model.ErrNotConfigured):
		return "The agent's model provider is not configured."
	}
	class := ClassifyError(err)
	for _, c := range errorClasses {
		if c.class == class {
			return c.message
		}
	}
	return "The agent encountered an error while processing the request."
}
