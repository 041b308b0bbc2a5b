package shared

import (
	"context"

	"github.com/google/uuid"
)

// HeaderTraceID propagates the trace id across agent calls.
const HeaderTraceID = "X-Trace-ID"

// ctxKey indexes the per-turn identifiers carried on a context.
type ctxKey uint8

const (
	keyTrace ctxKey = iota
	keyTask
	keyContext
	keySchedule
	keyHop
)

func lookup[T any](ctx context.Context, k ctxKey) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

// NewTraceID returns a fresh random trace id.
func NewTraceID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTrace, id)
}

// TraceID is "-" on a context that never had one, so log lines stay aligned.
func TraceID(ctx context.Context) string {
	if id, ok := lookup[string](ctx, keyTrace); ok && id != "" {
		return id
	}
	return "-"
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTask, id)
}

func TaskID(ctx context.Context) string {
	id, _ := lookup[string](ctx, keyTask)
	return id
}

// WithContextID tags ctx with the A2A conversation it serves.
func WithContextID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyContext, id)
}

func ContextID(ctx context.Context) string {
	id, _ := lookup[string](ctx, keyContext)
	return id
}

// WithScheduleID marks a turn started by the scheduler rather than a client.
func WithScheduleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keySchedule, id)
}

func ScheduleID(ctx context.Context) string {
	id, _ := lookup[string](ctx, keySchedule)
	return id
}

// WithAgentHop records how many agent-to-agent calls led to this turn.
// Zero means the request came from a person or the scheduler.
func WithAgentHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, keyHop, hop)
}

func AgentHop(ctx context.Context) int {
	hop, _ := lookup[int](ctx, keyHop)
	return hop
}
