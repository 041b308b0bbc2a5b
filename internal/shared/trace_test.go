package shared

import (
	"context"
	"testing"
)

func TestTurnValues(t *testing.T) {
	bare := context.Background()
	if TraceID(bare) != "-" || TaskID(bare) != "" || ContextID(bare) != "" || ScheduleID(bare) != "" || AgentHop(bare) != 0 {
		t.Fatal("bare context should carry only defaults")
	}

	ctx := WithAgentHop(WithScheduleID(WithContextID(WithTaskID(WithTraceID(bare, "tr"), "t1"), "c1"), "s1"), 2)
	got := []string{TraceID(ctx), TaskID(ctx), ContextID(ctx), ScheduleID(ctx)}
	want := []string{"tr", "t1", "c1", "s1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d = %q, want %q", i, got[i], want[i])
		}
	}
	if AgentHop(ctx) != 2 {
		t.Fatalf("hop = %d", AgentHop(ctx))
	}
}

func TestTraceID_EmptyFallsBack(t *testing.T) {
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("got %q", got)
	}
}

func TestKeysDoNotCollide(t *testing.T) {
	ctx := WithTaskID(context.Background(), "same")
	if ContextID(ctx) != "" || ScheduleID(ctx) != "" {
		t.Fatal("task id leaked into another key")
	}
	if a, b := NewTraceID(), NewTraceID(); a == b || len(a) != 36 {
		t.Fatalf("trace ids %q %q", a, b)
	}
}
