package a2a

import (
	"encoding/json"
	"testing"
)

func TestTaskState_IsTerminal(t *testing.T) {
	terminal := map[TaskState]bool{
		TaskStateSubmitted:     false,
		TaskStateWorking:       false,
		TaskStateInputRequired: false,
		TaskStateAuthRequired:  false,
		TaskStateUnknown:       false,
		TaskStateCompleted:     true,
		TaskStateCanceled:      true,
		TaskStateFailed:        true,
		TaskStateRejected:      true,
	}
	for state, want := range terminal {
		if got := state.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", state, got, want)
		}
	}
	if TaskState("bogus").Valid() {
		t.Fatal("unexpected valid state")
	}
}

func TestMessage_TextJoinsTextParts(t *testing.T) {
	m := NewMessage("m1", RoleAgent,
		NewTextPart("hello "),
		NewToolCallPart("c1", "web_search", map[string]any{"q": "x"}),
		NewTextPart("world"),
	)
	if got := m.Text(); got != "hello world" {
		t.Fatalf("Text() = %q", got)
	}
	if m.Parts[1].DataType() != DataTypeToolCall {
		t.Fatalf("DataType() = %q", m.Parts[1].DataType())
	}
	if m.Parts[0].DataType() != "" {
		t.Fatal("text part should have no data type")
	}
}

func TestErrorResponse_OmitsResult(t *testing.T) {
	raw, err := json.Marshal(NewErrorResponse(7, ErrCodeTaskNotFound, "task not found"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["result"]; ok {
		t.Fatalf("result should be omitted: %s", raw)
	}
	errObj := out["error"].(map[string]any)
	if errObj["code"].(float64) != ErrCodeTaskNotFound {
		t.Fatalf("code = %v", errObj["code"])
	}
}
