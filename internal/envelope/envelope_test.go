package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestReadValidEvent(t *testing.T) {
	input := `{"hook_event_name":"PreToolUse","session_id":"s1","tool_name":"Bash","tool_input":{"command":"ls"}}`
	evt, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.HookEventName != EventPreToolUse || evt.SessionID != "s1" || evt.ToolName != "Bash" {
		t.Fatalf("unexpected decode: %+v", evt)
	}
}

func TestReadUnknownFieldsTolerated(t *testing.T) {
	input := `{"hook_event_name":"SessionStart","session_id":"s1","something_new":"x"}`
	if _, err := Read(strings.NewReader(input)); err != nil {
		t.Fatalf("unexpected error for unknown field: %v", err)
	}
}

func TestReadRejectsUnknownEvent(t *testing.T) {
	input := `{"hook_event_name":"BogusEvent","session_id":"s1"}`
	_, err := Read(strings.NewReader(input))
	if err != ErrUnknownEvent {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestReadRejectsOversized(t *testing.T) {
	big := strings.Repeat("a", MaxEventBytes+10)
	input := `{"hook_event_name":"Stop","session_id":"` + big + `"}`
	_, err := Read(strings.NewReader(input))
	if err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestWriteEmptyProducesValidObject(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("stdout not valid JSON: %v", err)
	}
}

func TestMergeStrictestDecisionWins(t *testing.T) {
	responses := []*Response{
		WithDecision(EventPreToolUse, PermissionAllow, "looks fine", ""),
		WithDecision(EventPreToolUse, PermissionDeny, "rm -rf matched", ""),
		WithDecision(EventPreToolUse, PermissionAsk, "needs confirmation", ""),
	}
	merged := Merge(EventPreToolUse, responses)
	if merged.HookSpecificOutput.PermissionDecision != PermissionDeny {
		t.Fatalf("expected deny to win, got %v", merged.HookSpecificOutput.PermissionDecision)
	}
	if merged.HookSpecificOutput.PermissionDecisionReason != "rm -rf matched" {
		t.Fatalf("expected deny's reason to be kept, got %q", merged.HookSpecificOutput.PermissionDecisionReason)
	}
}

func TestMergeConcatenatesContextInOrder(t *testing.T) {
	responses := []*Response{
		WithContext(EventPreCompact, "first"),
		WithContext(EventPreCompact, "second"),
	}
	merged := Merge(EventPreCompact, responses)
	want := "first\n\nsecond"
	if merged.HookSpecificOutput.AdditionalContext != want {
		t.Fatalf("got %q, want %q", merged.HookSpecificOutput.AdditionalContext, want)
	}
}

func TestMergeAllEmptyReturnsEmpty(t *testing.T) {
	merged := Merge(EventStop, nil)
	if merged.HookSpecificOutput != nil {
		t.Fatalf("expected empty response, got %+v", merged)
	}
}
