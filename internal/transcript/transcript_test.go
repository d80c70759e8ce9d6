package transcript

import (
	"strings"
	"testing"
)

func TestParseAssistantPlainStringContent(t *testing.T) {
	line := `{"message":{"role":"assistant","content":"hello there"}}`
	records, err := Parse(strings.NewReader(line), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindAssistantText || records[0].Text != "hello there" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestParseConcatenatesTextBlocks(t *testing.T) {
	line := `{"message":{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}}`
	records, err := Parse(strings.NewReader(line), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 || records[0].Text != "part one\npart two" {
		t.Fatalf("expected concatenated text, got %+v", records)
	}
}

func TestParseToolUseAndToolResult(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u1","name":"TaskCreate","input":{"subject":"OAuth"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u1","content":"{\"taskId\":\"7\"}"}]}}`,
	}
	records, err := Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}
	if records[0].Kind != KindToolUse || records[0].ToolName != "TaskCreate" || records[0].ToolUseID != "u1" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Kind != KindToolResult || records[1].ToolUseID != "u1" || records[1].Text != `{"taskId":"7"}` {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestParseSkipsUnparseableLinesWithoutFailing(t *testing.T) {
	lines := []string{
		`not json at all`,
		`{"message":{"role":"assistant","content":"valid line"}}`,
	}
	records, err := Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 || records[0].Text != "valid line" {
		t.Fatalf("expected only the valid line parsed, got %+v", records)
	}
}

func TestParseToolResultWithNestedTextBlocks(t *testing.T) {
	line := `{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u2","content":[{"type":"text","text":"result line 1"},{"type":"text","text":"result line 2"}]}]}}`
	records, err := Parse(strings.NewReader(line), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 || records[0].Text != "result line 1\nresult line 2" {
		t.Fatalf("unexpected nested tool_result text: %+v", records)
	}
}

func TestBuildRegistryCorrelatesTaskCreateToolResultAndUpdate(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u1","name":"TaskCreate","input":{"subject":"OAuth"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u1","content":"{\"taskId\":\"7\"}"}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u2","name":"TaskUpdate","input":{"taskId":"7","status":"completed"}}]}}`,
	}
	records, err := Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	registry := BuildRegistry(records)
	if len(registry) != 1 {
		t.Fatalf("expected exactly 1 registry entry, got %d: %+v", len(registry), registry)
	}
	entry, ok := registry["7"]
	if !ok {
		t.Fatalf("expected task 7 in registry, got %+v", registry)
	}
	if entry.Subject != "OAuth" || entry.Status != StatusCompleted {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.CompletedAtTurn != 3 {
		t.Fatalf("expected completed at turn 3, got %d", entry.CompletedAtTurn)
	}
}

func TestBuildRegistryFallsBackToToolUseIDWhenBodyNotJSON(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u1","name":"TaskCreate","input":{"subject":"Cleanup"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u1","content":"not json"}]}}`,
	}
	records, err := Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	registry := BuildRegistry(records)
	entry, ok := registry["u1"]
	if !ok {
		t.Fatalf("expected fallback entry keyed by tool_use_id, got %+v", registry)
	}
	if entry.Subject != "Cleanup" {
		t.Fatalf("unexpected subject: %+v", entry)
	}
}

func TestBuildRegistryOnlyCountsMatchedPairs(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u1","name":"TaskCreate","input":{"subject":"A"}}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u2","name":"TaskCreate","input":{"subject":"B"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u1","content":"{\"taskId\":\"1\"}"}]}}`,
	}
	records, err := Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	registry := BuildRegistry(records)
	if len(registry) != 1 {
		t.Fatalf("expected exactly 1 matched entry (u2 has no tool_result), got %d: %+v", len(registry), registry)
	}
}

func TestBuildRegistryIgnoresUpdateForUnknownTask(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u9","name":"TaskUpdate","input":{"taskId":"404","status":"completed"}}]}}`,
	}
	records, err := Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	registry := BuildRegistry(records)
	if len(registry) != 0 {
		t.Fatalf("expected empty registry, got %+v", registry)
	}
}
