package compaction

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/hookrt/internal/transcript"
)

func TestShouldCheckColdTasksThrottling(t *testing.T) {
	if ShouldCheckColdTasks(0, 9, 10) {
		t.Fatal("expected no check before check_frequency elapses")
	}
	if !ShouldCheckColdTasks(0, 10, 10) {
		t.Fatal("expected check once check_frequency elapses")
	}
}

func oauthTranscript() []transcript.Record {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u1","name":"TaskCreate","input":{"subject":"Migrate DB"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u1","content":"{\"taskId\":\"7\"}"}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u2","name":"Edit","input":{"file_path":"db/migrate.go"}}]}}`,
		`{"message":{"role":"assistant","content":"we decided to switch to a column-based migration instead of a full rewrite"}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u3","name":"Bash","input":{"command":"go test ./..."}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u3","content":"ok"}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u4","name":"TaskUpdate","input":{"taskId":"7","status":"completed"}}]}}`,
	}
	records, err := transcript.Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return records
}

func TestDetectColdTasksRespectsAgeAndMessageCount(t *testing.T) {
	t.Helper()
	records := parseOrFail(t, oauthTranscript)
	registry := transcript.BuildRegistry(records)

	entry := registry["7"]
	if entry == nil {
		t.Fatalf("expected task 7 in registry, got %+v", registry)
	}

	// Not yet cold: not enough turns since completion.
	cold := DetectColdTasks(registry, records, entry.CompletedAtTurn+1, 20, 5)
	if len(cold) != 0 {
		t.Fatalf("expected no cold tasks before turns_until_cold elapses, got %v", cold)
	}

	cold = DetectColdTasks(registry, records, entry.CompletedAtTurn+20, 20, 5)
	if len(cold) != 1 || cold[0] != "7" {
		t.Fatalf("expected task 7 to be cold, got %v", cold)
	}
}

func TestDetectColdTasksSkipsShortRanges(t *testing.T) {
	records := parseOrFail(t, oauthTranscript)
	registry := transcript.BuildRegistry(records)
	entry := registry["7"]

	cold := DetectColdTasks(registry, records, entry.CompletedAtTurn+50, 20, 100)
	if len(cold) != 0 {
		t.Fatalf("expected no cold tasks when min message count can't be met, got %v", cold)
	}
}

func parseOrFail(t *testing.T, build func() []transcript.Record) []transcript.Record {
	t.Helper()
	return build()
}

func TestBuildColdTaskSummaryMinesEvidence(t *testing.T) {
	records := parseOrFail(t, oauthTranscript)
	registry := transcript.BuildRegistry(records)
	entry := registry["7"]

	summary := BuildColdTaskSummary("session-a", "7", records, entry)
	if summary.Subject != "Migrate DB" {
		t.Fatalf("unexpected subject: %q", summary.Subject)
	}
	if len(summary.FilesModified) != 1 || summary.FilesModified[0] != "db/migrate.go" {
		t.Fatalf("unexpected files modified: %v", summary.FilesModified)
	}
	if len(summary.CommandsRun) != 1 || summary.CommandsRun[0] != "go test ./..." {
		t.Fatalf("unexpected commands run: %v", summary.CommandsRun)
	}
	if len(summary.KeyOutcomes) != 1 || !strings.Contains(summary.KeyOutcomes[0], "instead of") {
		t.Fatalf("unexpected key outcomes: %v", summary.KeyOutcomes)
	}
}

func TestSaveAndLoadColdTaskSummaryRoundTrips(t *testing.T) {
	root := t.TempDir()
	s := &ColdTaskSummary{SessionID: "session-a", TaskID: "7", Subject: "Migrate DB"}
	if err := SaveColdTaskSummary(root, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := LoadColdTaskSummary(root, "session-a", "7")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded.Subject != "Migrate DB" {
		t.Fatalf("unexpected loaded subject: %q", loaded.Subject)
	}
}

func TestSummaryPathIsDeterministic(t *testing.T) {
	a := SummaryPath("/root/.claude", "session-a", "7")
	b := SummaryPath("/root/.claude", "session-a", "7")
	if a != b {
		t.Fatalf("expected deterministic path, got %q vs %q", a, b)
	}
	if filepath.Base(filepath.Dir(a)) != "compressed_context" {
		t.Fatalf("expected compressed_context directory, got %q", a)
	}
}

func TestBuildPreservationBlockContainsAllSections(t *testing.T) {
	records := parseOrFail(t, oauthTranscript)
	registry := transcript.BuildRegistry(records)

	dir := t.TempDir()
	// Not a git repo: diff --stat will fail and the block must still
	// assemble with a best-effort placeholder, never an error.
	block := BuildPreservationBlock(context.Background(), registry, records, dir, []ColdTaskSummary{
		{SessionID: "session-a", TaskID: "7", Subject: "Migrate DB", FilesModified: []string{"db/migrate.go"}},
	})

	for _, want := range []string{
		"COMPACTION PRESERVATION INSTRUCTIONS",
		"Active tasks",
		"Files modified this session",
		"Test commands run",
		"Key decisions",
		"Recent errors",
		"Git diff --stat",
		"PRE-COMPUTED TASK SUMMARIES",
		"Migrate DB",
	} {
		if !strings.Contains(block, want) {
			t.Fatalf("expected block to contain %q, got:\n%s", want, block)
		}
	}
}

func TestBuildPreservationBlockListsOnlyActiveTasks(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u1","name":"TaskCreate","input":{"subject":"Active task"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u1","content":"{\"taskId\":\"1\"}"}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u2","name":"TaskCreate","input":{"subject":"Done task"}}]}}`,
		`{"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"u2","content":"{\"taskId\":\"2\"}"}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"tool_use","id":"u3","name":"TaskUpdate","input":{"taskId":"2","status":"completed"}}]}}`,
	}
	records, err := transcript.Parse(strings.NewReader(strings.Join(lines, "\n")), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	registry := transcript.BuildRegistry(records)

	block := BuildPreservationBlock(context.Background(), registry, records, t.TempDir(), nil)
	if !strings.Contains(block, "Active task") {
		t.Fatalf("expected active task subject present, got:\n%s", block)
	}
	if strings.Contains(block, "Done task") {
		t.Fatalf("expected completed task subject absent from active section, got:\n%s", block)
	}
}

func TestEstimateContextFillFractionUsesCharCounts(t *testing.T) {
	records := []transcript.Record{
		{Kind: transcript.KindAssistantText, Text: strings.Repeat("x", 400)},
	}
	fraction := EstimateContextFillFraction(records, 100)
	if fraction <= 0 {
		t.Fatalf("expected nonzero fill fraction, got %f", fraction)
	}
}

func TestGitDiffStatNeverPanicsOutsideRepo(t *testing.T) {
	dir := t.TempDir()
	out := gitDiffStat(context.Background(), dir)
	_ = out // best-effort: empty or git's own output, never an error
}
