package sessionstate

import (
	"os"
	"testing"
	"time"
)

func TestRecordToolUseAccumulatesCounters(t *testing.T) {
	root := t.TempDir()
	now := time.Unix(0, 0)

	if err := RecordToolUse(root, "sess-1", "Edit", "main.go", false, now); err != nil {
		t.Fatalf("RecordToolUse: %v", err)
	}
	if err := RecordToolUse(root, "sess-1", "Edit", "main.go", false, now); err != nil {
		t.Fatalf("RecordToolUse: %v", err)
	}
	if err := RecordToolUse(root, "sess-1", "Bash", "", true, now); err != nil {
		t.Fatalf("RecordToolUse: %v", err)
	}
	if err := RecordToolUse(root, "sess-1", "Task", "", false, now); err != nil {
		t.Fatalf("RecordToolUse: %v", err)
	}

	p, ok, err := Load(root, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected progress record to exist")
	}
	if p.ToolUses != 4 {
		t.Fatalf("expected 4 tool uses, got %d", p.ToolUses)
	}
	if p.ErrorsLogged != 1 {
		t.Fatalf("expected 1 error logged, got %d", p.ErrorsLogged)
	}
	if p.AgentsSpawned != 1 {
		t.Fatalf("expected 1 agent spawned, got %d", p.AgentsSpawned)
	}
	if len(p.FilesModified) != 1 || p.FilesModified[0] != "main.go" {
		t.Fatalf("expected deduplicated file list, got %v", p.FilesModified)
	}
}

func TestPurgeRemovesRecord(t *testing.T) {
	root := t.TempDir()
	if err := RecordToolUse(root, "sess-1", "Edit", "a.go", false, time.Unix(0, 0)); err != nil {
		t.Fatalf("RecordToolUse: %v", err)
	}
	if err := Purge(root, "sess-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(Path(root, "sess-1")); !os.IsNotExist(err) {
		t.Fatal("expected progress record removed")
	}
}

func TestSetLastColdCheckTurnPersists(t *testing.T) {
	root := t.TempDir()
	if err := SetLastColdCheckTurn(root, "sess-1", 42, time.Unix(0, 0)); err != nil {
		t.Fatalf("SetLastColdCheckTurn: %v", err)
	}
	p, ok, err := Load(root, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok || p.LastColdCheckTurn != 42 {
		t.Fatalf("expected LastColdCheckTurn=42, got %+v (ok=%v)", p, ok)
	}
}

func TestPurgeOfMissingRecordIsNotAnError(t *testing.T) {
	if err := Purge(t.TempDir(), "never-existed"); err != nil {
		t.Fatalf("expected no error purging a missing record, got %v", err)
	}
}
