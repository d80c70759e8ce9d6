// Package sessionstate implements the session progress record spec.md §3
// and §6 name: per-session counters (tool uses, agents spawned, files
// modified, errors logged) persisted at data/sessions/<session-id>.json,
// used by component I for basic observability and by a dependency-audit
// handler as a trigger, purged at SessionEnd.
//
// Grounded on internal/breaker's shared-file-via-atomicfile.Update pattern:
// like breaker state, progress counters are mutated by a short-lived
// process per event, so every update goes through one locked
// read-modify-write rather than living in memory across calls.
package sessionstate

import (
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
)

// Progress is one session's running counters.
type Progress struct {
	SessionID     string   `json:"session_id"`
	ToolUses      int      `json:"tool_uses"`
	AgentsSpawned int      `json:"agents_spawned"`
	FilesModified []string `json:"files_modified"`
	ErrorsLogged  int      `json:"errors_logged"`
	// LastColdCheckTurn is the transcript turn cold-task detection last
	// ran at, throttling component G's check_frequency across events.
	LastColdCheckTurn int    `json:"last_cold_check_turn"`
	StartedAt         string `json:"started_at,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// Path returns the progress-record path for a session.
func Path(storageRoot, sessionID string) string {
	return filepath.Join(storageRoot, "data", "sessions", sessionID+".json")
}

// RecordToolUse increments ToolUses and, for Edit/Write/MultiEdit/
// NotebookEdit with a file_path, appends a deduplicated entry to
// FilesModified. now is injected so callers control the persisted
// timestamp deterministically.
func RecordToolUse(storageRoot, sessionID, toolName, filePath string, isError bool, now time.Time) error {
	path := Path(storageRoot, sessionID)
	ts := now.UTC().Format(time.RFC3339)
	return atomicfile.Update(path, Progress{SessionID: sessionID, StartedAt: ts}, func(cur Progress, existed bool) Progress {
		if !existed {
			cur.SessionID = sessionID
			cur.StartedAt = ts
		}
		cur.ToolUses++
		if isError {
			cur.ErrorsLogged++
		}
		if toolName == "Task" {
			cur.AgentsSpawned++
		}
		if filePath != "" {
			if !contains(cur.FilesModified, filePath) {
				cur.FilesModified = append(cur.FilesModified, filePath)
			}
		}
		cur.UpdatedAt = ts
		return cur
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SetLastColdCheckTurn persists the transcript turn component G's cold-task
// detection last ran at, for ShouldCheckColdTasks's throttle on the next
// PreCompact event in this session.
func SetLastColdCheckTurn(storageRoot, sessionID string, turn int, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	return atomicfile.Update(Path(storageRoot, sessionID), Progress{SessionID: sessionID, StartedAt: ts}, func(cur Progress, existed bool) Progress {
		if !existed {
			cur.SessionID = sessionID
			cur.StartedAt = ts
		}
		cur.LastColdCheckTurn = turn
		cur.UpdatedAt = ts
		return cur
	})
}

// Load reads the progress record for a session, returning the zero value
// and ok=false if none exists yet.
func Load(storageRoot, sessionID string) (Progress, bool, error) {
	var p Progress
	ok, err := atomicfile.Read(Path(storageRoot, sessionID), &p)
	return p, ok, err
}

// Purge removes the progress record at SessionEnd, per spec.md §6. A
// missing file is not an error.
func Purge(storageRoot, sessionID string) error {
	err := os.Remove(Path(storageRoot, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
