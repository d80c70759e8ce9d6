// Cold-task detection and preservation-block assembly (the two linked
// activities of component G). Grounded on the task-registry correlation
// of internal/transcript and this package's own token-estimation helpers
// above; the git-diff shell-out follows a clone/pull-style exec pattern
// (exec.CommandContext + CombinedOutput, cmd.Dir set to the working tree).
package compaction

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
	"github.com/haasonsaas/hookrt/internal/transcript"
)

// ColdTaskSummary is the persisted record for one completed, cold task,
// keyed by (session-id, task-id) per spec.md §3.
type ColdTaskSummary struct {
	SessionID      string   `json:"session_id"`
	TaskID         string   `json:"task_id"`
	Subject        string   `json:"subject"`
	TurnStart      int      `json:"turn_start"`
	TurnEnd        int      `json:"turn_end"`
	FilesModified  []string `json:"files_modified"`
	CommandsRun    []string `json:"commands_run"`
	KeyOutcomes    []string `json:"key_outcomes"`
	ErrorsResolved []string `json:"errors_resolved"`
}

// testCommandVocabulary is the set of substrings that mark a Bash command
// as a test/build/run command worth recording, per spec.md §4.G.1. No
// exhaustive list is specified; this covers the common Go/Node/Python/make
// toolchains the rest of this pack's examples build with.
var testCommandVocabulary = []string{
	"go test", "go build", "go vet", "go run",
	"npm test", "npm run", "yarn test", "pnpm test",
	"pytest", "make test", "make build", "make", "cargo test", "cargo build",
}

// decisionSignalKeywords mark an assistant-text line as a "key outcome"
// worth mining into a cold-task summary, per spec.md §4.G.1's "decision-
// signal keywords". Grounded on the vocabulary a human skimming a
// transcript would scan for: a switch of approach, a resolved tradeoff, a
// root-cause finding.
var decisionSignalKeywords = []string{
	"decided to", "chose to", "opted for", "instead of", "switched to",
	"root cause", "resolved by", "fixed by", "turns out", "because",
}

// SummaryPath returns the persistence path for a session/task pair's cold
// summary, per spec.md §6: data/compressed_context/<md5(session-id+task-id)[:12]>.json.
func SummaryPath(storageRoot, sessionID, taskID string) string {
	sum := md5.Sum([]byte(sessionID + taskID))
	name := hex.EncodeToString(sum[:])[:12]
	return filepath.Join(storageRoot, "data", "compressed_context", name+".json")
}

// LoadColdTaskSummary reads a persisted summary if one exists.
func LoadColdTaskSummary(storageRoot, sessionID, taskID string) (*ColdTaskSummary, bool, error) {
	var s ColdTaskSummary
	ok, err := atomicfile.Read(SummaryPath(storageRoot, sessionID, taskID), &s)
	if err != nil || !ok {
		return nil, false, err
	}
	return &s, true, nil
}

// SaveColdTaskSummary persists s, overwriting any prior summary for the
// same (session-id, task-id) — spec.md §4.G.1's "dedup by (session-id,
// task-id)" means detection skips tasks already summarised; it does not
// forbid a caller from explicitly re-saving.
func SaveColdTaskSummary(storageRoot string, s *ColdTaskSummary) error {
	return atomicfile.Write(SummaryPath(storageRoot, s.SessionID, s.TaskID), s)
}

// ShouldCheckColdTasks implements the check_frequency throttle: only run
// cold-task detection once (currentTurn - lastCheckTurn) >= checkFrequency.
func ShouldCheckColdTasks(lastCheckTurn, currentTurn, checkFrequency int) bool {
	if checkFrequency <= 0 {
		checkFrequency = 10
	}
	return currentTurn-lastCheckTurn >= checkFrequency
}

// EstimateContextFillFraction converts transcript records into Message
// values and reuses EstimateMessagesTokens, dividing by the resolved
// context window: "sum of character counts ... divided by
// max_context_tokens", with the chars-per-token estimator standing in for
// a char-to-token factor when the two roughly agree (4 chars/token ~= a
// 0.25 factor, this runtime's default).
func EstimateContextFillFraction(records []transcript.Record, maxContextTokens int) float64 {
	maxContextTokens = ResolveContextWindowTokens(maxContextTokens, DefaultContextWindow)
	messages := make([]*Message, 0, len(records))
	for _, r := range records {
		if r.Kind == transcript.KindAssistantText || r.Kind == transcript.KindUserText {
			messages = append(messages, &Message{Role: string(r.Kind), Content: r.Text})
		}
	}
	total := EstimateMessagesTokens(messages)
	return float64(total) / float64(maxContextTokens)
}

// coldTaskEntry pairs a registry entry with its task id for iteration.
type coldTaskEntry struct {
	id    string
	entry *transcript.Entry
}

// DetectColdTasks returns registry entries that are completed, have aged
// past turnsUntilCold turns since completion, and whose turn range spans
// at least minMessagesInRange transcript records — spec.md §4.G.1's cold
// task definition. messageCountInRange counts every record (of any kind)
// whose Turn falls within [entry.CreatedAtTurn, entry.CompletedAtTurn].
func DetectColdTasks(registry transcript.Registry, records []transcript.Record, currentTurn, turnsUntilCold, minMessagesInRange int) []string {
	var ids []string
	for id, entry := range registry {
		ids = append(ids, id)
		_ = entry
	}
	sort.Strings(ids) // deterministic iteration order for callers/tests

	var cold []string
	for _, id := range ids {
		entry := registry[id]
		if entry.Status != transcript.StatusCompleted {
			continue
		}
		if currentTurn-entry.CompletedAtTurn < turnsUntilCold {
			continue
		}
		if messageCountInRange(records, entry.CreatedAtTurn, entry.CompletedAtTurn) < minMessagesInRange {
			continue
		}
		cold = append(cold, id)
	}
	return cold
}

func messageCountInRange(records []transcript.Record, turnLo, turnHi int) int {
	n := 0
	for _, r := range records {
		if r.Turn >= turnLo && r.Turn <= turnHi {
			n++
		}
	}
	return n
}

// BuildColdTaskSummary mines evidence for one cold task from its turn
// range: every unique file touched by Edit/Write/MultiEdit/NotebookEdit, up
// to 5 test/build/run commands, up to 3 key-outcome bullets, and up to 2
// error snippets — the caps spec.md §4.G.1 names.
func BuildColdTaskSummary(sessionID, taskID string, records []transcript.Record, entry *transcript.Entry) ColdTaskSummary {
	return ColdTaskSummary{
		SessionID:      sessionID,
		TaskID:         taskID,
		Subject:        entry.Subject,
		TurnStart:      entry.CreatedAtTurn,
		TurnEnd:        entry.CompletedAtTurn,
		FilesModified:  extractFilesModified(records, entry.CreatedAtTurn, entry.CompletedAtTurn, 20),
		CommandsRun:    extractTestCommands(records, entry.CreatedAtTurn, entry.CompletedAtTurn, 5),
		KeyOutcomes:    extractKeyOutcomes(records, entry.CreatedAtTurn, entry.CompletedAtTurn, 3),
		ErrorsResolved: extractErrorSnippets(records, entry.CreatedAtTurn, entry.CompletedAtTurn, 2),
	}
}

func inRange(turn, lo, hi int) bool { return turn >= lo && turn <= hi }

func extractFilesModified(records []transcript.Record, lo, hi, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range records {
		if r.Kind != transcript.KindToolUse || !inRange(r.Turn, lo, hi) {
			continue
		}
		switch r.ToolName {
		case "Edit", "Write", "MultiEdit", "NotebookEdit":
		default:
			continue
		}
		path, _ := r.Input["file_path"].(string)
		if path == "" {
			path, _ = r.Input["path"].(string)
		}
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func extractTestCommands(records []transcript.Record, lo, hi, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range records {
		if r.Kind != transcript.KindToolUse || r.ToolName != "Bash" || !inRange(r.Turn, lo, hi) {
			continue
		}
		cmd, _ := r.Input["command"].(string)
		if cmd == "" || seen[cmd] {
			continue
		}
		lower := strings.ToLower(cmd)
		matched := false
		for _, kw := range testCommandVocabulary {
			if strings.Contains(lower, kw) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func extractKeyOutcomes(records []transcript.Record, lo, hi, limit int) []string {
	var out []string
	for _, r := range records {
		if r.Kind != transcript.KindAssistantText || !inRange(r.Turn, lo, hi) {
			continue
		}
		for _, line := range strings.Split(r.Text, "\n") {
			lower := strings.ToLower(line)
			for _, kw := range decisionSignalKeywords {
				if strings.Contains(lower, kw) {
					out = append(out, truncateString(strings.TrimSpace(line), 160))
					break
				}
			}
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func extractErrorSnippets(records []transcript.Record, lo, hi, limit int) []string {
	var out []string
	for _, r := range records {
		if r.Kind != transcript.KindToolResult || !inRange(r.Turn, lo, hi) {
			continue
		}
		if !looksLikeError(r.Text) {
			continue
		}
		out = append(out, truncateString(firstLine(r.Text), 200))
		if len(out) >= limit {
			break
		}
	}
	return out
}

func looksLikeError(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "error") || strings.Contains(lower, "fail") || strings.Contains(lower, "exception") || strings.Contains(lower, "traceback")
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// PreservationBlock is the assembled "COMPACTION PRESERVATION
// INSTRUCTIONS" free-text block, per spec.md §4.G.2.
const preservationHeader = "COMPACTION PRESERVATION INSTRUCTIONS"

// BuildPreservationBlock assembles the seven sections of spec.md §4.G.2
// and returns the free-text block to emit as additionalContext. cwd is
// the working tree the git-diff shell-out runs in; summaries are this
// session's already-persisted cold-task summaries, emitted verbatim in
// section 7.
func BuildPreservationBlock(ctx context.Context, registry transcript.Registry, records []transcript.Record, cwd string, summaries []ColdTaskSummary) string {
	var sb strings.Builder
	sb.WriteString(preservationHeader)
	sb.WriteString("\n\n")

	writeSection := func(title string, lines []string) {
		sb.WriteString(title)
		sb.WriteString(":\n")
		if len(lines) == 0 {
			sb.WriteString("  (none)\n")
		}
		for _, l := range lines {
			sb.WriteString("  - ")
			sb.WriteString(l)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	writeSection("Active tasks", activeTaskSubjects(registry))
	writeSection("Files modified this session", extractFilesModified(records, 0, maxTurn(records), 20))
	writeSection("Test commands run", extractTestCommands(records, 0, maxTurn(records), 5))
	writeSection("Key decisions", extractKeyOutcomes(records, 0, maxTurn(records), 15))
	writeSection("Recent errors", failingCommandSnippets(records, 8))

	sb.WriteString("Git diff --stat:\n")
	sb.WriteString(indentBlock(gitDiffStat(ctx, cwd)))
	sb.WriteString("\n")

	sb.WriteString("PRE-COMPUTED TASK SUMMARIES (do not re-summarise):\n")
	if len(summaries) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, s := range summaries {
		sb.WriteString("  - ")
		sb.WriteString(s.Subject)
		sb.WriteString(" (task ")
		sb.WriteString(s.TaskID)
		sb.WriteString("): files=")
		sb.WriteString(strings.Join(s.FilesModified, ", "))
		sb.WriteString("; outcomes=")
		sb.WriteString(strings.Join(s.KeyOutcomes, "; "))
		sb.WriteString("\n")
	}

	return sb.String()
}

func activeTaskSubjects(registry transcript.Registry) []string {
	var ids []string
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var subjects []string
	for _, id := range ids {
		entry := registry[id]
		if entry.Status != transcript.StatusCompleted {
			subjects = append(subjects, entry.Subject)
		}
	}
	return subjects
}

func maxTurn(records []transcript.Record) int {
	max := 0
	for _, r := range records {
		if r.Turn > max {
			max = r.Turn
		}
	}
	return max
}

// failingCommandSnippets pairs each failing Bash command with its
// tool_result's first error line, per spec.md §4.G.2 section 5.
func failingCommandSnippets(records []transcript.Record, limit int) []string {
	commands := map[string]string{} // tool_use_id -> command
	var out []string
	for _, r := range records {
		if r.Kind == transcript.KindToolUse && r.ToolName == "Bash" {
			if cmd, _ := r.Input["command"].(string); cmd != "" {
				commands[r.ToolUseID] = cmd
			}
			continue
		}
		if r.Kind != transcript.KindToolResult || !looksLikeError(r.Text) {
			continue
		}
		cmd, ok := commands[r.ToolUseID]
		if !ok {
			continue
		}
		out = append(out, cmd+": "+truncateString(firstLine(r.Text), 160))
		if len(out) >= limit {
			break
		}
	}
	return out
}

func indentBlock(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return "  (unavailable)\n"
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}

// gitDiffStat runs `git diff --stat` in cwd with a 5s timeout, falling
// back to the staged diff (`--cached`) if the working-tree diff is empty,
// and swallowing any failure per spec.md §4.G.2's "best-effort ...
// ignore failures".
func gitDiffStat(ctx context.Context, cwd string) string {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out := runGitDiffStat(runCtx, cwd, false)
	if strings.TrimSpace(out) != "" {
		return out
	}
	return runGitDiffStat(runCtx, cwd, true)
}

func runGitDiffStat(ctx context.Context, cwd string, staged bool) string {
	args := []string{"diff", "--stat"}
	if staged {
		args = append(args, "--cached")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return string(output)
}
