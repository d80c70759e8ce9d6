package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/hookrt/internal/store/jsonl"
)

// nowISO formats t the way every stage of this pipeline timestamps its
// records: UTC, second precision, trailing "Z".
func nowISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// errorIndicators flags a tool_output as a failure worth tagging
// type=="error", mirroring the loose substring check the rest of the
// pipeline's evidence-mining already uses in internal/compaction.
var errorIndicators = []string{"error", "exception", "traceback", "failed", "fatal"}

func looksLikeFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, ind := range errorIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// derivePattern assigns a short recurring-behavior tag per tool family.
// Unlike the deny/ask pattern rules of component D, this never blocks
// anything — it only labels the observation for H.2's by-pattern
// frequency count.
func derivePattern(toolName string, input map[string]any) (pattern string, contextFields map[string]any) {
	contextFields = map[string]any{}
	switch toolName {
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		pattern = "file-edit"
		if fp := stringInput(input, "file_path"); fp != "" {
			contextFields["file_path"] = fp
		}
	case "Read", "NotebookRead":
		pattern = "file-read"
		if fp := stringInput(input, "file_path"); fp != "" {
			contextFields["file_path"] = fp
		}
	case "Bash":
		cmd := stringInput(input, "command")
		pattern = "bash:" + firstWord(cmd)
		if cmd != "" {
			contextFields["command"] = truncate(cmd, 120)
		}
	case "Grep", "Glob":
		pattern = "search"
		if p := stringInput(input, "pattern"); p != "" {
			contextFields["pattern"] = p
		}
	case "Task":
		pattern = "subagent"
	case "TaskCreate", "TaskUpdate":
		pattern = "task-tracking"
	case "WebFetch", "WebSearch":
		pattern = "web"
	default:
		pattern = "tool:" + strings.ToLower(toolName)
	}
	return pattern, contextFields
}

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// BuildObservation derives the pattern tag and minimal context object
// spec.md §4.H.1 names, without touching disk — split out from Observe
// so Analyse's tests can build fixtures without a filesystem round trip.
func BuildObservation(sessionID, toolName string, input map[string]any, toolOutput string, now time.Time) Observation {
	pattern, contextFields := derivePattern(toolName, input)

	obsType := "success"
	if toolOutput != "" && looksLikeFailure(toolOutput) {
		obsType = "error"
		contextFields["error_snippet"] = truncate(firstLineOf(toolOutput), 200)
	}

	return Observation{
		SessionID: sessionID,
		Timestamp: nowISO(now),
		Tool:      toolName,
		Type:      obsType,
		Pattern:   pattern,
		Context:   contextFields,
	}
}

// Observe implements H.1: append one JSON line to observations.jsonl.
// O(1) and append-only, so it stays well under the 100ms P99 budget
// spec.md requires regardless of the log's total size.
func Observe(storageRoot, sessionID, toolName string, input map[string]any, toolOutput string, now time.Time) error {
	obs := BuildObservation(sessionID, toolName, input, toolOutput, now)
	if err := jsonl.Append(ObservationsPath(storageRoot), obs); err != nil {
		return fmt.Errorf("knowledge: observe: %w", err)
	}
	return nil
}
