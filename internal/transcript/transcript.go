// Package transcript implements component F: a streaming parser for the
// host's JSON-lines transcript file, plus the task-registry correlation
// algorithm that components G and H build on.
//
// Each line is `{"message": {"role": "assistant"|"user", "content": ...}}`
// where content is either a plain string or a list of typed blocks (text,
// tool_use, tool_result). Unknown keys are tolerated; unparseable lines
// are skipped, never fatal to the parse.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/haasonsaas/hookrt/internal/telemetry"
)

// Kind discriminates the four record shapes spec.md §4.F names.
type Kind string

const (
	KindAssistantText Kind = "assistant_text"
	KindUserText      Kind = "user_text"
	KindToolUse       Kind = "tool_use"
	KindToolResult    Kind = "tool_result"
)

// Record is one parsed transcript event. Turn is the 1-based index of the
// transcript line it came from (a single JSONL line may yield more than
// one Record — e.g. a tool_use block plus trailing text — and all share
// that line's turn number).
type Record struct {
	Kind Kind
	Turn int

	// Text holds assistant/user text (KindAssistantText/KindUserText) or
	// the tool result's concatenated text (KindToolResult).
	Text string

	// ToolUseID is the tool_use block's own id (KindToolUse) or the
	// tool_use_id a tool_result correlates back to (KindToolResult).
	ToolUseID string

	// ToolName and Input are only populated for KindToolUse.
	ToolName string
	Input    map[string]any
}

// rawBlock is the union shape of one content-list entry. Anthropic-style
// transcripts nest tool_result content the same way top-level message
// content nests: a string, or another list of {type, text} blocks.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type rawLine struct {
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseFile opens path read-only and parses it. The host owns the file;
// this reader never writes to it, per spec.md §5's ownership rule that
// readers of the transcript must be read-only.
func ParseFile(path string, logger *telemetry.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse reads r line by line and returns every record in transcript
// order. The scanner's buffer grows past bufio's 64 KiB default since a
// single transcript line (a large tool result, for instance) can exceed
// it.
func Parse(r io.Reader, logger *telemetry.Logger) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	turn := 0
	for scanner.Scan() {
		turn++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		recs, ok := parseLine(line, turn)
		if !ok {
			if logger != nil {
				logger.Debug(context.Background(), "transcript: skipping unparseable line", "turn", turn)
			}
			continue
		}
		records = append(records, recs...)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}

func parseLine(line string, turn int) ([]Record, bool) {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}
	if raw.Message.Role == "" || len(raw.Message.Content) == 0 {
		return nil, false
	}

	var records []Record

	if text, ok := asPlainString(raw.Message.Content); ok {
		if strings.TrimSpace(text) != "" {
			records = append(records, textRecord(raw.Message.Role, text, turn))
		}
		return records, true
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw.Message.Content, &blocks); err != nil {
		return nil, false
	}

	var textParts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				textParts = append(textParts, b.Text)
			}
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(b.Input, &input)
			records = append(records, Record{
				Kind:      KindToolUse,
				Turn:      turn,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				Input:     input,
			})
		case "tool_result":
			records = append(records, Record{
				Kind:      KindToolResult,
				Turn:      turn,
				ToolUseID: b.ToolUseID,
				Text:      blockContentText(b.Content),
			})
		}
	}
	if len(textParts) > 0 {
		records = append(records, textRecord(raw.Message.Role, strings.Join(textParts, "\n"), turn))
	}
	return records, true
}

func textRecord(role, text string, turn int) Record {
	kind := KindUserText
	if role == "assistant" {
		kind = KindAssistantText
	}
	return Record{Kind: kind, Turn: turn, Text: text}
}

func asPlainString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// blockContentText extracts tool_result's text the same way top-level
// message content is extracted: a plain string, or the concatenation of
// nested {type:"text"} blocks. Any other shape yields an empty string
// rather than an error, since a malformed tool_result body must not abort
// the whole parse.
func blockContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if s, ok := asPlainString(raw); ok {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Task status values, per spec.md §3's task registry record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Entry is one task registry row.
type Entry struct {
	Subject         string
	Status          Status
	CreatedAtTurn   int
	CompletedAtTurn int
}

// Registry maps a task identifier to its entry. It is built fresh per
// invocation and never persisted (spec.md §5's explicit ownership note).
type Registry map[string]*Entry

type pendingTask struct {
	subject string
}

// BuildRegistry implements spec.md §4.F's three-step correlation
// algorithm exactly: a first pass collecting {tool_use_id -> subject}
// from every TaskCreate tool_use, a streaming pass resolving each
// matching tool_result's parsed body into a task id (falling back to the
// tool_use_id itself when the body isn't JSON or carries no id), and a
// final pass applying TaskUpdate status mutations. This replaces the
// subject-string correlation bug spec.md calls out: active and completed
// tasks are always read from this one map, never from separate
// collections keyed differently.
func BuildRegistry(records []Record) Registry {
	pending := map[string]pendingTask{}
	for _, r := range records {
		if r.Kind == KindToolUse && r.ToolName == "TaskCreate" {
			pending[r.ToolUseID] = pendingTask{subject: stringField(r.Input, "subject")}
		}
	}

	registry := Registry{}
	for _, r := range records {
		if r.Kind != KindToolResult {
			continue
		}
		pt, ok := pending[r.ToolUseID]
		if !ok {
			continue
		}
		taskID := extractTaskID(r.Text)
		if taskID == "" {
			taskID = r.ToolUseID
		}
		registry[taskID] = &Entry{
			Subject:       pt.subject,
			Status:        StatusPending,
			CreatedAtTurn: r.Turn,
		}
		delete(pending, r.ToolUseID)
	}

	for _, r := range records {
		if r.Kind != KindToolUse || r.ToolName != "TaskUpdate" {
			continue
		}
		taskID := stringField(r.Input, "taskId")
		entry, ok := registry[taskID]
		if !ok {
			continue
		}
		status := Status(stringField(r.Input, "status"))
		if status == "" {
			continue
		}
		entry.Status = status
		if status == StatusCompleted {
			entry.CompletedAtTurn = r.Turn
		}
	}

	return registry
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	if v, ok := m[key].(float64); ok {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// extractTaskID parses body as JSON and extracts "taskId", falling back
// to "id". An empty return means the body wasn't JSON or carried neither
// field; the caller falls back to the tool_use_id per spec.md §4.F step 2.
func extractTaskID(body string) string {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return ""
	}
	if id := stringField(parsed, "taskId"); id != "" {
		return id
	}
	return stringField(parsed, "id")
}
