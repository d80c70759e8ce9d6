// Package envelope implements the hook runtime's stdin/stdout contract
// (component A): read one JSON event, write at most one JSON response,
// never terminate the host.
package envelope

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxEventBytes bounds stdin per spec.md §4.A: larger payloads are
// rejected with a warning to stderr rather than parsed.
const MaxEventBytes = 1 << 20 // 1 MiB

// EventName enumerates the seven recognised hook events.
type EventName string

const (
	EventPreToolUse       EventName = "PreToolUse"
	EventPostToolUse      EventName = "PostToolUse"
	EventSessionStart     EventName = "SessionStart"
	EventSessionEnd       EventName = "SessionEnd"
	EventUserPromptSubmit EventName = "UserPromptSubmit"
	EventPreCompact       EventName = "PreCompact"
	EventStop             EventName = "Stop"
)

// knownEvents is used to validate hook_event_name.
var knownEvents = map[EventName]bool{
	EventPreToolUse:       true,
	EventPostToolUse:      true,
	EventSessionStart:     true,
	EventSessionEnd:       true,
	EventUserPromptSubmit: true,
	EventPreCompact:       true,
	EventStop:             true,
}

// IsKnownEvent reports whether name is one of the seven recognised events.
func IsKnownEvent(name EventName) bool {
	return knownEvents[name]
}

// Event is the decoded stdin payload, per spec.md §6's event JSON schema.
// Invariant: SessionID is stable across every event in a session.
type Event struct {
	HookEventName  EventName       `json:"hook_event_name"`
	SessionID      string          `json:"session_id"`
	Cwd            string          `json:"cwd,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput     string          `json:"tool_output,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	Trigger        string          `json:"trigger,omitempty"`
}

// PermissionDecision is the three-way policy verdict surfaced to the host.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionAsk   PermissionDecision = "ask"
	PermissionDeny  PermissionDecision = "deny"
)

// HookSpecificOutput is the payload of a Response, per spec.md §4.A.
type HookSpecificOutput struct {
	HookEventName            EventName          `json:"hookEventName"`
	AdditionalContext         string             `json:"additionalContext,omitempty"`
	PermissionDecision        PermissionDecision `json:"permissionDecision,omitempty"`
	PermissionDecisionReason  string             `json:"permissionDecisionReason,omitempty"`
}

// Response is the JSON object written to stdout. An empty Response
// (HookSpecificOutput == nil) is equivalent to "continue normally" and
// MUST serialise to "{}", never to "null" fields a host might mis-parse.
type Response struct {
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// ErrTooLarge is returned by Read when stdin exceeds MaxEventBytes.
var ErrTooLarge = fmt.Errorf("envelope: input exceeds %d bytes", MaxEventBytes)

// ErrUnknownEvent is returned by Read when hook_event_name is missing or
// unrecognised.
var ErrUnknownEvent = fmt.Errorf("envelope: unrecognised hook_event_name")

// Read decodes one Event from r, enforcing the size cap and event-name
// validation required by spec.md §4.A. Unknown JSON fields are tolerated
// (forward compatibility); a missing or unrecognised hook_event_name is
// the only rejection.
func Read(r io.Reader) (*Event, error) {
	limited := io.LimitReader(r, MaxEventBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("envelope: read stdin: %w", err)
	}
	if len(data) > MaxEventBytes {
		return nil, ErrTooLarge
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("envelope: parse json: %w", err)
	}
	if !IsKnownEvent(evt.HookEventName) {
		return nil, ErrUnknownEvent
	}
	return &evt, nil
}

// Write serialises resp to w as a single JSON object. A nil resp writes
// "{}": emitting nothing is equivalent to continuing normally, but the
// contract still requires a syntactically valid JSON object on stdout for
// every successful dispatch.
func Write(w io.Writer, resp *Response) error {
	if resp == nil {
		resp = &Response{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(resp)
}

// Empty returns the canonical "continue normally" response.
func Empty() *Response {
	return &Response{}
}

// WithContext returns a response carrying additionalContext only.
func WithContext(event EventName, additionalContext string) *Response {
	return &Response{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:     event,
		AdditionalContext: additionalContext,
	}}
}

// WithDecision returns a response carrying a permission decision (and
// optional context), used by the damage-control policy engine's output.
func WithDecision(event EventName, decision PermissionDecision, reason, additionalContext string) *Response {
	return &Response{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            event,
		PermissionDecision:       decision,
		PermissionDecisionReason: reason,
		AdditionalContext:        additionalContext,
	}}
}

// Merge combines multiple per-handler responses into one aggregated
// response per spec.md §4.I: additionalContext is concatenated in
// declaration order separated by blank lines; the strictest permission
// decision wins (deny > ask > allow); the first non-empty reason for the
// winning decision is kept.
func Merge(event EventName, responses []*Response) *Response {
	var contexts []string
	var decision PermissionDecision
	var reason string

	rank := func(d PermissionDecision) int {
		switch d {
		case PermissionDeny:
			return 3
		case PermissionAsk:
			return 2
		case PermissionAllow:
			return 1
		default:
			return 0
		}
	}

	for _, r := range responses {
		if r == nil || r.HookSpecificOutput == nil {
			continue
		}
		out := r.HookSpecificOutput
		if out.AdditionalContext != "" {
			contexts = append(contexts, out.AdditionalContext)
		}
		if rank(out.PermissionDecision) > rank(decision) {
			decision = out.PermissionDecision
			reason = out.PermissionDecisionReason
		}
	}

	if len(contexts) == 0 && decision == "" {
		return Empty()
	}

	joined := ""
	for i, c := range contexts {
		if i > 0 {
			joined += "\n\n"
		}
		joined += c
	}

	return &Response{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            event,
		AdditionalContext:        joined,
		PermissionDecision:       decision,
		PermissionDecisionReason: reason,
	}}
}
