package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"encoding/json"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/envelope"
)

// withTempConfig points HOOKRT_CONFIG at a minimal YAML file whose
// storage_root is a fresh temp directory, so a test run never touches the
// real ~/.claude state.
func withTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrails.yaml")
	body := fmt.Sprintf("storage_root: %q\n", filepath.Join(dir, "state"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOOKRT_CONFIG", path)
	return dir
}

func TestRunAlwaysReturnsZeroOnUnreadableStdin(t *testing.T) {
	withTempConfig(t)
	var stdout, stderr bytes.Buffer
	code := run(strings.NewReader("not json"), &stdout, &stderr, time.Unix(0, 0))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "{}") {
		t.Fatalf("expected empty response written, got %q", stdout.String())
	}
}

func TestRunAllowsPreToolUseWithNoMatchingRules(t *testing.T) {
	withTempConfig(t)
	stdin := strings.NewReader(`{"hook_event_name":"PreToolUse","session_id":"sess-1","tool_name":"Read","tool_input":{"file_path":"/tmp/x"}}`)
	var stdout, stderr bytes.Buffer
	code := run(stdin, &stdout, &stderr, time.Unix(0, 0))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if strings.TrimSpace(stdout.String()) != "{}" {
		t.Fatalf("expected an empty (continue) response, got %q", stdout.String())
	}
}

func TestRunClassifiesUserPromptSubmit(t *testing.T) {
	withTempConfig(t)
	stdin := strings.NewReader(`{"hook_event_name":"UserPromptSubmit","session_id":"sess-1","prompt":"please fix the failing test in parser.go"}`)
	var stdout, stderr bytes.Buffer
	code := run(stdin, &stdout, &stderr, time.Unix(0, 0))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "Classified prompt:") {
		t.Fatalf("expected a classification summary in additionalContext, got %q", stdout.String())
	}
}

func TestRunStopHasNoBuiltinCore(t *testing.T) {
	withTempConfig(t)
	stdin := strings.NewReader(`{"hook_event_name":"Stop","session_id":"sess-1"}`)
	var stdout, stderr bytes.Buffer
	code := run(stdin, &stdout, &stderr, time.Unix(0, 0))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if strings.TrimSpace(stdout.String()) != "{}" {
		t.Fatalf("expected Stop to produce an empty response with no registered handlers, got %q", stdout.String())
	}
}

func TestResolveConfigPathHonoursEnvOverride(t *testing.T) {
	t.Setenv("HOOKRT_CONFIG", "/custom/path.yaml")
	if got := resolveConfigPath(); got != "/custom/path.yaml" {
		t.Fatalf("expected env override, got %q", got)
	}
}

func TestBuildChainNilWhenNoProviderConfigured(t *testing.T) {
	if chain := buildChain(config.ProvidersConfig{}); chain != nil {
		t.Fatalf("expected nil chain with no providers enabled, got %+v", chain)
	}
}

func TestBuildChainIncludesEnabledProviders(t *testing.T) {
	cfg := config.ProvidersConfig{
		Anthropic: config.ProviderConfig{Enabled: true, APIKey: "key", Model: "claude"},
	}
	if chain := buildChain(cfg); chain == nil {
		t.Fatal("expected a non-nil chain when a provider is enabled with credentials")
	}
}

func TestToolInputMapParsesRawJSON(t *testing.T) {
	evt := &envelope.Event{
		HookEventName: envelope.EventPreToolUse,
		ToolInput:     json.RawMessage(`{"file_path":"/a.go"}`),
	}
	m := toolInputMap(evt)
	if m["file_path"] != "/a.go" {
		t.Fatalf("expected file_path to decode, got %+v", m)
	}
}

func TestToolInputMapNilWhenEmpty(t *testing.T) {
	if m := toolInputMap(&envelope.Event{}); m != nil {
		t.Fatalf("expected nil map for an event with no tool_input, got %+v", m)
	}
}
