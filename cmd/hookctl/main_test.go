package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/hookrt/internal/breaker"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"health", "list", "reset", "enable", "disable", "config", "metrics", "knowledge"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestMetricsCommandReportsEmptyBeforeAnyDispatch(t *testing.T) {
	withTempStorageRoot(t)
	out, err := runCmd(t, "metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(out, "No metrics recorded yet") {
		t.Fatalf("expected an empty-state message before any metrics.json exists, got %q", out)
	}
}

// withTempStorageRoot points HOOKRT_CONFIG at a config file whose
// storage_root is a fresh temp directory, isolating the breaker state
// each test touches from the real ~/.claude.
func withTempStorageRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	configFile := filepath.Join(dir, "guardrails.yaml")
	if err := os.WriteFile(configFile, []byte("storage_root: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOOKRT_CONFIG", configFile)
	return dir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestResetAllReportsZeroOnEmptyState(t *testing.T) {
	withTempStorageRoot(t)
	out, err := runCmd(t, "reset", "--all")
	if err != nil {
		t.Fatalf("reset --all: %v", err)
	}
	if !strings.Contains(out, "Reset 0 handler") {
		t.Fatalf("expected a zero-handler reset report, got %q", out)
	}
}

func TestResetWithoutPatternOrAllFails(t *testing.T) {
	withTempStorageRoot(t)
	if _, err := runCmd(t, "reset"); err == nil {
		t.Fatal("expected an error when neither a pattern nor --all is given")
	}
}

func TestDisableThenEnableRoundTrips(t *testing.T) {
	dir := withTempStorageRoot(t)

	if _, err := runCmd(t, "disable", "my-handler"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	b := breaker.New(filepath.Join(dir, "hook_state.json"), breaker.Config{FailureThreshold: 3, SuccessThreshold: 2, CooldownSeconds: 300})
	result, err := b.ShouldExecute("my-handler")
	if err != nil {
		t.Fatalf("ShouldExecute: %v", err)
	}
	if result.Decision != breaker.DecisionSkip {
		t.Fatalf("expected handler disabled after `disable`, got %+v", result)
	}

	if _, err := runCmd(t, "enable", "my-handler"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	result, err = b.ShouldExecute("my-handler")
	if err != nil {
		t.Fatalf("ShouldExecute: %v", err)
	}
	if result.Decision != breaker.DecisionExecute {
		t.Fatalf("expected handler re-enabled, got %+v", result)
	}
}

func TestEnableWithoutForceRejectsHealthyHandler(t *testing.T) {
	dir := withTempStorageRoot(t)
	b := breaker.New(filepath.Join(dir, "hook_state.json"), breaker.Config{FailureThreshold: 3, SuccessThreshold: 2, CooldownSeconds: 300})
	if _, err := b.RecordSuccess("healthy-handler"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	if _, err := runCmd(t, "enable", "healthy-handler"); err == nil {
		t.Fatal("expected enable to refuse a handler that isn't disabled")
	}
	if _, err := runCmd(t, "enable", "healthy-handler", "--force"); err != nil {
		t.Fatalf("enable --force: %v", err)
	}
}

func TestListShowsConfiguredHandlersEvenWhenNeverRun(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "guardrails.yaml")
	body := "storage_root: " + dir + "\nhandlers:\n  - name: audit\n    events: [PreToolUse]\n    command: /bin/true\n"
	if err := os.WriteFile(configFile, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOOKRT_CONFIG", configFile)

	out, err := runCmd(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "audit") || !strings.Contains(out, "never run") {
		t.Fatalf("expected the configured-but-untracked handler to be listed, got %q", out)
	}
}

func TestConfigCommandJSONOutput(t *testing.T) {
	withTempStorageRoot(t)
	out, err := runCmd(t, "config", "--json")
	if err != nil {
		t.Fatalf("config --json: %v", err)
	}
	if !strings.Contains(out, "\"storage_root\"") {
		t.Fatalf("expected JSON config output, got %q", out)
	}
}

func TestConfigInitWritesDefaultsThenRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "guardrails.yaml")
	t.Setenv("HOOKRT_CONFIG", configFile)

	out, err := runCmd(t, "config", "--init")
	if err != nil {
		t.Fatalf("config --init: %v", err)
	}
	if !strings.Contains(out, configFile) {
		t.Fatalf("expected the written path in output, got %q", out)
	}
	if _, statErr := os.Stat(configFile); statErr != nil {
		t.Fatalf("expected config file to exist: %v", statErr)
	}

	if _, err := runCmd(t, "config", "--init"); err == nil {
		t.Fatal("expected a second --init to refuse to overwrite the existing file")
	}
}
