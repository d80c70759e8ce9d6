// Command hookrt is the hook execution runtime's per-event entry point: it
// reads one JSON event from stdin, runs the built-in cores (D, E, G, H)
// in-process for the event they apply to, dispatches any externally
// registered handlers (component I) for the same event, merges every
// response, and always exits 0 — per spec.md §4.A/§7, nothing reaches the
// host's exit status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/dispatch"
	"github.com/haasonsaas/hookrt/internal/envelope"
	"github.com/haasonsaas/hookrt/internal/llm"
	"github.com/haasonsaas/hookrt/internal/store/knowledgedb"
	"github.com/haasonsaas/hookrt/internal/telemetry"

	hookbreaker "github.com/haasonsaas/hookrt/internal/breaker"
)

func main() {
	os.Exit(run(os.Stdin, os.Stdout, os.Stderr, time.Now()))
}

// run implements the whole dispatch flow and always returns 0, per spec's
// "Exit code always 0" — the return value exists only so callers can assert
// on it without calling os.Exit. stdin/stdout/stderr/now are parameters
// (rather than reaching for the globals directly) so tests can drive this
// without touching the process's real streams or clock.
func run(stdin io.Reader, stdout, stderr io.Writer, now time.Time) int {
	ctx := context.Background()

	evt, err := envelope.Read(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "hookrt: %v\n", err)
		_ = envelope.Write(stdout, envelope.Empty())
		return 0
	}

	cfg, warnings, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(stderr, "hookrt: config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	for _, w := range warnings {
		fmt.Fprintf(stderr, "hookrt: config warning: %s\n", w.String())
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})
	ctx = telemetry.AddRequestID(ctx, uuid.NewString())
	ctx = telemetry.AddSessionID(ctx, evt.SessionID)
	ctx = telemetry.AddEvent(ctx, string(evt.HookEventName))

	metrics := telemetry.NewMetrics()
	env := &environment{
		cfg:     cfg,
		logger:  logger,
		chain:   buildChain(cfg.Providers),
		metrics: metrics,
		breaker: hookbreaker.New(filepath.Join(cfg.StorageRoot, "hook_state.json"), hookbreaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			CooldownSeconds:  cfg.CircuitBreaker.CooldownSeconds,
			Exclude:          cfg.CircuitBreaker.Exclude,
		}),
	}

	builtinResp := dispatchBuiltin(ctx, env, evt, now)

	// rawEnvelope is a re-serialisation of the decoded Event, not the
	// original stdin bytes (already consumed by envelope.Read): every
	// field an external handler can rely on per spec.md §6's event schema
	// round-trips through Event, so this is equivalent for that contract.
	var extResp *envelope.Response
	if rawEnvelope, marshalErr := json.Marshal(evt); marshalErr == nil {
		d := dispatch.New(cfg.Handlers, env.breaker, logger, cfg.Dispatch.Workers).WithMetrics(metrics)
		extResp = d.Dispatch(ctx, evt, rawEnvelope)
	} else {
		extResp = envelope.Empty()
	}

	merged := envelope.Merge(evt.HookEventName, []*envelope.Response{builtinResp, extResp})
	if err := envelope.Write(stdout, merged); err != nil {
		fmt.Fprintf(stderr, "hookrt: write response: %v\n", err)
	}

	if err := telemetry.NewMetricsStore(cfg.StorageRoot).Flush(metrics); err != nil {
		fmt.Fprintf(stderr, "hookrt: flush metrics: %v\n", err)
	}
	return 0
}

// environment bundles the long-lived dependencies every built-in handler
// needs, so dispatchBuiltin's per-event branches stay short.
type environment struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	chain   *llm.Chain
	breaker *hookbreaker.Breaker
	metrics *telemetry.Metrics
}

// resolveConfigPath: an explicit HOOKRT_CONFIG env var wins, otherwise
// the config lives alongside the rest of this runtime's persistent state.
func resolveConfigPath() string {
	if p := os.Getenv("HOOKRT_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude", "guardrails.yaml")
}

// buildChain wires the three-provider fallback chain (remote-primary,
// remote-secondary, local) from config, per spec.md §9's "abstraction with
// three implementations selected by config". A provider is only added when
// it carries the credentials/endpoint it needs; an all-disabled
// configuration yields a nil chain, and callers (classify.Classify,
// knowledge.Analyse) already treat nil as "no LLM available, use the
// deterministic fallback".
func buildChain(cfg config.ProvidersConfig) *llm.Chain {
	var providers []llm.Provider
	if cfg.Anthropic.Enabled && cfg.Anthropic.APIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model))
	}
	if cfg.OpenAI.Enabled && cfg.OpenAI.APIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model))
	}
	if cfg.Local.Enabled && cfg.Local.BaseURL != "" {
		providers = append(providers, llm.NewLocalProvider(cfg.Local.BaseURL, cfg.Local.Model))
	}
	if len(providers) == 0 {
		return nil
	}
	return llm.NewChain(providers...)
}

// knowledgeDB opens the knowledge store for the duration of one handler
// call. Short-lived by design: this process exits after one event, so
// there is no long-lived connection to pool.
func knowledgeDB(storageRoot string) (*knowledgedb.DB, error) {
	return knowledgedb.Open(filepath.Join(storageRoot, "data", "knowledge-db", "knowledge.db"))
}

