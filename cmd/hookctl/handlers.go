package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/hookrt/internal/breaker"
	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/dispatch"
)

// loadConfig resolves and loads the runtime's GuardrailsConfig, falling
// back to defaults (with a warning to stderr) rather than failing the
// whole command — every other subcommand needs a usable config to do
// anything at all.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, warnings, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "hookctl: config warning: %s\n", w.String())
	}
	return cfg, nil
}

func newBreaker(cfg *config.Config) *breaker.Breaker {
	return breaker.New(filepath.Join(cfg.StorageRoot, "hook_state.json"), breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		CooldownSeconds:  cfg.CircuitBreaker.CooldownSeconds,
		Exclude:          cfg.CircuitBreaker.Exclude,
	})
}

// matchHandlers finds every handler name (tracked in circuit-breaker state,
// or merely configured but never yet run) containing pattern, mirroring
// the original CLI's substring match over every known hook command.
func matchHandlers(tracked map[string]breaker.HandlerState, configured []string, pattern string) []string {
	seen := map[string]bool{}
	var matches []string
	add := func(name string) {
		if !seen[name] && strings.Contains(name, pattern) {
			seen[name] = true
			matches = append(matches, name)
		}
	}
	for name := range tracked {
		add(name)
	}
	for _, name := range configured {
		add(name)
	}
	sort.Strings(matches)
	return matches
}

func timeAgo(ts string) string {
	if ts == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// =============================================================================
// Health Command Handler
// =============================================================================

type healthReport struct {
	TotalHandlers   int                            `json:"total_handlers"`
	ActiveHandlers  int                             `json:"active_handlers"`
	DisabledCount   int                             `json:"disabled_handlers"`
	GlobalStats     breaker.GlobalStats             `json:"global_stats"`
	DisabledDetails map[string]breaker.HandlerState `json:"disabled_handler_details,omitempty"`
}

func runHealth(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b := newBreaker(cfg)

	all, err := b.AllHandlers()
	if err != nil {
		return fmt.Errorf("read handler state: %w", err)
	}
	disabled, err := b.DisabledHandlers()
	if err != nil {
		return fmt.Errorf("read disabled handlers: %w", err)
	}
	stats, err := b.GlobalStats()
	if err != nil {
		return fmt.Errorf("read global stats: %w", err)
	}

	report := healthReport{
		TotalHandlers:   len(all),
		ActiveHandlers:  len(all) - len(disabled),
		DisabledCount:   len(disabled),
		GlobalStats:     stats,
		DisabledDetails: disabled,
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintln(out, "Hook Health Report")
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "Total handlers: %d\n", report.TotalHandlers)
	fmt.Fprintf(out, "Active:         %d\n", report.ActiveHandlers)
	fmt.Fprintf(out, "Disabled:       %d\n", report.DisabledCount)
	fmt.Fprintf(out, "\nTotal executions: %d\n", stats.TotalExecutions)
	fmt.Fprintf(out, "Total failures:   %d\n", stats.TotalFailures)
	fmt.Fprintf(out, "Last updated:     %s\n", timeAgo(stats.LastUpdated))

	if len(disabled) == 0 {
		fmt.Fprintln(out, "\nAll handlers are healthy.")
		return nil
	}
	fmt.Fprintln(out, "\nDISABLED HANDLERS:")
	names := make([]string, 0, len(disabled))
	for name := range disabled {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hs := disabled[name]
		fmt.Fprintf(out, "\n  [%s] %s\n", strings.ToUpper(string(hs.State)), name)
		fmt.Fprintf(out, "    Failures:     %d consecutive, %d total\n", hs.ConsecutiveFailures, hs.FailureCount)
		if hs.LastError != "" {
			fmt.Fprintf(out, "    Last error:   %s\n", hs.LastError)
		}
		fmt.Fprintf(out, "    Disabled:     %s\n", timeAgo(hs.DisabledAt))
		fmt.Fprintf(out, "    Retry after:  %s\n", hs.RetryAfter)
	}
	fmt.Fprintf(out, "\nRe-enable with: hookctl enable <pattern>\n")
	return nil
}

// =============================================================================
// List Command Handler
// =============================================================================

type handlerSummary struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failure_count"`
	Tracked  bool   `json:"tracked"`
}

func runList(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b := newBreaker(cfg)

	tracked, err := b.AllHandlers()
	if err != nil {
		return fmt.Errorf("read handler state: %w", err)
	}

	names := map[string]bool{}
	for _, name := range dispatch.HandlerNames(cfg.Handlers) {
		names[name] = true
	}
	for name := range tracked {
		names[name] = true
	}

	summaries := make([]handlerSummary, 0, len(names))
	for name := range names {
		hs, ok := tracked[name]
		state := string(breaker.StateClosed)
		if ok {
			state = string(hs.State)
		}
		summaries = append(summaries, handlerSummary{Name: name, State: state, Failures: hs.FailureCount, Tracked: ok})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No handlers registered.")
		return nil
	}
	for _, s := range summaries {
		tag := ""
		if !s.Tracked {
			tag = " (never run)"
		}
		fmt.Fprintf(out, "%-30s %-10s failures=%d%s\n", s.Name, s.State, s.Failures, tag)
	}
	return nil
}

// =============================================================================
// Reset Command Handler
// =============================================================================

func runReset(cmd *cobra.Command, pattern string, all bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b := newBreaker(cfg)

	if all {
		n, err := b.ResetAll()
		if err != nil {
			return fmt.Errorf("reset all: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %d handler(s).\n", n)
		return nil
	}
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("reset requires a pattern or --all")
	}

	tracked, err := b.AllHandlers()
	if err != nil {
		return fmt.Errorf("read handler state: %w", err)
	}
	matches := matchHandlers(tracked, dispatch.HandlerNames(cfg.Handlers), pattern)
	switch len(matches) {
	case 0:
		return fmt.Errorf("no handlers found matching %q", pattern)
	case 1:
		existed, err := b.Reset(matches[0])
		if err != nil {
			return fmt.Errorf("reset %s: %w", matches[0], err)
		}
		if !existed {
			fmt.Fprintf(cmd.OutOrStdout(), "Handler %q had no recorded state.\n", matches[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset handler: %s\n", matches[0])
		return nil
	default:
		return fmt.Errorf("multiple handlers match %q: %s (be more specific, or use --all)", pattern, strings.Join(matches, ", "))
	}
}

// =============================================================================
// Enable Command Handler
// =============================================================================

func runEnable(cmd *cobra.Command, pattern string, force bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b := newBreaker(cfg)

	tracked, err := b.AllHandlers()
	if err != nil {
		return fmt.Errorf("read handler state: %w", err)
	}
	matches := matchHandlers(tracked, dispatch.HandlerNames(cfg.Handlers), pattern)
	switch len(matches) {
	case 0:
		return fmt.Errorf("no handlers found matching %q", pattern)
	case 1:
	default:
		return fmt.Errorf("multiple handlers match %q: %s (be more specific)", pattern, strings.Join(matches, ", "))
	}

	name := matches[0]
	if hs, ok := tracked[name]; ok && hs.State != breaker.StateOpen && !force {
		return fmt.Errorf("handler %q is not disabled (state: %s); use --force to reset anyway", name, hs.State)
	}
	if _, err := b.Reset(name); err != nil {
		return fmt.Errorf("enable %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enabled handler: %s\n", name)
	return nil
}

// =============================================================================
// Disable Command Handler
// =============================================================================

func runDisable(cmd *cobra.Command, pattern string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b := newBreaker(cfg)

	tracked, err := b.AllHandlers()
	if err != nil {
		return fmt.Errorf("read handler state: %w", err)
	}
	matches := matchHandlers(tracked, dispatch.HandlerNames(cfg.Handlers), pattern)
	switch len(matches) {
	case 0:
		return fmt.Errorf("no handlers found matching %q", pattern)
	case 1:
	default:
		return fmt.Errorf("multiple handlers match %q: %s (be more specific)", pattern, strings.Join(matches, ", "))
	}

	name := matches[0]
	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	for i := 0; i < threshold; i++ {
		if _, err := b.RecordFailure(name, "manually disabled via hookctl"); err != nil {
			return fmt.Errorf("disable %s: %w", name, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Disabled handler: %s\n", name)
	fmt.Fprintf(cmd.OutOrStdout(), "Re-enable with: hookctl enable %s\n", pattern)
	return nil
}

// =============================================================================
// Config Command Handler
// =============================================================================

func runConfig(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	fmt.Fprintf(out, "Storage root: %s\n", cfg.StorageRoot)
	fmt.Fprintf(out, "\nCircuit breaker:\n")
	fmt.Fprintf(out, "  failure_threshold: %d\n", cfg.CircuitBreaker.FailureThreshold)
	fmt.Fprintf(out, "  success_threshold: %d\n", cfg.CircuitBreaker.SuccessThreshold)
	fmt.Fprintf(out, "  cooldown_seconds:  %d\n", cfg.CircuitBreaker.CooldownSeconds)
	fmt.Fprintf(out, "\nHandlers registered: %d\n", len(cfg.Handlers))
	for _, h := range dispatch.HandlerNames(cfg.Handlers) {
		fmt.Fprintf(out, "  - %s\n", h)
	}
	fmt.Fprintf(out, "\nLLM providers:\n")
	fmt.Fprintf(out, "  anthropic enabled: %v\n", cfg.Providers.Anthropic.Enabled)
	fmt.Fprintf(out, "  openai enabled:    %v\n", cfg.Providers.OpenAI.Enabled)
	fmt.Fprintf(out, "  local enabled:     %v\n", cfg.Providers.Local.Enabled)
	fmt.Fprintf(out, "\nLogging level: %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

// =============================================================================
// Config --init Handler
// =============================================================================

// runConfigInit serialises config.DefaultConfig() to YAML and writes it to
// the resolved config path, so operators start from the same defaults the
// runtime falls back to rather than hand-writing a guardrails.yaml from
// scratch. Refuses to overwrite an existing file; remove it first to regenerate.
func runConfigInit(cmd *cobra.Command) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s (remove it first to regenerate)", path)
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
	return nil
}
