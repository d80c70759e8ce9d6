// Command hookctl is the administration CLI for the hook execution
// runtime: it inspects and mutates the circuit-breaker state hookrt
// writes to, and echoes the resolved configuration. It is never invoked
// by the host CLI itself — only by a human or an ops script — per
// spec.md §6's "administration only, not part of the hook runtime
// itself".
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
	jsonOutput bool
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if ctx.Err() != nil {
		os.Exit(130)
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with every administration
// subcommand attached. Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hookctl",
		Short:        "Administer the hook execution runtime's circuit breaker and config",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to guardrails.yaml (default: $HOOKRT_CONFIG or ~/.claude/guardrails.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON instead of formatted text")

	rootCmd.AddCommand(
		buildHealthCmd(),
		buildListCmd(),
		buildResetCmd(),
		buildEnableCmd(),
		buildDisableCmd(),
		buildConfigCmd(),
		buildMetricsCmd(),
		buildKnowledgeCmd(),
	)
	return rootCmd
}

// resolveConfigPath mirrors hookrt's own lookup: an explicit --config flag
// wins, then HOOKRT_CONFIG, then the default path alongside this
// runtime's other persistent state.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("HOOKRT_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude", "guardrails.yaml")
}
