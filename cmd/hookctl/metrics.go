package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hookrt/internal/telemetry"
)

// =============================================================================
// Metrics Command
// =============================================================================

func buildMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the counters/gauges accumulated across hookrt invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(cmd)
		},
	}
}

func runMetrics(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	snap, err := telemetry.NewMetricsStore(cfg.StorageRoot).Snapshot()
	if err != nil {
		return fmt.Errorf("read metrics: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	if len(snap.Counters) == 0 && len(snap.Gauges) == 0 {
		fmt.Fprintln(out, "No metrics recorded yet (hookrt writes metrics.json after its first dispatched event).")
		return nil
	}

	fmt.Fprintln(out, "# COUNTERS")
	for _, name := range sortedKeys(snap.Counters) {
		fmt.Fprintf(out, "%s %g\n", name, snap.Counters[name])
	}
	fmt.Fprintln(out, "\n# GAUGES")
	for _, name := range sortedKeys(snap.Gauges) {
		fmt.Fprintf(out, "%s %g\n", name, snap.Gauges[name])
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
