package main

import "github.com/spf13/cobra"

// =============================================================================
// Health Command
// =============================================================================

func buildHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show circuit-breaker health for every tracked handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd)
		},
	}
}

// =============================================================================
// List Command
// =============================================================================

func buildListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every handler tracked by the circuit breaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
}

// =============================================================================
// Reset Command
// =============================================================================

func buildResetCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [pattern]",
		Short: "Reset a handler's circuit-breaker state (or all, with --all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			return runReset(cmd, pattern, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Reset every tracked handler")
	return cmd
}

// =============================================================================
// Enable Command
// =============================================================================

func buildEnableCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "enable <pattern>",
		Short: "Re-enable a handler disabled by an open circuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnable(cmd, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reset even if the handler is not currently disabled")
	return cmd
}

// =============================================================================
// Disable Command
// =============================================================================

func buildDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <pattern>",
		Short: "Manually disable a handler by opening its circuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDisable(cmd, args[0])
		},
	}
}

// =============================================================================
// Config Command
// =============================================================================

func buildConfigCmd() *cobra.Command {
	var initFlag bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initFlag {
				return runConfigInit(cmd)
			}
			return runConfig(cmd)
		},
	}
	cmd.Flags().BoolVar(&initFlag, "init", false, "Write the built-in default config as YAML to --config (or the default path) instead of displaying the resolved one")
	return cmd
}
