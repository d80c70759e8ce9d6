package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/knowledge"
	"github.com/haasonsaas/hookrt/internal/store/knowledgedb"
)

// =============================================================================
// Knowledge Command Group
// =============================================================================

func buildKnowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect the FTS5 knowledge store backing the H pipeline",
	}
	cmd.AddCommand(buildKnowledgeSearchCmd(), buildKnowledgeInjectPreviewCmd())
	return cmd
}

func openKnowledgeDB(cfg *config.Config) (*knowledgedb.DB, error) {
	return knowledgedb.Open(filepath.Join(cfg.StorageRoot, "data", "knowledge-db", "knowledge.db"))
}

func buildKnowledgeSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a BM25 search against stored knowledge entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKnowledgeSearch(cmd, args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum entries to return")
	return cmd
}

func runKnowledgeSearch(cmd *cobra.Command, query string, limit int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openKnowledgeDB(cfg)
	if err != nil {
		return fmt.Errorf("open knowledge db: %w", err)
	}
	defer db.Close()

	entries, err := db.Search(cmd.Context(), query, knowledgedb.SearchOptions{Limit: limit})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintf(out, "No entries match %q.\n", query)
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "[%s] %s (confidence=%.2f)\n", e.Category, e.Title, e.Confidence)
		fmt.Fprintf(out, "  %s\n", e.Content)
	}
	return nil
}

func buildKnowledgeInjectPreviewCmd() *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "inject-preview",
		Short: "Preview the SessionStart injection text for a given working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKnowledgeInjectPreview(cmd, cwd)
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", ".", "Working directory to gather injection context from")
	return cmd
}

func runKnowledgeInjectPreview(cmd *cobra.Command, cwd string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openKnowledgeDB(cfg)
	if err != nil {
		return fmt.Errorf("open knowledge db: %w", err)
	}
	defer db.Close()

	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		absCwd = cwd
	}
	text, err := knowledge.Inject(cmd.Context(), cfg.Knowledge, db, absCwd, time.Now())
	if err != nil {
		return fmt.Errorf("inject: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"injection_text": text})
	}
	if text == "" {
		fmt.Fprintln(out, "No knowledge would be injected for this directory.")
		return nil
	}
	fmt.Fprintln(out, text)
	return nil
}
