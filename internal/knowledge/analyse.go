package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/llm"
	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
	"github.com/haasonsaas/hookrt/internal/store/jsonl"
)

// analysisInstructions is ANALYSIS_PROMPT verbatim in spirit: the category
// definitions and the strict output-shape instruction. The observation
// summary is appended as the user prompt rather than concatenated here,
// since internal/llm.Request already separates system instructions from
// content the way component E's refinement prompt does.
const analysisInstructions = `Analyze these tool usage observations from a coding session.
Extract learnings in these categories:
- LEARNED: Lessons from mistakes or successes (things to remember)
- PATTERN: Recurring behaviors or approaches (workflow patterns)
- INVESTIGATION: Open questions to explore (areas needing attention)

For each learning, provide:
- tag: one of LEARNED, PATTERN, INVESTIGATION
- content: a concise, actionable statement (1-2 sentences)
- context: brief explanation of what evidence led to this conclusion
- confidence: 0.0-1.0 how confident you are in this learning

Return ONLY a JSON array of objects with these fields. No markdown, no commentary.`

// AnalysisOutcome reports what Analyse actually did, for the caller's
// telemetry and for tests.
type AnalysisOutcome struct {
	Skipped          bool
	ObservationCount int
	Provider         string
	Learnings        []Learning
}

// LoadUnprocessedObservations reads observations.jsonl, keeps only entries
// not yet marked processed, and returns at most maxCount of the most
// recent ones — the original's observations[-max_count:] slice.
func LoadUnprocessedObservations(storageRoot string, maxCount int) ([]Observation, error) {
	all, _, err := jsonl.ReadAll[Observation](ObservationsPath(storageRoot))
	if err != nil {
		return nil, fmt.Errorf("knowledge: load observations: %w", err)
	}
	var unprocessed []Observation
	for _, o := range all {
		if !o.Processed {
			unprocessed = append(unprocessed, o)
		}
	}
	if maxCount > 0 && len(unprocessed) > maxCount {
		unprocessed = unprocessed[len(unprocessed)-maxCount:]
	}
	return unprocessed, nil
}

// SummarizeObservations builds the deterministic text block the prompt is
// built from: total count, time range, tool-usage frequency, pattern
// frequency, up to 10 error snippets, and a diverse up-to-15-unique-
// pattern sample — the same shape as summarize_observations.
func SummarizeObservations(observations []Observation) string {
	if len(observations) == 0 {
		return ""
	}

	byTool := map[string]int{}
	byPattern := map[string]int{}
	var errors []Observation
	for _, o := range observations {
		byTool[o.Tool]++
		byPattern[o.Pattern]++
		if o.Type == "error" {
			errors = append(errors, o)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total observations: %d\n", len(observations))
	fmt.Fprintf(&b, "Time range: %s to %s\n\n", observations[0].Timestamp, observations[len(observations)-1].Timestamp)

	b.WriteString("## Tool Usage Frequency\n")
	for _, tool := range sortedByCountDesc(byTool) {
		fmt.Fprintf(&b, "  - %s: %d uses\n", tool, byTool[tool])
	}

	b.WriteString("\n## Pattern Frequency\n")
	for _, pattern := range sortedByCountDesc(byPattern) {
		fmt.Fprintf(&b, "  - %s: %d occurrences\n", pattern, byPattern[pattern])
	}

	if len(errors) > 0 {
		fmt.Fprintf(&b, "\n## Errors (%d total)\n", len(errors))
		limit := len(errors)
		if limit > 10 {
			limit = 10
		}
		for _, e := range errors[:limit] {
			snippet := truncate(fmt.Sprint(e.Context["error_snippet"]), 150)
			fmt.Fprintf(&b, "  - [%s] %s\n", e.Tool, snippet)
		}
	}

	b.WriteString("\n## Sample Observations (detailed)\n")
	seen := map[string]bool{}
	samples := 0
	for _, o := range observations {
		if seen[o.Pattern] || samples >= 15 {
			continue
		}
		seen[o.Pattern] = true
		samples++
		fmt.Fprintf(&b, "  - tool=%s, pattern=%s, type=%s\n", o.Tool, o.Pattern, o.Type)
		if len(o.Context) > 0 {
			ctx, _ := json.Marshal(o.Context)
			fmt.Fprintf(&b, "    context: %s\n", ctx)
		}
	}

	return b.String()
}

// sortedByCountDesc returns counts's keys sorted by descending count,
// breaking ties alphabetically for deterministic output (the original's
// Python sort over a dict is insertion-order-stable; Go map iteration
// isn't, so a tie-break is required to keep summaries reproducible).
func sortedByCountDesc(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// ParseLearnings tolerantly parses an LLM response into learnings: it
// strips a leading/trailing markdown fence, decodes a JSON array, drops
// any entry missing tag or content, and clamps confidence to [0,1].
//
// Unlike the original's presence-only validation, this also rejects a tag
// outside the three categories the prompt asked for: knowledgedb.Insert
// hard-fails on an invalid category, where sqlite's original schema
// accepted any string, so silently keeping an off-enum tag here would
// just move the failure from a tolerant parse to a hard error in Learn.
func ParseLearnings(responseText string) []Learning {
	text := stripMarkdownFence(responseText)
	if text == "" {
		return nil
	}

	var raw []map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil
	}

	var out []Learning
	for _, item := range raw {
		tag, _ := item["tag"].(string)
		content, _ := item["content"].(string)
		if tag == "" || content == "" || !isKnowledgeTag(tag) {
			continue
		}
		learning := Learning{Tag: tag, Content: content}
		if ctx, ok := item["context"].(string); ok {
			learning.Context = ctx
		}
		confidence := 0.5
		switch v := item["confidence"].(type) {
		case float64:
			confidence = v
		}
		learning.Confidence = clamp01(confidence)
		out = append(out, learning)
	}
	return out
}

func isKnowledgeTag(tag string) bool {
	switch tag {
	case "LEARNED", "PATTERN", "INVESTIGATION":
		return true
	default:
		return false
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func stripMarkdownFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// FallbackLearnings builds the deterministic summary main() falls back to
// when every provider fails: a PATTERN entry naming the most-used tool,
// and (if any observations failed) an INVESTIGATION entry naming the
// error rate. Confidences match the original exactly (0.6 and 0.5) since
// they're load-bearing test fixtures for "the pipeline never produces an
// empty session".
func FallbackLearnings(observations []Observation) []Learning {
	toolCounts := map[string]int{}
	errorCount := 0
	for _, o := range observations {
		toolCounts[o.Tool]++
		if o.Type == "error" {
			errorCount++
		}
	}

	var out []Learning
	if len(toolCounts) > 0 {
		tools := sortedByCountDesc(toolCounts)
		topTool := tools[0]
		countsJSON, _ := json.Marshal(toolCounts)
		out = append(out, Learning{
			Tag:        "PATTERN",
			Content:    fmt.Sprintf("Most used tool in session: %s (%d uses)", topTool, toolCounts[topTool]),
			Context:    fmt.Sprintf("Tool distribution: %s", countsJSON),
			Confidence: 0.6,
		})
	}
	if errorCount > 0 {
		out = append(out, Learning{
			Tag:        "INVESTIGATION",
			Content:    fmt.Sprintf("Session had %d errors out of %d operations", errorCount, len(observations)),
			Context:    "Error rate analysis - consider investigating common failure modes",
			Confidence: 0.5,
		})
	}
	return out
}

// Analyse implements H.2 end-to-end: load, gate on the minimum count,
// summarise, call the provider chain (falling back to a deterministic
// summary if every provider fails), stage the result, and mark the
// consumed observations processed.
//
// chain may be nil (no providers configured): Analyse then goes straight
// to the deterministic fallback, exactly as if every configured provider
// had failed.
func Analyse(ctx context.Context, cfg config.KnowledgeConfig, chain *llm.Chain, sessionID, storageRoot string, now time.Time) (AnalysisOutcome, error) {
	observations, err := LoadUnprocessedObservations(storageRoot, cfg.MaxObservationsForLLM)
	if err != nil {
		return AnalysisOutcome{}, err
	}
	if len(observations) < cfg.MinObservationsForAnalysis {
		return AnalysisOutcome{Skipped: true, ObservationCount: len(observations)}, nil
	}

	summary := SummarizeObservations(observations)

	var learnings []Learning
	provider := ""
	if chain != nil {
		timeout := providerTimeout(cfg)
		resp, _, callErr := chain.Complete(ctx, llm.Request{
			SystemPrompt: analysisInstructions,
			Prompt:       summary,
			MaxTokens:    2048,
			Timeout:      timeout,
		})
		if callErr == nil {
			learnings = ParseLearnings(resp.Text)
			provider = resp.Provider
		}
	}

	if provider == "" {
		learnings = FallbackLearnings(observations)
		provider = "fallback_raw"
	}

	staging := PendingLearnings{
		SessionID:        sessionID,
		AnalyzedAt:       nowISO(now),
		ObservationCount: len(observations),
		LLMProvider:      provider,
		Learnings:        learnings,
	}
	if err := writePendingLearnings(storageRoot, staging); err != nil {
		return AnalysisOutcome{}, err
	}

	if err := markObservationsProcessed(storageRoot, sessionID); err != nil {
		return AnalysisOutcome{}, err
	}

	return AnalysisOutcome{ObservationCount: len(observations), Provider: provider, Learnings: learnings}, nil
}

// providerTimeout sizes the single internal/llm.Chain call this pipeline
// makes. Chain.Complete applies one req.Timeout to every provider it
// tries in sequence, so it cannot honour separate remote (60s)/local
// (120s) defaults per provider tier the way two independent calls could.
// Sizing the shared timeout to the LOCAL default (the larger of the two)
// means a remote provider is never cut short of its own budget; a slow
// remote call simply borrows from local's larger allowance before the
// chain falls through, consistent with "single attempt" per provider and
// no cross-tier retry.
func providerTimeout(cfg config.KnowledgeConfig) time.Duration {
	remote := time.Duration(cfg.RemoteTimeoutSeconds) * time.Second
	local := time.Duration(cfg.LocalTimeoutSeconds) * time.Second
	if local > remote {
		return local
	}
	return remote
}

func writePendingLearnings(storageRoot string, staging PendingLearnings) error {
	if err := atomicfile.Write(PendingLearningsPath(storageRoot), staging); err != nil {
		return fmt.Errorf("knowledge: write pending learnings: %w", err)
	}
	return nil
}

// markObservationsProcessed rewrites observations.jsonl with every line
// belonging to sessionID flipped to processed=true, using the whole-file
// rewrite jsonl.RewriteAll provides rather than per-line in-place edits —
// the original's mark_observations_processed reads the whole file into
// memory and rewrites it for the same reason: JSONL has no stable
// line-addressable update primitive.
func markObservationsProcessed(storageRoot, sessionID string) error {
	path := ObservationsPath(storageRoot)
	all, _, err := jsonl.ReadAll[Observation](path)
	if err != nil {
		return fmt.Errorf("knowledge: read observations for processing: %w", err)
	}
	if len(all) == 0 {
		return nil
	}
	for i := range all {
		if all[i].SessionID == sessionID {
			all[i].Processed = true
		}
	}
	if err := jsonl.RewriteAll(path, all); err != nil {
		return fmt.Errorf("knowledge: mark observations processed: %w", err)
	}
	return nil
}
