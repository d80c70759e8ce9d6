// Package classify implements component E, the request classifier:
// four-axis keyword classification of a free-text user prompt
// (complexity, task type, quality, scope), execution-strategy selection,
// confidence estimation, and optional LLM refinement on low-confidence
// keyword results.
//
// Grounded on the original Caddy request analyzer
// (analyze_request.py's classify_*/select_strategy/estimate_confidence),
// with its "rlm" strategy renamed "iterative-loop" and "research" renamed
// "delegated-research" per spec.md §4.E's vocabulary, and its per-skill
// detection/audit machinery dropped (no skill-suggestion feature exists in
// this spec; "more keyword hits in top match" is measured directly off the
// complexity axis instead of a skills list).
package classify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/llm"
)

// Strategy is the selected execution strategy for a classified prompt.
type Strategy string

const (
	StrategyDirect            Strategy = "direct"
	StrategyOrchestrate       Strategy = "orchestrate"
	StrategyFusion            Strategy = "fusion"
	StrategyIterativeLoop     Strategy = "iterative-loop"
	StrategyDelegatedResearch Strategy = "delegated-research"
	StrategyBrainstorm        Strategy = "brainstorm"
)

// Result is the full four-axis classification plus the derived strategy
// and confidence, matching spec.md §3's classification record.
type Result struct {
	Complexity string   `json:"complexity"`
	TaskType   string   `json:"task_type"`
	Quality    string   `json:"quality"`
	Scope      string   `json:"scope"`
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
	// Source is "keyword" or "llm", so callers and tests can tell whether
	// refinement actually fired.
	Source string `json:"source"`
}

// strategyTable is STRATEGY_MAP from the original, keyed by
// (complexity, quality), covering only the three non-massive complexities
// since massive is always routed to iterative-loop before this table is
// consulted.
var strategyTable = map[[2]string]Strategy{
	{ComplexitySimple, QualityStandard}: StrategyDirect,
	{ComplexitySimple, QualityHigh}:     StrategyDirect,
	{ComplexitySimple, QualityCritical}: StrategyFusion,

	{ComplexityModerate, QualityStandard}: StrategyOrchestrate,
	{ComplexityModerate, QualityHigh}:     StrategyOrchestrate,
	{ComplexityModerate, QualityCritical}: StrategyFusion,

	{ComplexityComplex, QualityStandard}: StrategyOrchestrate,
	{ComplexityComplex, QualityHigh}:     StrategyOrchestrate,
	{ComplexityComplex, QualityCritical}: StrategyFusion,
}

// Classify runs the keyword classifier and, if its confidence falls below
// cfg.HaikuFallbackThreshold and cfg.LLMRefinementEnabled, attempts one
// constrained refinement call through chain. ctx bounds the whole call;
// the refinement request's own timeout is derived from cfg.LLMTimeoutMs
// but is further capped by ctx so a refinement attempt can never extend
// the hook's wall-time budget past what the caller already allows.
func Classify(ctx context.Context, prompt string, cfg config.ClassifierConfig, chain *llm.Chain) Result {
	result := classifyKeywords(prompt)

	if chain == nil || !cfg.LLMRefinementEnabled || result.Confidence >= cfg.HaikuFallbackThreshold {
		return result
	}

	refined, ok := refineWithLLM(ctx, prompt, cfg, chain)
	if !ok {
		return result
	}
	refined.Source = "llm"
	return refined
}

func classifyKeywords(prompt string) Result {
	lower := strings.ToLower(prompt)

	complexity, complexityHits := matchKeywordCount(lower, complexityOrder, complexityKeywords)
	taskType, _ := matchKeywordCount(lower, taskTypeOrder, taskTypeKeywords)
	quality := matchPriority(lower, qualityPriorityOrder, qualityKeywords, QualityStandard)
	scope := matchPriority(lower, scopePriorityOrder, scopeKeywords, scopeDefault)

	strategy := selectStrategy(scope, taskType, complexity, quality)
	confidence := estimateConfidence(complexity, taskType, quality, complexityHits, len(prompt))

	return Result{
		Complexity: complexity,
		TaskType:   taskType,
		Quality:    quality,
		Scope:      scope,
		Strategy:   strategy,
		Confidence: confidence,
		Source:     "keyword",
	}
}

// matchKeywordCount returns the category in order with the most keyword
// hits in text, breaking ties toward the earlier category in order (a
// strictly-greater comparison, matching Python's max() over a
// dict-in-insertion-order when scores tie on the first-seen key). Returns
// order[0] with 0 hits when nothing matches, per match_keywords' fallback
// to the table's first declared category.
func matchKeywordCount(text string, order []string, keywords map[string][]string) (string, int) {
	best := order[0]
	bestScore := countHits(text, keywords[order[0]])
	for _, cat := range order[1:] {
		score := countHits(text, keywords[cat])
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	return best, bestScore
}

func countHits(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// matchPriority scans priorityOrder in order and returns the first category
// with any keyword present in text, or fallback if none match.
func matchPriority(text string, priorityOrder []string, keywords map[string][]string, fallback string) string {
	for _, cat := range priorityOrder {
		for _, kw := range keywords[cat] {
			if strings.Contains(text, kw) {
				return cat
			}
		}
	}
	return fallback
}

// selectStrategy implements select_strategy's Auto-RLM trigger cascade,
// evaluated in the original's declared order, with "rlm" renamed
// "iterative-loop" and "research" renamed "delegated-research".
func selectStrategy(scope, taskType, complexity, quality string) Strategy {
	if scope == ScopeUnknown && taskType == TaskResearch {
		return StrategyIterativeLoop
	}
	if scope == ScopeBroad && (taskType == TaskReview || taskType == TaskResearch) {
		return StrategyIterativeLoop
	}
	if complexity == ComplexityMassive {
		return StrategyIterativeLoop
	}
	if scope == ScopeBroad && (complexity == ComplexityModerate || complexity == ComplexityComplex) {
		return StrategyIterativeLoop
	}
	if taskType == TaskResearch {
		return StrategyDelegatedResearch
	}
	if taskType == TaskPlan {
		return StrategyBrainstorm
	}
	if strategy, ok := strategyTable[[2]string{complexity, quality}]; ok {
		return strategy
	}
	return StrategyOrchestrate
}

// estimateConfidence mirrors estimate_confidence: a 0.5 base, nudged by
// task-type specificity, top-axis keyword hit strength, prompt length, and
// quality criticality, clamped to [0,1]. complexityHits stands in for the
// original's skill-match count (this spec has no skill-suggestion
// feature): a prompt with zero complexity-keyword hits is exactly the "no
// keywords matched" case spec.md calls out as a confidence decrease.
func estimateConfidence(complexity, taskType, quality string, complexityHits, promptLen int) float64 {
	confidence := 0.5

	if taskType != taskTypeDefault {
		confidence += 0.10
	}

	if complexityHits > 0 {
		boost := float64(complexityHits) * 0.05
		if boost > 0.20 {
			boost = 0.20
		}
		confidence += boost
	} else {
		confidence -= 0.10
	}

	if promptLen < 20 {
		confidence -= 0.20
	}
	if promptLen > 200 {
		confidence += 0.10
	}

	if complexity == ComplexitySimple {
		confidence += 0.15
	}
	if quality == QualityCritical {
		confidence -= 0.15
	}

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// llmClassification is the strict shape the refinement prompt asks the
// model to return; any field outside the four-axis enums fails validation
// and the keyword result is kept instead, per spec.md §4.E's "malformed
// field -> ignore the LLM output silently" rule.
type llmClassification struct {
	Complexity string `json:"complexity"`
	TaskType   string `json:"task_type"`
	Quality    string `json:"quality"`
	Scope      string `json:"scope"`
}

const refinementSystemPrompt = `Classify the user's coding request along four axes and respond with ONLY a JSON object, no prose:
{"complexity":"simple|moderate|complex|massive","task_type":"implement|fix|refactor|research|test|review|document|deploy|plan","quality":"standard|high|critical","scope":"focused|moderate|broad|unknown"}`

// refineWithLLM issues one constrained classification request. A malformed
// or partially-invalid response is treated as no refinement (ok=false):
// the caller keeps the keyword result rather than adopting a half-valid
// one.
func refineWithLLM(ctx context.Context, prompt string, cfg config.ClassifierConfig, chain *llm.Chain) (Result, bool) {
	timeout := time.Duration(cfg.LLMTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	resp, _, err := chain.Complete(ctx, llm.Request{
		SystemPrompt: refinementSystemPrompt,
		Prompt:       prompt,
		MaxTokens:    200,
		Timeout:      timeout,
	})
	if err != nil {
		return Result{}, false
	}

	var parsed llmClassification
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &parsed); err != nil {
		return Result{}, false
	}
	if !isValidEnum(parsed.Complexity, complexityOrder) ||
		!isValidEnum(parsed.TaskType, taskTypeOrder) ||
		!isValidEnum(parsed.Quality, []string{QualityStandard, QualityHigh, QualityCritical}) ||
		!isValidEnum(parsed.Scope, []string{ScopeFocused, ScopeModerate, ScopeBroad, ScopeUnknown}) {
		return Result{}, false
	}

	strategy := selectStrategy(parsed.Scope, parsed.TaskType, parsed.Complexity, parsed.Quality)
	return Result{
		Complexity: parsed.Complexity,
		TaskType:   parsed.TaskType,
		Quality:    parsed.Quality,
		Scope:      parsed.Scope,
		Strategy:   strategy,
		// An LLM-refined classification is taken as higher confidence than
		// the threshold that triggered refinement, since it is a successful
		// constrained response; it is not re-estimated by the keyword
		// formula, which has no meaning for a model-produced label.
		Confidence: 0.75,
	}, true
}

func isValidEnum(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// extractJSONObject trims any leading/trailing prose a provider might add
// despite the system prompt's "ONLY a JSON object" instruction, by slicing
// from the first '{' to the last '}'.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
