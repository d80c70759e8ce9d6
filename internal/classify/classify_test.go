package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/llm"
)

func TestClassifySimpleFix(t *testing.T) {
	r := Classify(context.Background(), "fix typo in the readme", config.ClassifierConfig{}, nil)
	if r.Complexity != ComplexitySimple {
		t.Fatalf("expected simple complexity, got %q", r.Complexity)
	}
	if r.TaskType != TaskFix {
		t.Fatalf("expected fix task type, got %q", r.TaskType)
	}
	if r.Strategy != StrategyDirect {
		t.Fatalf("expected direct strategy, got %q", r.Strategy)
	}
	if r.Source != "keyword" {
		t.Fatalf("expected keyword source, got %q", r.Source)
	}
}

func TestClassifyMassiveAlwaysIterativeLoop(t *testing.T) {
	r := Classify(context.Background(), "rewrite the entire codebase from scratch", config.ClassifierConfig{}, nil)
	if r.Complexity != ComplexityMassive {
		t.Fatalf("expected massive complexity, got %q", r.Complexity)
	}
	if r.Strategy != StrategyIterativeLoop {
		t.Fatalf("expected iterative-loop for massive complexity, got %q", r.Strategy)
	}
}

func TestClassifyUnknownScopeResearchIsIterativeLoop(t *testing.T) {
	r := Classify(context.Background(), "how does the authentication flow work across the service?", config.ClassifierConfig{}, nil)
	if r.Scope != ScopeUnknown {
		t.Fatalf("expected unknown scope, got %q", r.Scope)
	}
	if r.TaskType != TaskResearch {
		t.Fatalf("expected research task type, got %q", r.TaskType)
	}
	if r.Strategy != StrategyIterativeLoop {
		t.Fatalf("expected iterative-loop for unknown scope + research, got %q", r.Strategy)
	}
}

func TestClassifyPlainResearchIsDelegatedResearch(t *testing.T) {
	r := Classify(context.Background(), "research how the payment retry logic in this module works", config.ClassifierConfig{}, nil)
	if r.TaskType != TaskResearch {
		t.Fatalf("expected research task type, got %q", r.TaskType)
	}
	if r.Scope == ScopeUnknown || r.Scope == ScopeBroad {
		t.Skip("scope keyword happened to trigger an iterative-loop branch first; not the case under test")
	}
	if r.Strategy != StrategyDelegatedResearch {
		t.Fatalf("expected delegated-research, got %q", r.Strategy)
	}
}

func TestClassifyPlanIsBrainstorm(t *testing.T) {
	r := Classify(context.Background(), "plan the design for a new caching layer in this module", config.ClassifierConfig{}, nil)
	if r.TaskType != TaskPlan {
		t.Fatalf("expected plan task type, got %q", r.TaskType)
	}
	if r.Strategy != StrategyBrainstorm {
		t.Fatalf("expected brainstorm, got %q", r.Strategy)
	}
}

func TestClassifyCriticalQualityForcesFusion(t *testing.T) {
	r := Classify(context.Background(), "add feature to handle payment credential storage safely", config.ClassifierConfig{}, nil)
	if r.Quality != QualityCritical {
		t.Fatalf("expected critical quality, got %q", r.Quality)
	}
	if r.Strategy != StrategyFusion {
		t.Fatalf("expected fusion for non-massive complexity + critical quality, got %q", r.Strategy)
	}
}

func TestEstimateConfidenceClampedToUnitRange(t *testing.T) {
	c := estimateConfidence(ComplexitySimple, TaskFix, QualityStandard, 5, 300)
	if c < 0 || c > 1 {
		t.Fatalf("confidence out of range: %f", c)
	}
}

func TestEstimateConfidenceShortPromptIsPenalized(t *testing.T) {
	short := estimateConfidence(ComplexityModerate, taskTypeDefault, QualityStandard, 0, 5)
	long := estimateConfidence(ComplexityModerate, taskTypeDefault, QualityStandard, 0, 250)
	if short >= long {
		t.Fatalf("expected short prompt to score lower confidence: short=%f long=%f", short, long)
	}
}

func TestClassifyEmptyPromptFallsBackToDefaults(t *testing.T) {
	r := Classify(context.Background(), "", config.ClassifierConfig{}, nil)
	if r.Complexity != ComplexitySimple {
		t.Fatalf("expected default-first complexity category, got %q", r.Complexity)
	}
	if r.TaskType != taskTypeDefault {
		t.Fatalf("expected default task type, got %q", r.TaskType)
	}
}

type fakeLLMProvider struct {
	text string
	err  error
}

func (f *fakeLLMProvider) Name() string { return "fake" }

func (f *fakeLLMProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.text}, nil
}

func TestClassifyRefinesLowConfidenceWithLLM(t *testing.T) {
	chain := llm.NewChain(&fakeLLMProvider{text: `{"complexity":"complex","task_type":"implement","quality":"high","scope":"moderate"}`})
	cfg := config.ClassifierConfig{LLMRefinementEnabled: true, HaikuFallbackThreshold: 0.99}

	r := Classify(context.Background(), "xyz", cfg, chain)
	if r.Source != "llm" {
		t.Fatalf("expected llm refinement to fire given threshold 0.99, got source=%q result=%+v", r.Source, r)
	}
	if r.Complexity != "complex" || r.Quality != "high" {
		t.Fatalf("expected refined axes adopted, got %+v", r)
	}
}

func TestClassifyKeepsKeywordResultOnMalformedLLMResponse(t *testing.T) {
	chain := llm.NewChain(&fakeLLMProvider{text: "not json at all"})
	cfg := config.ClassifierConfig{LLMRefinementEnabled: true, HaikuFallbackThreshold: 0.99}

	r := Classify(context.Background(), "xyz", cfg, chain)
	if r.Source != "keyword" {
		t.Fatalf("expected fallback to keyword result on malformed LLM output, got %+v", r)
	}
}

func TestClassifyKeepsKeywordResultOnInvalidEnum(t *testing.T) {
	chain := llm.NewChain(&fakeLLMProvider{text: `{"complexity":"huge","task_type":"implement","quality":"high","scope":"moderate"}`})
	cfg := config.ClassifierConfig{LLMRefinementEnabled: true, HaikuFallbackThreshold: 0.99}

	r := Classify(context.Background(), "xyz", cfg, chain)
	if r.Source != "keyword" {
		t.Fatalf("expected fallback to keyword result on invalid enum value, got %+v", r)
	}
}

func TestClassifySkipsRefinementWhenConfidenceAlreadyHigh(t *testing.T) {
	chain := llm.NewChain(&fakeLLMProvider{err: errors.New("should never be called")})
	cfg := config.ClassifierConfig{LLMRefinementEnabled: true, HaikuFallbackThreshold: 0.0}

	r := Classify(context.Background(), "fix typo in the readme", cfg, chain)
	if r.Source != "keyword" {
		t.Fatalf("expected no refinement when confidence already exceeds threshold, got %+v", r)
	}
}

func TestClassifySkipsRefinementWhenDisabled(t *testing.T) {
	chain := llm.NewChain(&fakeLLMProvider{err: errors.New("should never be called")})
	cfg := config.ClassifierConfig{LLMRefinementEnabled: false, HaikuFallbackThreshold: 0.99}

	r := Classify(context.Background(), "xyz", cfg, chain)
	if r.Source != "keyword" {
		t.Fatalf("expected no refinement when disabled in config, got %+v", r)
	}
}
