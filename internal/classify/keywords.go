package classify

// Keyword tables for the four classification axes, declared as data per
// spec.md §4.E, grounded on the original Caddy request analyzer's
// COMPLEXITY_SIGNALS/TASK_TYPE_SIGNALS/QUALITY_SIGNALS/SCOPE_SIGNALS
// tables (analyze_request.py). Map iteration order in Go is randomised, so
// every axis additionally declares its categories in a fixed slice to
// break keyword-count ties deterministically.

// Complexity axis.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
	ComplexityMassive  = "massive"
)

var complexityOrder = []string{ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityMassive}

var complexityKeywords = map[string][]string{
	ComplexitySimple: {
		"fix typo", "rename", "update version", "change color",
		"add comment", "remove unused", "small change", "quick fix",
		"one line", "simple",
	},
	ComplexityModerate: {
		"add feature", "implement", "create endpoint", "add validation",
		"refactor", "update", "modify", "extend", "enhance",
	},
	ComplexityComplex: {
		"authentication", "authorization", "redesign",
		"full stack", "end to end", "overhaul",
		"integrate", "pipeline", "rest api", "graphql", "rate limit",
		"caching", "websocket", "middleware", "api with",
	},
	ComplexityMassive: {
		"entire codebase", "all files", "whole project", "everything",
		"from scratch", "rewrite", "rebuild", "migrate database",
		"monorepo", "microservices", "migrate all", "across the entire",
	},
}

// Task-type axis.
const (
	TaskImplement = "implement"
	TaskFix       = "fix"
	TaskRefactor  = "refactor"
	TaskResearch  = "research"
	TaskTest      = "test"
	TaskReview    = "review"
	TaskDocument  = "document"
	TaskDeploy    = "deploy"
	TaskPlan      = "plan"
)

var taskTypeOrder = []string{
	TaskImplement, TaskFix, TaskRefactor, TaskResearch, TaskTest,
	TaskReview, TaskDocument, TaskDeploy, TaskPlan,
}

// taskTypeDefault is the axis default when no keyword matches, and the
// baseline against which estimateConfidence checks "task type is
// non-default" (spec.md §4.E's confidence rule).
const taskTypeDefault = TaskImplement

var taskTypeKeywords = map[string][]string{
	TaskImplement: {
		"build", "create", "add", "implement", "develop", "make",
		"write", "new feature", "scaffold",
	},
	TaskFix: {
		"fix", "bug", "broken", "error", "crash", "failing",
		"not working", "issue", "debug", "repair",
	},
	TaskRefactor: {
		"refactor", "restructure", "clean", "reorganize", "simplify",
		"extract", "decouple", "modularize", "migrate",
	},
	TaskResearch: {
		"how does", "understand", "explain", "analyze", "investigate",
		"find out", "explore", "what is", "research", "search for",
	},
	TaskTest: {
		"test", "coverage", "unit test", "integration test", "e2e",
		"spec", "assert",
	},
	TaskReview: {
		"review", "audit", "scan", "check", "inspect", "evaluate",
		"assess",
	},
	TaskDocument: {
		"document", "readme", "docs", "api doc", "comment", "jsdoc",
	},
	TaskDeploy: {
		"deploy", "release", "publish", "package", "build", "ship",
		"ci/cd",
	},
	TaskPlan: {
		"plan", "design", "architect", "roadmap", "strategy",
		"brainstorm", "think about",
	},
}

// Quality axis. Unlike the other axes this is priority-ordered rather than
// a keyword-count contest: critical beats high beats the standard default,
// matching classify_quality_need's explicit for-level-in-["critical",
// "high"] scan.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
	QualityCritical = "critical"
)

var qualityPriorityOrder = []string{QualityCritical, QualityHigh}

var qualityKeywords = map[string][]string{
	QualityCritical: {
		"security", "auth", "payment", "production", "database migration",
		"encryption", "credential", "secret", "irreversible", "critical",
	},
	QualityHigh: {
		"important", "careful", "thorough", "comprehensive", "robust",
		"reliable", "tested",
	},
}

// Scope axis. Also priority-ordered (unknown first, then broad, moderate,
// focused), matching classify_codebase_scope's explicit scan order rather
// than a keyword-count contest — an "unknown" signal like "how does"
// always wins even if a "broad" keyword also appears.
const (
	ScopeFocused  = "focused"
	ScopeModerate = "moderate"
	ScopeBroad    = "broad"
	ScopeUnknown  = "unknown"
)

var scopePriorityOrder = []string{ScopeUnknown, ScopeBroad, ScopeModerate, ScopeFocused}

// scopeDefault is returned when no scope keyword matches at all.
const scopeDefault = ScopeModerate

var scopeKeywords = map[string][]string{
	ScopeFocused: {
		"this file", "single file", "one file", "specific function",
		"this method", "just this", "one component", "simple",
	},
	ScopeModerate: {
		"these files", "related files", "module", "package", "component",
		"directory", "folder", "endpoint",
	},
	ScopeBroad: {
		"entire codebase", "all files", "whole project", "everywhere",
		"across the project", "project-wide", "global", "throughout",
		"codebase", "all components", "every file", "entire", "across the",
		"all of", "complete", "comprehensive", "entire project",
	},
	ScopeUnknown: {
		"how does", "where is", "explore",
		"understand", "what is", "which files", "locate",
	},
}
