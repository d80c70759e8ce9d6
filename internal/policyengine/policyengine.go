// Package policyengine implements component D, the damage-control policy
// engine: evaluate(tool_name, tool_input, config) -> (verdict, reason).
//
// Bash command chains are tokenised with a quote-aware scan, generalising a
// simple safe/unsafe boolean command-safety check into a segment splitter:
// each unquoted chain separator (;, &&, ||, |) starts a new segment, and
// the contents of unquoted $(...) and `...` substitutions are additionally
// extracted and checked as their own segments, since a deny pattern hidden
// inside a substitution is just as dangerous as one at the top level.
// Edit/Write paths are resolved (~ expansion, relative-to-cwd) and matched
// against a separate path rule set. Rule priority is a deny-before-ask
// cascade: first match wins, declaration order preserved.
package policyengine

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/telemetry"
)

// Verdict is the engine's decision for one tool call.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictAsk   Verdict = "ask"
	VerdictDeny  Verdict = "deny"
)

// Decision is the full result of Evaluate: a verdict plus the reason string
// callers surface to the host unmodified.
type Decision struct {
	Verdict Verdict
	Reason  string
	// Rule is the name of the matching rule, empty when Verdict is Allow
	// with no match.
	Rule string
}

func allow() Decision { return Decision{Verdict: VerdictAllow} }

// compiledRule is a PatternRule with its regex pre-compiled once, so a bad
// pattern is diagnosed at construction time rather than on every call.
type compiledRule struct {
	name    string
	reason  string
	pattern *regexp.Regexp
}

// Engine evaluates tool calls against a compiled set of damage-control
// rules. It is safe for concurrent use; all state is read-only after New.
type Engine struct {
	denyRules     []compiledRule
	askRules      []compiledRule
	pathDenyRules []compiledRule
	pathAskRules  []compiledRule
	alwaysAllow   map[string]struct{}
	logger        *telemetry.Logger
}

// New compiles cfg's rule lists into an Engine. A rule whose pattern fails
// to compile is logged as a warning through logger (which may be nil) and
// excluded; it never prevents the engine from evaluating the remaining
// rules, per spec's "the engine never fails the whole call" requirement.
func New(cfg config.PolicyConfig, logger *telemetry.Logger) *Engine {
	e := &Engine{alwaysAllow: map[string]struct{}{}}
	e.logger = logger
	e.denyRules = compileRules(cfg.DenyRules, logger)
	e.askRules = compileRules(cfg.AskRules, logger)
	e.pathDenyRules = compileRules(cfg.PathDenyRules, logger)
	e.pathAskRules = compileRules(cfg.PathAskRules, logger)
	for _, name := range cfg.AlwaysAllow {
		name = strings.TrimSpace(name)
		if name != "" {
			e.alwaysAllow[name] = struct{}{}
		}
	}
	return e
}

func compileRules(rules []config.PatternRule, logger *telemetry.Logger) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			if logger != nil {
				logger.Warn(context.Background(), "policyengine: skipping rule with invalid pattern", "rule", r.Name, "pattern", r.Pattern, "error", err.Error())
			}
			continue
		}
		out = append(out, compiledRule{name: r.Name, reason: r.Reason, pattern: re})
	}
	return out
}

// Evaluate is the engine's single entry point. toolInput is the tool call's
// raw input map (as decoded from the event envelope); cwd is the event's
// working directory, used to resolve relative Edit/Write paths.
func (e *Engine) Evaluate(toolName string, toolInput map[string]any, cwd string) Decision {
	switch toolName {
	case "Bash":
		return e.evaluateBash(stringField(toolInput, "command"))
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		path := stringField(toolInput, "file_path")
		if path == "" {
			path = stringField(toolInput, "path")
		}
		return e.evaluatePath(resolvePath(path, cwd))
	default:
		return allow()
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// resolvePath expands a leading ~ to the user's home directory, then
// resolves a still-relative path against cwd.
func resolvePath(path, cwd string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) && cwd != "" {
		path = filepath.Join(cwd, path)
	}
	return path
}

func (e *Engine) evaluatePath(path string) Decision {
	if d, ok := matchFirst(e.pathDenyRules, path, VerdictDeny); ok {
		return d
	}
	if d, ok := matchFirst(e.pathAskRules, path, VerdictAsk); ok {
		return d
	}
	return allow()
}

// evaluateBash splits cmd into chain segments and evaluates each in
// declaration order of appearance, deny before ask within a segment,
// stopping at the first match across all segments (the first dangerous
// segment determines the verdict, matching the algorithm's "iterate each
// chained command" wording).
func (e *Engine) evaluateBash(cmd string) Decision {
	if strings.TrimSpace(cmd) == "" {
		return allow()
	}
	for _, segment := range splitChain(cmd) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if _, skip := e.alwaysAllow[firstWord(segment)]; skip {
			continue
		}
		if d, ok := matchFirst(e.denyRules, segment, VerdictDeny); ok {
			return d
		}
		if d, ok := matchFirst(e.askRules, segment, VerdictAsk); ok {
			return d
		}
	}
	return allow()
}

func matchFirst(rules []compiledRule, text string, verdict Verdict) (Decision, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return Decision{Verdict: verdict, Reason: r.reason, Rule: r.name}, true
		}
	}
	return Decision{}, false
}

func firstWord(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// splitChain tokenises a bash command line into its chained sub-commands,
// respecting single/double quoting and backslash escapes the way a
// quote-aware command scanner tracks quote state, but splitting rather
// than merely flagging. Unquoted $(...) and `...` substitutions are
// appended as additional segments so a deny pattern hidden inside a
// substitution is still caught.
func splitChain(cmd string) []string {
	var segments []string
	var sub []string // pending substitution contents, collected as we scan

	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false
	depth := 0 // nesting depth of $( or `...` we're currently inside

	flush := func() {
		segments = append(segments, cur.String())
		cur.Reset()
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if escaped {
			escaped = false
			cur.WriteRune(c)
			continue
		}
		if c == '\\' && !inSingle {
			escaped = true
			cur.WriteRune(c)
			continue
		}
		if c == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteRune(c)
			continue
		}
		if c == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteRune(c)
			continue
		}
		if inSingle || inDouble {
			cur.WriteRune(c)
			continue
		}

		// Track $( ... ) and `...` substitutions: capture their inner text
		// as a separate segment without breaking the outer scan.
		if c == '`' {
			j := i + 1
			var inner strings.Builder
			for j < len(runes) && runes[j] != '`' {
				inner.WriteRune(runes[j])
				j++
			}
			sub = append(sub, inner.String())
			cur.WriteString("`")
			cur.WriteString(inner.String())
			cur.WriteString("`")
			i = j
			continue
		}
		if c == '$' && i+1 < len(runes) && runes[i+1] == '(' {
			depth = 1
			j := i + 2
			var inner strings.Builder
			for j < len(runes) && depth > 0 {
				switch runes[j] {
				case '(':
					depth++
				case ')':
					depth--
					if depth == 0 {
						j++
						continue
					}
				}
				if depth > 0 {
					inner.WriteRune(runes[j])
				}
				j++
			}
			sub = append(sub, inner.String())
			cur.WriteString("$(")
			cur.WriteString(inner.String())
			cur.WriteString(")")
			i = j - 1
			continue
		}

		// Chain separators: ;, &&, ||, | (but not the second char of && / ||).
		if c == ';' {
			flush()
			continue
		}
		if c == '|' {
			if i+1 < len(runes) && runes[i+1] == '|' {
				flush()
				i++
				continue
			}
			flush()
			continue
		}
		if c == '&' {
			if i+1 < len(runes) && runes[i+1] == '&' {
				flush()
				i++
				continue
			}
			// A lone trailing `&` backgrounds the command; not a chain
			// separator into a new command, so treat it as ordinary text.
			cur.WriteRune(c)
			continue
		}

		cur.WriteRune(c)
	}
	flush()

	return append(segments, sub...)
}
