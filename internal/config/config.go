// Package config loads the runtime's GuardrailsConfig: circuit-breaker
// thresholds, damage-control policy rules, classifier tuning, compaction
// and knowledge-pipeline tuning, the registered handler set, LLM provider
// endpoints, and logging. Precedence (highest first): environment
// variables, YAML file (with $include), built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
)

// EnvPrefix is the fixed prefix for environment-variable overrides, per
// "PREFIX_FOO_BAR_BAZ" overriding the YAML field "foo.bar.baz".
const EnvPrefix = "HOOKRT"

// CircuitBreakerConfig tunes component C.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	CooldownSeconds  int      `yaml:"cooldown_seconds"`
	Exclude          []string `yaml:"exclude"`
}

// PatternRule is a single damage-control rule: a literal or regex pattern
// matched against a bash command segment or a resolved file path.
type PatternRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// PolicyConfig tunes component D.
type PolicyConfig struct {
	DenyRules    []PatternRule `yaml:"deny_rules"`
	AskRules     []PatternRule `yaml:"ask_rules"`
	AlwaysAllow  []string      `yaml:"always_allow"`
	PathDenyRules []PatternRule `yaml:"path_deny_rules"`
	PathAskRules  []PatternRule `yaml:"path_ask_rules"`
}

// ClassifierConfig tunes component E.
type ClassifierConfig struct {
	HaikuFallbackThreshold float64 `yaml:"haiku_fallback_threshold"`
	LLMRefinementEnabled   bool    `yaml:"llm_refinement_enabled"`
	LLMTimeoutMs           int     `yaml:"llm_timeout_ms"`
}

// CompactionConfig tunes component G.
type CompactionConfig struct {
	CheckFrequency      int     `yaml:"check_frequency"`
	CharToTokenFactor   float64 `yaml:"char_to_token_factor"`
	MaxContextTokens    int     `yaml:"max_context_tokens"`
	CompactionThreshold float64 `yaml:"compaction_threshold"`
	TurnsUntilCold      int     `yaml:"turns_until_cold"`
	MinMessagesInRange  int     `yaml:"min_messages_in_range"`
}

// KnowledgeConfig tunes component H.
type KnowledgeConfig struct {
	MaxObservationsForLLM      int     `yaml:"max_observations_for_llm"`
	MinObservationsForAnalysis int     `yaml:"min_observations_for_analysis"`
	MinConfidence              float64 `yaml:"min_confidence"`
	DedupWordOverlapThreshold  float64 `yaml:"dedup_word_overlap_threshold"`
	MaxInjections              int     `yaml:"max_injections"`
	LookbackDays               int     `yaml:"lookback_days"`
	RemoteTimeoutSeconds       int     `yaml:"remote_timeout_seconds"`
	LocalTimeoutSeconds        int     `yaml:"local_timeout_seconds"`
}

// HandlerConfig describes one registered handler (spec.md §3's "handler
// descriptor").
type HandlerConfig struct {
	Name           string   `yaml:"name"`
	Events         []string `yaml:"events"`
	Command        string   `yaml:"command"`
	TimeoutMs      int      `yaml:"timeout_ms"`
	ExcludeBreaker bool     `yaml:"exclude_breaker"`
}

// ProviderConfig configures one LLM backend slot in the fallback chain.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig is the remote-primary/remote-secondary/local chain.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Local     ProviderConfig `yaml:"local"`
}

// DispatchConfig tunes component I's handler fan-out.
type DispatchConfig struct {
	// Workers bounds how many handler subprocesses run concurrently for a
	// single event. Zero (the YAML default) is resolved to runtime.NumCPU()
	// by DefaultConfig, never left as "unbounded".
	Workers int `yaml:"workers"`
}

// LoggingConfig tunes the telemetry package.
type LoggingConfig struct {
	Level           string   `yaml:"level"`
	Format          string   `yaml:"format"`
	Output          string   `yaml:"output"`
	RedactPatterns  []string `yaml:"redact_patterns"`
}

// Config is the complete GuardrailsConfig tree.
type Config struct {
	StorageRoot    string                `yaml:"storage_root"`
	CircuitBreaker CircuitBreakerConfig  `yaml:"circuit_breaker"`
	Policy         PolicyConfig          `yaml:"policy"`
	Classifier     ClassifierConfig      `yaml:"classifier"`
	Compaction     CompactionConfig      `yaml:"compaction"`
	Knowledge      KnowledgeConfig       `yaml:"knowledge"`
	Handlers       []HandlerConfig       `yaml:"handlers"`
	Providers      ProvidersConfig       `yaml:"providers"`
	Logging        LoggingConfig         `yaml:"logging"`
	Dispatch       DispatchConfig        `yaml:"dispatch"`
}

// DefaultConfig returns the built-in defaults named throughout spec.md.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StorageRoot: filepath.Join(home, ".claude"),
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			CooldownSeconds:  300,
		},
		Policy: PolicyConfig{
			AlwaysAllow: []string{"cat", "head", "tail", "wc", "sort", "uniq", "grep", "ls"},
		},
		Classifier: ClassifierConfig{
			HaikuFallbackThreshold: 0.65,
			LLMRefinementEnabled:   true,
			LLMTimeoutMs:           3000,
		},
		Compaction: CompactionConfig{
			CheckFrequency:      10,
			CharToTokenFactor:   0.25,
			MaxContextTokens:    200000,
			CompactionThreshold: 0.60,
			TurnsUntilCold:      20,
			MinMessagesInRange:  5,
		},
		Knowledge: KnowledgeConfig{
			MaxObservationsForLLM:      200,
			MinObservationsForAnalysis: 10,
			MinConfidence:              0.3,
			DedupWordOverlapThreshold:  0.70,
			MaxInjections:              5,
			LookbackDays:               30,
			RemoteTimeoutSeconds:       60,
			LocalTimeoutSeconds:        120,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{Model: "claude-3-5-haiku-latest"},
			OpenAI:    ProviderConfig{Model: "gpt-4o-mini"},
			Local:     ProviderConfig{BaseURL: "http://localhost:11434/v1", Model: "llama3.1"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Dispatch: DispatchConfig{
			Workers: runtime.NumCPU(),
		},
	}
}

// Warning is a non-fatal config problem (spec.md §7's config-invalid
// class): the runtime continues with defaults for the unaffected parts.
type Warning struct {
	Field   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// Load reads path (if non-empty and present), merges it over the defaults,
// applies environment overrides, and returns the resolved config plus any
// non-fatal warnings about unknown keys. A missing path is not an error:
// the defaults are returned as-is.
func Load(path string) (*Config, []Warning, error) {
	cfg := DefaultConfig()
	var warnings []Warning

	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			raw, err := LoadRaw(path)
			if err != nil {
				return nil, nil, fmt.Errorf("config: load %s: %w", path, err)
			}
			warnings = append(warnings, unknownKeyWarnings("", raw, cfg)...)
			decoded, err := decodeRawConfig(mergeWithDefaults(cfg, raw))
			if err != nil {
				return nil, nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
			cfg = decoded
		}
	}

	if err := applyEnvOverrides(cfg, EnvPrefix); err != nil {
		return nil, nil, fmt.Errorf("config: env override: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("config: invalid: %w", err)
	}

	return cfg, warnings, nil
}

// mergeWithDefaults re-marshals cfg (the defaults) to a raw map and merges
// raw over it, so that fields absent from the YAML keep their default
// values rather than being zeroed by the decoder.
func mergeWithDefaults(cfg *Config, raw map[string]any) map[string]any {
	defaultsRaw := structToRawMap(cfg)
	return mergeMaps(defaultsRaw, raw)
}

func validate(cfg *Config) error {
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cfg.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}
	if cfg.CircuitBreaker.CooldownSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown_seconds must be positive")
	}
	if cfg.Classifier.HaikuFallbackThreshold < 0 || cfg.Classifier.HaikuFallbackThreshold > 1 {
		return fmt.Errorf("classifier.haiku_fallback_threshold must be in [0,1]")
	}
	if cfg.Knowledge.MinConfidence < 0 || cfg.Knowledge.MinConfidence > 1 {
		return fmt.Errorf("knowledge.min_confidence must be in [0,1]")
	}
	return nil
}

// unknownKeyWarnings walks raw's top-level and nested map keys and warns
// about any that don't correspond to a yaml tag on cfg's type, per the
// spec's "unknown keys are warned about and ignored" rule. $include/include
// are handled separately by the loader and never reach here.
func unknownKeyWarnings(prefix string, raw map[string]any, cfg any) []Warning {
	known := yamlFieldSet(reflect.TypeOf(cfg))
	var warnings []Warning
	for key, val := range raw {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		sub, isKnown := known[key]
		if !isKnown {
			warnings = append(warnings, Warning{Field: full, Message: "unknown config key, ignored"})
			continue
		}
		if nested, ok := val.(map[string]any); ok && sub != nil {
			warnings = append(warnings, unknownKeyWarnings(full, nested, sub)...)
		}
	}
	return warnings
}

// yamlFieldSet maps a struct (or *struct) type's yaml tag names to a zero
// value of the field's type, for recursive unknown-key detection.
func yamlFieldSet(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	out := map[string]any{}
	if t.Kind() != reflect.Struct {
		return out
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("yaml")
		name := strings.Split(tag, ",")[0]
		if name == "" || name == "-" {
			continue
		}
		out[name] = reflect.New(f.Type).Elem().Interface()
	}
	return out
}

// structToRawMap round-trips cfg through YAML to a generic map, used only
// to seed mergeMaps with the default values.
func structToRawMap(cfg *Config) map[string]any {
	payload, err := yamlMarshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	raw, err := yamlUnmarshalMap(payload)
	if err != nil {
		return map[string]any{}
	}
	return raw
}

// applyEnvOverrides walks cfg's yaml-tagged fields and, for each leaf,
// checks PREFIX_FOO_BAR_BAZ (upper-cased, dot-to-underscore). Values are
// parsed as bool, then int, then float, then left as string, per §6.
func applyEnvOverrides(cfg *Config, prefix string) error {
	return walkSetEnv(prefix, "", reflect.ValueOf(cfg).Elem())
}

func walkSetEnv(prefix, path string, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag := strings.Split(f.Tag.Get("yaml"), ",")[0]
			if tag == "" || tag == "-" {
				continue
			}
			childPath := tag
			if path != "" {
				childPath = path + "." + tag
			}
			if err := walkSetEnv(prefix, childPath, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		// Env overrides apply to scalar leaves only; slices (rule lists,
		// handler lists) are YAML-only per spec.
		return nil
	default:
		envName := prefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
		raw, ok := os.LookupEnv(envName)
		if !ok {
			return nil
		}
		return setScalarFromEnv(v, raw)
	}
}

func setScalarFromEnv(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.Bool:
		b, err := parseEnvBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			v.SetInt(i)
			return nil
		}
		return fmt.Errorf("invalid int override %q", raw)
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			v.SetFloat(f)
			return nil
		}
		return fmt.Errorf("invalid float override %q", raw)
	case reflect.String:
		v.SetString(raw)
	default:
		return fmt.Errorf("unsupported override target kind %s", v.Kind())
	}
	return nil
}

// parseEnvBool implements the boolean vocabulary from §6:
// true|false|yes|no|on|off|1|0.
func parseEnvBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool override %q", raw)
	}
}
