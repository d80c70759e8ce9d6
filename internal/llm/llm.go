// Package llm provides the provider-fallback abstraction used by the
// request classifier (E) and the knowledge pipeline's analyse stage (H.2).
//
// Per the design notes, the fallback chain is a property of this package,
// not duplicated by each caller: callers build a Chain once from config and
// call Complete; the chain tries each provider in order and returns the
// first success.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is a single classify/summarise call. It is deliberately generic:
// callers supply a system prompt describing the task (classification or
// learning extraction) and the content to operate on.
type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Timeout      time.Duration
}

// Response is the raw text returned by a provider, expected by callers to
// be JSON (classifier and knowledge analyse prompts both request strict
// JSON output) but not decoded here.
type Response struct {
	Text     string
	Provider string
}

// Provider is a single LLM backend: remote-primary, remote-secondary, or
// local. Implementations must respect ctx's deadline and never block past
// it.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Attempt records one failed provider call for diagnostics.
type Attempt struct {
	Provider string
	Reason   string
	Err      error
}

// Reasons used to classify provider errors, grouped so operators see
// consistent diagnostics regardless of which provider produced them.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonAuthError   = "auth_error"
	ReasonTimeout     = "timeout"
	ReasonServerError = "server_error"
	ReasonUnavailable = "model_unavailable"
	ReasonInvalid     = "invalid_request"
	ReasonUnknown     = "unknown"
)

// ErrAllProvidersFailed is returned when every provider in the chain fails.
var ErrAllProvidersFailed = errors.New("llm: all providers failed")

func classifyErrorReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline"):
		return ReasonTimeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "429"), strings.Contains(s, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "401"), strings.Contains(s, "403"), strings.Contains(s, "api key"):
		return ReasonAuthError
	case strings.Contains(s, "not found"), strings.Contains(s, "unavailable"):
		return ReasonUnavailable
	case strings.Contains(s, "invalid"), strings.Contains(s, "400"):
		return ReasonInvalid
	case strings.Contains(s, "500"), strings.Contains(s, "502"), strings.Contains(s, "503"), strings.Contains(s, "504"), strings.Contains(s, "server error"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// Chain tries providers in order, stopping at the first success. It never
// retries within a provider (spec: "a fixed retry budget per provider ...
// no retries, single attempt" for H.2; E imposes the same no-retry rule so
// an LLM call can never blow through the caller's wall-time budget).
type Chain struct {
	providers []Provider
}

// NewChain builds a fallback chain. Order matters: remote-primary,
// remote-secondary, local, as required by the design notes.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Complete tries each provider in order under req's own timeout, returning
// the first success. The caller's ctx bounds the whole chain regardless of
// how many providers are configured — a caller with 2s left never waits
// longer than 2s even if three providers are chained.
func (c *Chain) Complete(ctx context.Context, req Request) (Response, []Attempt, error) {
	var attempts []Attempt
	for _, p := range c.providers {
		if ctx.Err() != nil {
			return Response{}, attempts, ctx.Err()
		}
		callCtx := ctx
		var cancel context.CancelFunc
		if req.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		}
		resp, err := p.Complete(callCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			resp.Provider = p.Name()
			return resp, attempts, nil
		}
		attempts = append(attempts, Attempt{
			Provider: p.Name(),
			Reason:   classifyErrorReason(err),
			Err:      err,
		})
	}
	return Response{}, attempts, fmt.Errorf("%w: %s", ErrAllProvidersFailed, summarizeAttempts(attempts))
}

func summarizeAttempts(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "no providers configured"
	}
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = fmt.Sprintf("%s[%s]", a.Provider, a.Reason)
	}
	return strings.Join(parts, ", ")
}
