// Package breaker implements component C's circuit breaker: persistent,
// cross-process per-handler failure tracking that prevents a repeatedly
// failing handler from running on every event.
//
// State machine and field names follow the original circuit_breaker.py /
// hook_state_manager.py / state_schema.py exactly (closed/open/half-open,
// consecutive failure/success streaks, a shared GlobalStats block). The Go
// surface — Execute/Stats/Registry-style grouping, double-checked Get —
// follows the same in-process CircuitBreaker/CircuitBreakerRegistry shape
// used elsewhere in this codebase, but state lives in one shared file under
// internal/store/atomicfile rather than in process memory, because handlers
// here are separate OS processes (spec.md §5) that must observe each
// other's failures.
package breaker

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Decision is the should_execute verdict returned to the dispatcher.
type Decision string

const (
	DecisionExecute     Decision = "execute"
	DecisionExecuteTest Decision = "execute_test"
	DecisionSkip        Decision = "skip"
)

// HandlerState tracks one handler's failure/success history, mirroring
// the original's HookState dataclass field-for-field.
type HandlerState struct {
	State                State  `json:"state"`
	FailureCount         int    `json:"failure_count"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
	FirstFailure         string `json:"first_failure,omitempty"`
	LastFailure          string `json:"last_failure,omitempty"`
	LastSuccess          string `json:"last_success,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	DisabledAt           string `json:"disabled_at,omitempty"`
	RetryAfter           string `json:"retry_after,omitempty"`
}

// GlobalStats aggregates counters across every handler.
type GlobalStats struct {
	TotalExecutions int    `json:"total_executions"`
	TotalFailures   int    `json:"total_failures"`
	HooksDisabled   int    `json:"hooks_disabled"`
	LastUpdated     string `json:"last_updated,omitempty"`
}

// stateFile is the on-disk shape of the shared circuit-breaker state,
// equivalent to the original's HookStateData.
type stateFile struct {
	Handlers    map[string]HandlerState `json:"handlers"`
	GlobalStats GlobalStats             `json:"global_stats"`
}

func newStateFile() stateFile {
	return stateFile{Handlers: map[string]HandlerState{}}
}

// Config configures a Breaker. CooldownSeconds is threaded end-to-end from
// internal/config — the original hard-codes 300s in record_failure
// regardless of the configured value, a bug spec.md §9 requires fixing.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownSeconds  int
	Exclude          []string
}

// Result is returned by ShouldExecute.
type Result struct {
	Decision Decision
	State    State
	Message  string
}

// ShouldExecute determines whether handler should run, per should_execute.
func (b *Breaker) ShouldExecute(handler string) (Result, error) {
	for _, pattern := range b.cfg.Exclude {
		if strings.Contains(handler, pattern) {
			return Result{Decision: DecisionExecute, State: StateClosed, Message: "excluded from circuit breaker"}, nil
		}
	}

	var result Result
	err := atomicfile.Update(b.path, newStateFile(), func(cur stateFile, existed bool) stateFile {
		if cur.Handlers == nil {
			cur.Handlers = map[string]HandlerState{}
		}
		hs, ok := cur.Handlers[handler]
		if !ok {
			hs = HandlerState{State: StateClosed}
		}

		switch hs.State {
		case StateClosed, "":
			result = Result{Decision: DecisionExecute, State: StateClosed, Message: "circuit closed, executing normally"}

		case StateOpen:
			if b.cooldownElapsed(hs) {
				hs.State = StateHalfOpen
				hs.ConsecutiveFailures = 0
				hs.ConsecutiveSuccesses = 0
				cur.Handlers[handler] = hs
				result = Result{Decision: DecisionExecuteTest, State: StateHalfOpen, Message: "cooldown elapsed, testing recovery"}
			} else {
				result = Result{
					Decision: DecisionSkip,
					State:    StateOpen,
					Message:  fmt.Sprintf("circuit open, disabled until %s", hs.RetryAfter),
				}
			}

		case StateHalfOpen:
			result = Result{Decision: DecisionExecuteTest, State: StateHalfOpen, Message: "circuit half-open, testing recovery"}

		default:
			result = Result{Decision: DecisionExecute, State: StateClosed, Message: "unknown state, defaulting to execute"}
		}

		return cur
	})
	if err != nil {
		return Result{}, fmt.Errorf("breaker: should_execute %s: %w", handler, err)
	}
	return result, nil
}

// Breaker is a persistent, cross-process circuit breaker over one shared
// state file — every handler name is a key in the same file so one
// flock-guarded Update call can recompute global_stats consistently.
type Breaker struct {
	path string
	cfg  Config
}

// New opens a Breaker backed by the state file at path.
func New(path string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	// CooldownSeconds is intentionally not defaulted here: internal/config
	// owns the default (300s) per spec.md §9's fix for the original's
	// hard-coded cooldown. A zero value here means "cooldown already
	// elapsed", used by tests exercising the half-open transition.
	return &Breaker{path: path, cfg: cfg}
}

func (b *Breaker) cooldownElapsed(hs HandlerState) bool {
	if hs.DisabledAt == "" {
		return false
	}
	disabledAt, err := time.Parse(time.RFC3339, hs.DisabledAt)
	if err != nil {
		return false
	}
	return time.Since(disabledAt) >= time.Duration(b.cfg.CooldownSeconds)*time.Second
}

// RecordSuccess records a successful execution, closing the circuit after
// SuccessThreshold consecutive successes in half-open. Returns whether the
// circuit transitioned to closed this call (state_changed in the original).
func (b *Breaker) RecordSuccess(handler string) (closed bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	err = atomicfile.Update(b.path, newStateFile(), func(cur stateFile, existed bool) stateFile {
		if cur.Handlers == nil {
			cur.Handlers = map[string]HandlerState{}
		}
		hs := cur.Handlers[handler]
		hs.ConsecutiveSuccesses++
		hs.ConsecutiveFailures = 0
		hs.LastSuccess = now

		if hs.State == StateHalfOpen && hs.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			hs.State = StateClosed
			hs.FailureCount = 0
			hs.FirstFailure = ""
			hs.DisabledAt = ""
			hs.RetryAfter = ""
			hs.LastError = ""
			closed = true
		}
		cur.Handlers[handler] = hs

		cur.GlobalStats.TotalExecutions++
		cur.GlobalStats.LastUpdated = now
		cur.GlobalStats.HooksDisabled = countOpen(cur.Handlers)
		return cur
	})
	if err != nil {
		return false, fmt.Errorf("breaker: record_success %s: %w", handler, err)
	}
	return closed, nil
}

// RecordFailure records a failed execution, opening the circuit once
// ConsecutiveFailures reaches FailureThreshold, or immediately re-opening a
// half-open circuit on any failure. Returns whether the circuit transitioned
// to open this call.
func (b *Breaker) RecordFailure(handler, errMsg string) (opened bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	retryAfter := time.Now().UTC().Add(time.Duration(b.cfg.CooldownSeconds) * time.Second).Format(time.RFC3339)

	err = atomicfile.Update(b.path, newStateFile(), func(cur stateFile, existed bool) stateFile {
		if cur.Handlers == nil {
			cur.Handlers = map[string]HandlerState{}
		}
		hs := cur.Handlers[handler]
		hs.ConsecutiveFailures++
		hs.ConsecutiveSuccesses = 0
		hs.FailureCount++
		hs.LastFailure = now
		hs.LastError = errMsg
		if hs.FirstFailure == "" {
			hs.FirstFailure = now
		}

		switch {
		case hs.State == StateHalfOpen:
			hs.State = StateOpen
			hs.DisabledAt = now
			hs.RetryAfter = retryAfter
			// The circuit was already open before the recovery test; this
			// is not a fresh open transition (matches the original).
		case hs.ConsecutiveFailures >= b.cfg.FailureThreshold && hs.State != StateOpen:
			hs.State = StateOpen
			hs.DisabledAt = now
			hs.RetryAfter = retryAfter
			opened = true
		}
		cur.Handlers[handler] = hs

		cur.GlobalStats.TotalExecutions++
		cur.GlobalStats.TotalFailures++
		cur.GlobalStats.LastUpdated = now
		cur.GlobalStats.HooksDisabled = countOpen(cur.Handlers)
		return cur
	})
	if err != nil {
		return false, fmt.Errorf("breaker: record_failure %s: %w", handler, err)
	}
	return opened, nil
}

// Reset clears state for one handler. Returns false if it had no state.
func (b *Breaker) Reset(handler string) (bool, error) {
	var existedFlag bool
	now := time.Now().UTC().Format(time.RFC3339)
	err := atomicfile.Update(b.path, newStateFile(), func(cur stateFile, existed bool) stateFile {
		if cur.Handlers == nil {
			return cur
		}
		if _, ok := cur.Handlers[handler]; ok {
			delete(cur.Handlers, handler)
			existedFlag = true
			cur.GlobalStats.LastUpdated = now
			cur.GlobalStats.HooksDisabled = countOpen(cur.Handlers)
		}
		return cur
	})
	if err != nil {
		return false, fmt.Errorf("breaker: reset %s: %w", handler, err)
	}
	return existedFlag, nil
}

// ResetAll clears every handler's state and returns how many were cleared.
func (b *Breaker) ResetAll() (int, error) {
	var n int
	err := atomicfile.Update(b.path, newStateFile(), func(cur stateFile, existed bool) stateFile {
		n = len(cur.Handlers)
		return newStateFile()
	})
	if err != nil {
		return 0, fmt.Errorf("breaker: reset_all: %w", err)
	}
	return n, nil
}

// AllHandlers returns a snapshot of every tracked handler's state.
func (b *Breaker) AllHandlers() (map[string]HandlerState, error) {
	var cur stateFile
	ok, err := atomicfile.Read(b.path, &cur)
	if err != nil {
		return nil, fmt.Errorf("breaker: read state: %w", err)
	}
	if !ok || cur.Handlers == nil {
		return map[string]HandlerState{}, nil
	}
	return cur.Handlers, nil
}

// GlobalStats returns the shared statistics block.
func (b *Breaker) GlobalStats() (GlobalStats, error) {
	var cur stateFile
	ok, err := atomicfile.Read(b.path, &cur)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("breaker: read state: %w", err)
	}
	if !ok {
		return GlobalStats{}, nil
	}
	return cur.GlobalStats, nil
}

// DisabledHandlers returns every handler currently in the open state, for
// hookctl health reporting (spec.md §9's get_health_report carryover).
func (b *Breaker) DisabledHandlers() (map[string]HandlerState, error) {
	all, err := b.AllHandlers()
	if err != nil {
		return nil, err
	}
	disabled := map[string]HandlerState{}
	for name, hs := range all {
		if hs.State == StateOpen {
			disabled[name] = hs
		}
	}
	return disabled, nil
}

func countOpen(handlers map[string]HandlerState) int {
	n := 0
	for _, hs := range handlers {
		if hs.State == StateOpen {
			n++
		}
	}
	return n
}
