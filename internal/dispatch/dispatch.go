// Package dispatch implements component I, the event dispatcher: for each
// event, look up the registered handler set, gate each one through the
// circuit breaker, run the survivors as subprocesses in parallel with a
// per-handler wall-time budget, and aggregate their responses into one.
//
// The parallel fan-out reuses internal/infra.ParallelProcess (bounded-worker
// one-shot fan-out over a slice) rather than standing up a persistent
// internal/infra.WorkerPool: a dispatch call handles one event's handler
// list and returns, so there is no pool to keep running between calls --
// ParallelProcess's per-call semaphore fits exactly that shape, as the
// surface of the package itself says ("a simpler interface for one-off
// parallel processing").
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/hookrt/internal/breaker"
	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/envelope"
	execsafety "github.com/haasonsaas/hookrt/internal/exec"
	"github.com/haasonsaas/hookrt/internal/infra"
	"github.com/haasonsaas/hookrt/internal/telemetry"
)

// sigtermGrace is the wait between SIGTERM and SIGKILL for a handler that
// does not exit on its own, per spec.md §4.I.
const sigtermGrace = 500 * time.Millisecond

// maxStderrCapture bounds the stderr text handed to breaker.RecordFailure.
const maxStderrCapture = 2 * 1024 // 2 KiB

// Dispatcher routes envelope events to the registered handler processes for
// that event, gated by a Breaker and run with bounded parallelism.
type Dispatcher struct {
	handlers []config.HandlerConfig
	breaker  *breaker.Breaker
	logger   *telemetry.Logger
	workers  int
	metrics  *telemetry.Metrics
}

// New builds a Dispatcher over the configured handler set. workers bounds
// how many handler subprocesses run concurrently for a single event; a
// value <= 0 defaults to running every matched handler for the event at
// once (events rarely have more than a handful of handlers registered).
func New(handlers []config.HandlerConfig, b *breaker.Breaker, logger *telemetry.Logger, workers int) *Dispatcher {
	return &Dispatcher{handlers: handlers, breaker: b, logger: logger, workers: workers}
}

// WithMetrics attaches m so Dispatch records handler outcomes and timing
// into it. Optional: a nil or never-called WithMetrics leaves dispatch
// fully functional, just unobserved (the zero value of *Dispatcher.metrics).
func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// handlersFor returns the configured handlers registered for event, in
// declaration order (spec.md §4.I's additionalContext concatenation order).
func (d *Dispatcher) handlersFor(event envelope.EventName) []config.HandlerConfig {
	var out []config.HandlerConfig
	for _, h := range d.handlers {
		for _, e := range h.Events {
			if e == string(event) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// runResult is what one handler invocation produces for aggregation.
type runResult struct {
	handler  string
	response *envelope.Response
	skipped  bool
}

// Dispatch runs every handler registered for evt.HookEventName against the
// envelope's raw JSON bytes and returns the merged response. It never
// returns an error the caller should surface to the host: every handler
// failure is recorded through the breaker and simply contributes nothing to
// the aggregated response, per spec.md §7's "nothing reaches the host exit
// status".
func (d *Dispatcher) Dispatch(ctx context.Context, evt *envelope.Event, rawEnvelope []byte) *envelope.Response {
	start := time.Now()
	candidates := d.handlersFor(evt.HookEventName)
	if len(candidates) == 0 {
		return envelope.Empty()
	}

	var runnable []config.HandlerConfig
	for _, h := range candidates {
		decision, err := d.breaker.ShouldExecute(h.Name)
		if err != nil {
			d.warn(ctx, "dispatch: should_execute failed, running handler anyway", "handler", h.Name, "error", err.Error())
			runnable = append(runnable, h)
			continue
		}
		if d.metrics != nil {
			d.metrics.CircuitState.WithLabelValues(h.Name).Set(telemetry.CircuitStateValue(strings.ReplaceAll(string(decision.State), "_", "-")))
		}
		if decision.Decision == breaker.DecisionSkip {
			d.warn(ctx, "dispatch: handler skipped, circuit open", "handler", h.Name, "message", decision.Message)
			d.observe(h.Name, "skipped", 0)
			continue
		}
		runnable = append(runnable, h)
	}
	if len(runnable) == 0 {
		return envelope.Empty()
	}

	workers := d.workers
	if workers <= 0 {
		workers = len(runnable)
	}

	results, errs := infra.ParallelProcess(ctx, runnable, workers, func(ctx context.Context, h config.HandlerConfig) (runResult, error) {
		return d.runHandler(ctx, h, evt.HookEventName, rawEnvelope), nil
	})
	_ = errs // runHandler never returns an error itself; failures live inside runResult

	ordered := make([]*envelope.Response, 0, len(results))
	for i, h := range runnable {
		_ = h
		ordered = append(ordered, results[i].response)
	}
	if d.metrics != nil {
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
	return envelope.Merge(evt.HookEventName, ordered)
}

// observe records one handler outcome, a no-op when no Metrics is attached.
func (d *Dispatcher) observe(handler, outcome string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveHandler(handler, outcome, elapsed)
	}
}

// runHandler invokes one handler subprocess with the envelope on stdin,
// enforces its time budget with the SIGTERM->grace->SIGKILL escalation, and
// records the outcome in the circuit breaker.
func (d *Dispatcher) runHandler(ctx context.Context, h config.HandlerConfig, event envelope.EventName, rawEnvelope []byte) runResult {
	start := time.Now()
	timeout := time.Duration(h.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fields := strings.Fields(h.Command)
	if len(fields) == 0 {
		d.recordFailure(h, "empty command")
		d.observe(h.Name, "failure", time.Since(start))
		return runResult{handler: h.Name}
	}

	executable, err := execsafety.SanitizeExecutableValue(fields[0])
	if err != nil {
		d.recordFailure(h, fmt.Sprintf("unsafe handler command %q: %v", fields[0], err))
		d.observe(h.Name, "failure", time.Since(start))
		return runResult{handler: h.Name}
	}
	args, err := execsafety.SanitizeArguments(fields[1:])
	if err != nil {
		d.recordFailure(h, fmt.Sprintf("unsafe handler argument: %v", err))
		d.observe(h.Name, "failure", time.Since(start))
		return runResult{handler: h.Name}
	}

	cmd := exec.CommandContext(runCtx, executable, args...)
	cmd.Stdin = bytes.NewReader(rawEnvelope)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = runWithEscalation(cmd, runCtx)

	if runCtx.Err() == context.DeadlineExceeded {
		d.recordFailure(h, "timeout")
		d.observe(h.Name, "timeout", time.Since(start))
		return runResult{handler: h.Name}
	}
	if err != nil {
		d.recordFailure(h, truncate(stderr.String(), maxStderrCapture))
		d.observe(h.Name, "failure", time.Since(start))
		return runResult{handler: h.Name}
	}

	var resp envelope.Response
	if decErr := json.Unmarshal(stdout.Bytes(), &resp); decErr != nil {
		d.recordFailure(h, truncate(stderr.String(), maxStderrCapture))
		d.observe(h.Name, "failure", time.Since(start))
		return runResult{handler: h.Name}
	}

	if _, recErr := d.breaker.RecordSuccess(h.Name); recErr != nil {
		d.warn(context.Background(), "dispatch: record_success failed", "handler", h.Name, "error", recErr.Error())
	}
	d.observe(h.Name, "success", time.Since(start))
	if resp.HookSpecificOutput != nil {
		resp.HookSpecificOutput.HookEventName = event
	}
	return runResult{handler: h.Name, response: &resp}
}

// runWithEscalation runs cmd to completion, or if runCtx's deadline fires
// first, sends SIGTERM, waits sigtermGrace, then SIGKILL — spec.md §4.I's
// exact escalation sequence. cmd.Cancel (invoked by exec when runCtx is
// done) defaults to killing the process immediately; overriding it here so
// a handler gets a chance to exit cleanly before SIGKILL.
func runWithEscalation(cmd *exec.Cmd, runCtx context.Context) error {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		timer := time.NewTimer(sigtermGrace)
		defer timer.Stop()
		done := make(chan struct{})
		go func() {
			_, _ = cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-timer.C:
			_ = cmd.Process.Kill()
		}
		return nil
	}
	return cmd.Run()
}

func (d *Dispatcher) recordFailure(h config.HandlerConfig, errMsg string) {
	if _, err := d.breaker.RecordFailure(h.Name, errMsg); err != nil {
		d.warn(context.Background(), "dispatch: record_failure failed", "handler", h.Name, "error", err.Error())
	}
}

func (d *Dispatcher) warn(ctx context.Context, msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(ctx, msg, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HandlerNames returns the configured handler names in declaration order,
// used by the admin CLI's health/list/enable/disable subcommands.
func HandlerNames(handlers []config.HandlerConfig) []string {
	names := make([]string, 0, len(handlers))
	for _, h := range handlers {
		names = append(names, h.Name)
	}
	sort.Strings(names)
	return names
}
