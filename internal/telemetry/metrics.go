package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized interface for the runtime's Prometheus
// instrumentation. Unlike a long-lived server, the hook runtime is a
// fresh process per event, so Metrics owns its own registry rather than
// registering against the global default — that keeps repeated process
// invocations (and repeated test construction) free of "duplicate metrics
// collector registration" panics.
type Metrics struct {
	Registry *prometheus.Registry

	// HandlerInvocations counts dispatcher (I) invocations.
	// Labels: handler, outcome (success|failure|timeout|skipped)
	HandlerInvocations *prometheus.CounterVec

	// HandlerDuration measures wall-clock handler subprocess time.
	// Labels: handler
	HandlerDuration *prometheus.HistogramVec

	// CircuitTransitions counts circuit breaker (C) state changes.
	// Labels: handler, from, to
	CircuitTransitions *prometheus.CounterVec

	// CircuitState is a gauge of 0=closed,1=half-open,2=open per handler.
	// Labels: handler
	CircuitState *prometheus.GaugeVec

	// PolicyVerdicts counts damage-control (D) verdicts.
	// Labels: verdict (allow|ask|deny), rule
	PolicyVerdicts *prometheus.CounterVec

	// ClassifierStrategy counts request classifier (E) strategy selections.
	// Labels: strategy
	ClassifierStrategy *prometheus.CounterVec

	// KnowledgeEntriesStored counts knowledge pipeline (H) inserts.
	// Labels: category
	KnowledgeEntriesStored *prometheus.CounterVec

	// KnowledgeInjections counts Inject-stage retrievals.
	// Labels: outcome (hit|empty)
	KnowledgeInjections *prometheus.CounterVec

	// DispatchDuration measures total per-event dispatch wall time.
	DispatchDuration prometheus.Histogram
}

// NewMetrics builds a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HandlerInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrt_handler_invocations_total",
				Help: "Total handler invocations by handler name and outcome",
			},
			[]string{"handler", "outcome"},
		),

		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrt_handler_duration_seconds",
				Help:    "Wall-clock duration of handler subprocess execution",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"handler"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrt_circuit_transitions_total",
				Help: "Circuit breaker state transitions by handler",
			},
			[]string{"handler", "from", "to"},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hookrt_circuit_state",
				Help: "Current circuit breaker state per handler (0=closed,1=half-open,2=open)",
			},
			[]string{"handler"},
		),

		PolicyVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrt_policy_verdicts_total",
				Help: "Damage-control policy verdicts by verdict and matched rule",
			},
			[]string{"verdict", "rule"},
		),

		ClassifierStrategy: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrt_classifier_strategy_total",
				Help: "Request classifier strategy selections",
			},
			[]string{"strategy"},
		),

		KnowledgeEntriesStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrt_knowledge_entries_total",
				Help: "Knowledge entries inserted by category",
			},
			[]string{"category"},
		),

		KnowledgeInjections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrt_knowledge_injections_total",
				Help: "SessionStart knowledge injection outcomes",
			},
			[]string{"outcome"},
		),

		DispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrt_dispatch_duration_seconds",
				Help:    "Total wall-clock time to dispatch one event to all registered handlers",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
	}
}

// CircuitStateValue maps a breaker state name to the gauge encoding used
// by CircuitState.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// ObserveHandler records one handler invocation's outcome and duration.
func (m *Metrics) ObserveHandler(handler, outcome string, d time.Duration) {
	m.HandlerInvocations.WithLabelValues(handler, outcome).Inc()
	m.HandlerDuration.WithLabelValues(handler).Observe(d.Seconds())
}
