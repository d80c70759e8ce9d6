package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOwnRegistry(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()
	if m1.Registry == m2.Registry {
		t.Fatal("expected distinct registries per Metrics instance")
	}
}

func TestObserveHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveHandler("circuit-guard", "success", 50*time.Millisecond)

	count := testutil.ToFloat64(m.HandlerInvocations.WithLabelValues("circuit-guard", "success"))
	if count != 1 {
		t.Errorf("expected 1 invocation recorded, got %v", count)
	}
}

func TestCircuitStateValue(t *testing.T) {
	cases := map[string]float64{
		"closed":    0,
		"half-open": 1,
		"open":      2,
		"bogus":     -1,
	}
	for state, want := range cases {
		if got := CircuitStateValue(state); got != want {
			t.Errorf("CircuitStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
