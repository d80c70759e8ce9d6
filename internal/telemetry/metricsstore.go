package telemetry

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
)

// MetricsSnapshot is the cross-process-accumulated counter/gauge state
// persisted under the storage root. The hook runtime exits after every
// event, so an in-memory-only Prometheus registry resets on each
// invocation; this snapshot is what survives between them for
// `hookctl metrics` to report on.
type MetricsSnapshot struct {
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

func emptySnapshot() MetricsSnapshot {
	return MetricsSnapshot{Counters: map[string]float64{}, Gauges: map[string]float64{}}
}

// MetricsStore reads and accumulates a MetricsSnapshot at a fixed path
// using the same atomicfile primitive component B's other state files use.
type MetricsStore struct {
	path string
}

// NewMetricsStore returns a store rooted at <storageRoot>/metrics.json.
func NewMetricsStore(storageRoot string) *MetricsStore {
	return &MetricsStore{path: filepath.Join(storageRoot, "metrics.json")}
}

// Snapshot returns the currently persisted counters and gauges. A missing
// file yields an empty snapshot rather than an error.
func (s *MetricsStore) Snapshot() (MetricsSnapshot, error) {
	snap := emptySnapshot()
	if _, err := atomicfile.Read(s.path, &snap); err != nil {
		return MetricsSnapshot{}, err
	}
	if snap.Counters == nil {
		snap.Counters = map[string]float64{}
	}
	if snap.Gauges == nil {
		snap.Gauges = map[string]float64{}
	}
	return snap, nil
}

// Flush gathers m's registry and merges it into the persisted snapshot:
// counter and histogram-sum series are added to the running total (they
// only ever grow within one process, so the gathered value is this
// invocation's delta); gauge series overwrite the prior value outright.
func (s *MetricsStore) Flush(m *Metrics) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return fmt.Errorf("telemetry: gather metrics: %w", err)
	}
	return atomicfile.Update(s.path, emptySnapshot(), func(cur MetricsSnapshot, existed bool) MetricsSnapshot {
		if cur.Counters == nil {
			cur.Counters = map[string]float64{}
		}
		if cur.Gauges == nil {
			cur.Gauges = map[string]float64{}
		}
		for _, fam := range families {
			for _, metric := range fam.GetMetric() {
				key := seriesKey(fam.GetName(), metric.GetLabel())
				switch {
				case metric.Counter != nil:
					cur.Counters[key] += metric.GetCounter().GetValue()
				case metric.Gauge != nil:
					cur.Gauges[key] = metric.GetGauge().GetValue()
				case metric.Histogram != nil:
					h := metric.GetHistogram()
					cur.Counters[key+"_sum"] += h.GetSampleSum()
					cur.Counters[key+"_count"] += float64(h.GetSampleCount())
				}
			}
		}
		return cur
	})
}

// seriesKey renders a Prometheus-style "name{k=\"v\",...}" identity string
// with labels sorted for a stable, order-independent map key.
func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
