package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AntiEntropyMetrics observes background reconciliation cycles: digest
// comparisons against peers and the paths they end up healing.
type AntiEntropyMetrics interface {
	RecordCycle(duration time.Duration, pathsHealed, errors int)
	RecordDigestMismatch(peerID string)
}

type antiEntropyMetrics struct {
	cyclesTotal     prometheus.Counter
	cycleDuration   prometheus.Histogram
	pathsHealed     prometheus.Counter
	cycleErrors     prometheus.Counter
	digestMismatch  *prometheus.CounterVec
}

// NewAntiEntropyMetrics returns a Prometheus-backed AntiEntropyMetrics,
// or a no-op implementation if the registry was never initialized.
func NewAntiEntropyMetrics() AntiEntropyMetrics {
	if !IsEnabled() {
		return &noopAntiEntropyMetrics{}
	}
	reg := GetRegistry()

	return &antiEntropyMetrics{
		cyclesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "amberio_antientropy_cycles_total",
				Help: "Total anti-entropy reconciliation cycles run",
			},
		),
		cycleDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "amberio_antientropy_cycle_duration_seconds",
				Help:    "Duration of one anti-entropy cycle across all peers",
				Buckets: prometheus.DefBuckets,
			},
		),
		pathsHealed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "amberio_antientropy_paths_healed_total",
				Help: "Total paths repaired from a peer during anti-entropy",
			},
		),
		cycleErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "amberio_antientropy_cycle_errors_total",
				Help: "Total errors encountered during anti-entropy cycles",
			},
		),
		digestMismatch: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amberio_antientropy_digest_mismatches_total",
				Help: "Total bucket digest mismatches found against a peer",
			},
			[]string{"peer_id"},
		),
	}
}

func (m *antiEntropyMetrics) RecordCycle(duration time.Duration, pathsHealed, errors int) {
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.pathsHealed.Add(float64(pathsHealed))
	m.cycleErrors.Add(float64(errors))
}

func (m *antiEntropyMetrics) RecordDigestMismatch(peerID string) {
	m.digestMismatch.WithLabelValues(peerID).Inc()
}

type noopAntiEntropyMetrics struct{}

func (noopAntiEntropyMetrics) RecordCycle(duration time.Duration, pathsHealed, errors int) {}
func (noopAntiEntropyMetrics) RecordDigestMismatch(peerID string)                          {}
