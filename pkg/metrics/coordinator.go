package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics observes write-path quorum behavior: the
// Coordinator's PushPart/CommitHead fan-out across a slot's replicas.
type CoordinatorMetrics interface {
	RecordWrite(op string, duration time.Duration, err error)
	RecordQuorum(op string, acked, required int)
}

type coordinatorMetrics struct {
	writesTotal    *prometheus.CounterVec
	writeDuration  *prometheus.HistogramVec
	replicasAcked  *prometheus.HistogramVec
}

// NewCoordinatorMetrics returns a Prometheus-backed CoordinatorMetrics,
// or a no-op implementation if the registry was never initialized.
func NewCoordinatorMetrics() CoordinatorMetrics {
	if !IsEnabled() {
		return &noopCoordinatorMetrics{}
	}
	reg := GetRegistry()

	return &coordinatorMetrics{
		writesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amberio_coordinator_writes_total",
				Help: "Total coordinator write operations by op and status",
			},
			[]string{"op", "status"},
		),
		writeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amberio_coordinator_write_duration_seconds",
				Help:    "Duration of coordinator write operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		replicasAcked: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amberio_coordinator_replicas_acked",
				Help:    "Number of replicas that acknowledged a quorum operation",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 7},
			},
			[]string{"op"},
		),
	}
}

func (m *coordinatorMetrics) RecordWrite(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.writesTotal.WithLabelValues(op, status).Inc()
	m.writeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *coordinatorMetrics) RecordQuorum(op string, acked, required int) {
	m.replicasAcked.WithLabelValues(op).Observe(float64(acked))
}

type noopCoordinatorMetrics struct{}

func (noopCoordinatorMetrics) RecordWrite(op string, duration time.Duration, err error) {}
func (noopCoordinatorMetrics) RecordQuorum(op string, acked, required int)              {}
