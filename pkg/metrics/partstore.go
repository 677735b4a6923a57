package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PartStoreMetrics observes the local on-disk part store: bytes staged
// and read back, and digest failures found when a stored part is
// re-hashed by Verify.
type PartStoreMetrics interface {
	RecordWrite(bytes int64)
	RecordRead(bytes int64)
	RecordDigestMismatch()
}

type partStoreMetrics struct {
	bytesWritten    prometheus.Counter
	bytesRead       prometheus.Counter
	digestMismatch  prometheus.Counter
}

// NewPartStoreMetrics returns a Prometheus-backed PartStoreMetrics, or a
// no-op implementation if the registry was never initialized.
func NewPartStoreMetrics() PartStoreMetrics {
	if !IsEnabled() {
		return &noopPartStoreMetrics{}
	}
	reg := GetRegistry()

	return &partStoreMetrics{
		bytesWritten: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "amberio_partstore_bytes_written_total",
				Help: "Total bytes written to the local part store",
			},
		),
		bytesRead: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "amberio_partstore_bytes_read_total",
				Help: "Total bytes read back from the local part store",
			},
		),
		digestMismatch: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "amberio_partstore_digest_mismatches_total",
				Help: "Total stored parts that failed sha256 re-verification",
			},
		),
	}
}

func (m *partStoreMetrics) RecordWrite(bytes int64) { m.bytesWritten.Add(float64(bytes)) }
func (m *partStoreMetrics) RecordRead(bytes int64)  { m.bytesRead.Add(float64(bytes)) }
func (m *partStoreMetrics) RecordDigestMismatch()   { m.digestMismatch.Inc() }

type noopPartStoreMetrics struct{}

func (noopPartStoreMetrics) RecordWrite(bytes int64) {}
func (noopPartStoreMetrics) RecordRead(bytes int64)  {}
func (noopPartStoreMetrics) RecordDigestMismatch()   {}
