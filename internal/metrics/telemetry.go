package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds the engine's Prometheus collectors. Its recorders
// mirror the Metrics recorders one-for-one so a session can forward
// every delta through Metrics.Mirror.
type Telemetry struct {
	registry *prometheus.Registry

	ItemsDetected     prometheus.Counter
	ItemsHidden       prometheus.Counter
	ItemsUnhidden     prometheus.Counter
	CacheLookups      *prometheus.CounterVec
	BatchesDispatched prometheus.Counter
	BatchesFailed     prometheus.Counter
	BatchSize         prometheus.Histogram
	CycleDuration     prometheus.Histogram
	StalledRuns       prometheus.Counter
	TrackedRecords    prometheus.Gauge
}

// NewTelemetry registers the engine's collectors on the given
// registry; a nil registry gets a fresh one.
func NewTelemetry(reg *prometheus.Registry) *Telemetry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	t := &Telemetry{registry: reg}

	t.ItemsDetected = factory.NewCounter(prometheus.CounterOpts{
		Name: "sift_items_detected_total",
		Help: "Total items discovered by container detection",
	})

	t.ItemsHidden = factory.NewCounter(prometheus.CounterOpts{
		Name: "sift_items_hidden_total",
		Help: "Total items hidden",
	})

	t.ItemsUnhidden = factory.NewCounter(prometheus.CounterOpts{
		Name: "sift_items_unhidden_total",
		Help: "Total items restored to view after a rule change",
	})

	t.CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sift_cache_lookups_total",
		Help: "Fingerprint cache lookups, by result (hit, miss)",
	}, []string{"result"})

	t.BatchesDispatched = factory.NewCounter(prometheus.CounterOpts{
		Name: "sift_batches_dispatched_total",
		Help: "Total batches sent to the classifier",
	})

	t.BatchesFailed = factory.NewCounter(prometheus.CounterOpts{
		Name: "sift_batches_failed_total",
		Help: "Total batches whose classification failed",
	})

	t.BatchSize = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "sift_batch_size",
		Help:    "Number of items per dispatched batch",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 50},
	})

	t.CycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "sift_cycle_duration_seconds",
		Help:    "End-to-end duration of one filtering cycle",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	t.StalledRuns = factory.NewCounter(prometheus.CounterOpts{
		Name: "sift_stalled_runs_total",
		Help: "Scheduler runs abandoned after repeated empty batches",
	})

	t.TrackedRecords = factory.NewGauge(prometheus.GaugeOpts{
		Name: "sift_tracked_records",
		Help: "Live fingerprint records",
	})

	return t
}

// Handler returns the Prometheus HTTP handler for the /metrics
// endpoint, scoped to the telemetry's registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordDetection records newly detected items.
func (t *Telemetry) RecordDetection(items int) {
	if items > 0 {
		t.ItemsDetected.Add(float64(items))
	}
}

// RecordApply records a reconciliation delta.
func (t *Telemetry) RecordApply(hidden, unhidden int) {
	if hidden > 0 {
		t.ItemsHidden.Add(float64(hidden))
	}
	if unhidden > 0 {
		t.ItemsUnhidden.Add(float64(unhidden))
	}
}

// RecordCacheLookup records a fingerprint lookup result.
func (t *Telemetry) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	t.CacheLookups.WithLabelValues(result).Inc()
}

// RecordBatch records a dispatched batch and its outcome.
func (t *Telemetry) RecordBatch(success bool, size int) {
	t.BatchesDispatched.Inc()
	t.BatchSize.Observe(float64(size))
	if !success {
		t.BatchesFailed.Inc()
	}
}

// RecordCycle records a completed cycle's duration.
func (t *Telemetry) RecordCycle(duration time.Duration) {
	t.CycleDuration.Observe(duration.Seconds())
}

// RecordStall records an abandoned scheduler run.
func (t *Telemetry) RecordStall() {
	t.StalledRuns.Inc()
}

// SetTrackedRecords updates the live fingerprint record gauge.
func (t *Telemetry) SetTrackedRecords(n int) {
	t.TrackedRecords.Set(float64(n))
}
