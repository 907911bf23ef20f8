// Package metrics provides metrics collection and reporting for the
// filtering engine.
package metrics

import (
	"sync"
	"time"
)

// Metrics holds the engine's processing metrics.
type Metrics struct {
	// ItemsDetected is the number of items discovered by detection.
	ItemsDetected int64
	// ItemsHidden is the number of items hidden.
	ItemsHidden int64
	// ItemsUnhidden is the number of items restored to view.
	ItemsUnhidden int64
	// CacheHits is the number of fingerprint lookups that skipped
	// re-classification.
	CacheHits int64
	// CacheMisses is the number of fingerprint lookups that required
	// classification.
	CacheMisses int64
	// BatchesDispatched is the number of batches sent to the
	// classifier.
	BatchesDispatched int64
	// BatchesFailed is the number of batches whose classification
	// failed.
	BatchesFailed int64
	// CyclesCompleted is the number of reconciliation cycles run to
	// completion.
	CyclesCompleted int64
	// StalledRuns is the number of scheduler runs abandoned after
	// repeated empty batches.
	StalledRuns int64
	// TrackedRecords is the current number of live fingerprint
	// records.
	TrackedRecords int64
	// LastCycleTime is the time of the last completed cycle.
	LastCycleTime time.Time
	// CycleDuration is the total time spent in cycles.
	CycleDuration time.Duration
	// StartTime is when metrics collection began.
	StartTime time.Time
	// CurrentPage is the page URL currently being filtered.
	CurrentPage string
	// telemetry, when set, receives a copy of every recorded delta.
	telemetry *Telemetry
	// mu protects concurrent access to metrics.
	mu sync.Mutex
}

// NewMetrics creates a new Metrics instance with default values.
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// Mirror forwards every future recorded delta to the telemetry's
// Prometheus collectors.
func (m *Metrics) Mirror(t *Telemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = t
}

// GetStartTime returns the time when metrics collection began.
func (m *Metrics) GetStartTime() time.Time {
	return m.StartTime
}

// RecordDetection adds newly detected items to the running count.
func (m *Metrics) RecordDetection(items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ItemsDetected += int64(items)
	if m.telemetry != nil {
		m.telemetry.RecordDetection(items)
	}
}

// RecordApply accumulates a reconciliation delta.
func (m *Metrics) RecordApply(hidden, unhidden int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ItemsHidden += int64(hidden)
	m.ItemsUnhidden += int64(unhidden)
	if m.telemetry != nil {
		m.telemetry.RecordApply(hidden, unhidden)
	}
}

// RecordCacheLookup updates the hit/miss counters.
func (m *Metrics) RecordCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.CacheHits++
	} else {
		m.CacheMisses++
	}
	if m.telemetry != nil {
		m.telemetry.RecordCacheLookup(hit)
	}
}

// RecordBatch updates the batch counters based on dispatch outcome.
func (m *Metrics) RecordBatch(success bool, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesDispatched++
	if !success {
		m.BatchesFailed++
	}
	if m.telemetry != nil {
		m.telemetry.RecordBatch(success, size)
	}
}

// RecordCycle records a completed cycle and its duration.
func (m *Metrics) RecordCycle(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CyclesCompleted++
	m.LastCycleTime = time.Now()
	m.CycleDuration += duration
	if m.telemetry != nil {
		m.telemetry.RecordCycle(duration)
	}
}

// RecordStall records a scheduler run abandoned as stalled.
func (m *Metrics) RecordStall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StalledRuns++
	if m.telemetry != nil {
		m.telemetry.RecordStall()
	}
}

// SetTrackedRecords updates the live fingerprint record count.
func (m *Metrics) SetTrackedRecords(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TrackedRecords = int64(n)
	if m.telemetry != nil {
		m.telemetry.SetTrackedRecords(n)
	}
}

// SetCurrentPage sets the page URL currently being filtered.
func (m *Metrics) SetCurrentPage(page string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentPage = page
}

// GetCurrentPage returns the page URL currently being filtered.
func (m *Metrics) GetCurrentPage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentPage
}

// GetItemsDetected returns the number of items discovered.
func (m *Metrics) GetItemsDetected() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ItemsDetected
}

// GetItemsHidden returns the number of items hidden.
func (m *Metrics) GetItemsHidden() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ItemsHidden
}

// GetItemsUnhidden returns the number of items restored to view.
func (m *Metrics) GetItemsUnhidden() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ItemsUnhidden
}

// GetCacheHits returns the number of fingerprint cache hits.
func (m *Metrics) GetCacheHits() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CacheHits
}

// GetCacheMisses returns the number of fingerprint cache misses.
func (m *Metrics) GetCacheMisses() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CacheMisses
}

// GetBatchesDispatched returns the number of batches dispatched.
func (m *Metrics) GetBatchesDispatched() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BatchesDispatched
}

// GetBatchesFailed returns the number of failed batches.
func (m *Metrics) GetBatchesFailed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BatchesFailed
}

// GetCyclesCompleted returns the number of completed cycles.
func (m *Metrics) GetCyclesCompleted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CyclesCompleted
}

// GetStalledRuns returns the number of stalled scheduler runs.
func (m *Metrics) GetStalledRuns() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StalledRuns
}

// GetTrackedRecords returns the current live fingerprint record count.
func (m *Metrics) GetTrackedRecords() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TrackedRecords
}

// GetCycleDuration returns the total time spent in cycles.
func (m *Metrics) GetCycleDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CycleDuration
}

// Reset resets all metrics to their initial values.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ItemsDetected = 0
	m.ItemsHidden = 0
	m.ItemsUnhidden = 0
	m.CacheHits = 0
	m.CacheMisses = 0
	m.BatchesDispatched = 0
	m.BatchesFailed = 0
	m.CyclesCompleted = 0
	m.StalledRuns = 0
	m.TrackedRecords = 0
	m.LastCycleTime = time.Time{}
	m.CycleDuration = 0
	m.CurrentPage = ""
}
