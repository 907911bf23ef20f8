package metrics_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sifthq/sift/internal/logger"
	"github.com/sifthq/sift/internal/metrics"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	assert.NotNil(t, m)
	assert.False(t, m.GetStartTime().IsZero())
}

func TestRecordApply(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	m.RecordApply(3, 1)
	m.RecordApply(2, 0)

	assert.Equal(t, int64(5), m.GetItemsHidden())
	assert.Equal(t, int64(1), m.GetItemsUnhidden())
}

func TestRecordCacheLookup(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)

	assert.Equal(t, int64(2), m.GetCacheHits())
	assert.Equal(t, int64(1), m.GetCacheMisses())
}

func TestRecordBatch(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	m.RecordBatch(true, 10)
	m.RecordBatch(false, 5)
	m.RecordBatch(true, 3)

	assert.Equal(t, int64(3), m.GetBatchesDispatched())
	assert.Equal(t, int64(1), m.GetBatchesFailed())
}

func TestMirrorForwardsToTelemetry(t *testing.T) {
	t.Parallel()

	tele := metrics.NewTelemetry(nil)
	m := metrics.NewMetrics()
	m.Mirror(tele)

	m.RecordDetection(4)
	m.RecordApply(3, 1)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordBatch(true, 10)
	m.RecordBatch(false, 5)
	m.RecordCycle(time.Second)
	m.RecordStall()
	m.SetTrackedRecords(7)

	assert.InDelta(t, 4, testutil.ToFloat64(tele.ItemsDetected), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(tele.ItemsHidden), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tele.ItemsUnhidden), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tele.CacheLookups.WithLabelValues("hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tele.CacheLookups.WithLabelValues("miss")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(tele.BatchesDispatched), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tele.BatchesFailed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tele.StalledRuns), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(tele.TrackedRecords), 0)
}

func TestTelemetryHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	tele := metrics.NewTelemetry(nil)
	m := metrics.NewMetrics()
	m.Mirror(tele)
	m.RecordApply(2, 0)

	srv := httptest.NewServer(tele.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sift_items_hidden_total 2")
}

func TestRecordApplyConcurrently(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordApply(1, 0)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), m.GetItemsHidden())
}

func TestReset(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	m.RecordDetection(10)
	m.RecordCycle(time.Second)
	m.RecordStall()
	m.SetCurrentPage("https://example.com/feed")

	m.Reset()

	assert.Equal(t, int64(0), m.GetItemsDetected())
	assert.Equal(t, int64(0), m.GetCyclesCompleted())
	assert.Equal(t, int64(0), m.GetStalledRuns())
	assert.Empty(t, m.GetCurrentPage())
}

func TestCurrentPage(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	assert.Empty(t, m.GetCurrentPage())

	m.SetCurrentPage("https://example.com/feed")
	assert.Equal(t, "https://example.com/feed", m.GetCurrentPage())
}

func TestHTTPReporterPostsCount(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reporter := metrics.NewHTTPReporter(srv.URL, "client-1", logger.NewNoOp())
	reporter.Report(4, 2)

	select {
	case body := <-received:
		assert.InDelta(t, 4, body["count"], 0)
		assert.InDelta(t, 2, body["unhidden"], 0)
		assert.Equal(t, "client-1", body["clientId"])
	case <-time.After(time.Second):
		t.Fatal("no report received")
	}
}

func TestHTTPReporterSkipsZeroDelta(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reporter := metrics.NewHTTPReporter(srv.URL, "", logger.NewNoOp())
	reporter.Report(0, 0)

	assert.Zero(t, calls)
}
