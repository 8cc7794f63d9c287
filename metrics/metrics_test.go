package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()
	var m *Metrics
	// None of these may panic.
	m.RecordSegmentPublished(4, 1024, time.Millisecond)
	m.RecordPublishRetry()
	m.RecordPublishFailure()
	m.SetPublishQueueDepth(3)
	m.RecordSegmentFetched(4)
	m.RecordSegmentDropped()
	m.RecordSegmentsSkipped(2)
	m.RecordReconnect()
	m.RecordSubscriberTerminated()
	m.SetReadAheadDepth(1)
	m.RecordFrameProcessed(time.Millisecond, true)
	m.SetActiveChannels(1)
	m.RecordSegmentStored("http")
	m.RecordSegmentServed()
	m.RecordSegmentEvicted()
	m.RecordHTTPRequest("GET", "/{channel}/{seq}", 200)
}

func TestIndependentRegistries(t *testing.T) {
	t.Parallel()
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.RecordSegmentPublished(4, 100, time.Millisecond)
	a.RecordSegmentPublished(2, 100, time.Millisecond)
	b.RecordSegmentDropped()

	if got := testutil.ToFloat64(a.SegmentsPublished); got != 2 {
		t.Errorf("segments published: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.FramesPublished); got != 6 {
		t.Errorf("frames published: got %v, want 6", got)
	}
	if got := testutil.ToFloat64(b.SegmentsPublished); got != 0 {
		t.Errorf("registries share state: got %v", got)
	}
	if got := testutil.ToFloat64(b.SegmentsDropped); got != 1 {
		t.Errorf("segments dropped: got %v, want 1", got)
	}
}

func TestFrameProcessedSkipped(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.RecordFrameProcessed(time.Millisecond, false)
	m.RecordFrameProcessed(time.Millisecond, true)
	if got := testutil.ToFloat64(m.FramesProcessed); got != 2 {
		t.Errorf("processed: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesSkipped); got != 1 {
		t.Errorf("skipped: got %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordSegmentStored("srt")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := `trickle_server_segments_stored_total{transport="srt"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("exposition missing %q", want)
	}
}
