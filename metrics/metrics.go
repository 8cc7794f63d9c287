// Package metrics defines the Prometheus instruments shared by trickle
// publishers, subscribers, the processing app and the segment server.
//
// A *Metrics is registered against a caller-supplied Registerer so that
// several instances (for example one per test) can coexist. Every recorder
// method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trickle"

// Metrics contains all Prometheus metrics for a trickle process.
type Metrics struct {
	// Publisher
	SegmentsPublished prometheus.Counter
	FramesPublished   prometheus.Counter
	PublishRetries    prometheus.Counter
	PublishFailures   prometheus.Counter
	SegmentBytes      prometheus.Histogram
	SendDuration      prometheus.Histogram
	PublishQueueDepth prometheus.Gauge

	// Subscriber
	SegmentsFetched  prometheus.Counter
	SegmentsDropped  prometheus.Counter
	SegmentsSkipped  prometheus.Counter
	FramesReceived   prometheus.Counter
	Reconnects       prometheus.Counter
	ReadAheadDepth   prometheus.Gauge
	SubscriberFailed prometheus.Counter

	// App
	FramesProcessed prometheus.Counter
	FramesSkipped   prometheus.Counter
	ProcessDuration prometheus.Histogram

	// Server
	ActiveChannels  prometheus.Gauge
	SegmentsStored  *prometheus.CounterVec
	SegmentsServed  prometheus.Counter
	SegmentsEvicted prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. If reg is nil the
// metrics are created but not registered anywhere.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SegmentsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_published_total",
			Help:      "Segments acknowledged by the remote endpoint.",
		}),
		FramesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Frame records carried by published segments.",
		}),
		PublishRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Segment send attempts that were retried.",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publishers closed after exhausting the retry budget.",
		}),
		SegmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_size_bytes",
			Help:      "Encoded size of published segments.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_send_duration_seconds",
			Help:      "Time spent sending one segment, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}),
		PublishQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_queue_depth",
			Help:      "Output frames waiting in the publisher queue.",
		}),

		SegmentsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_fetched_total",
			Help:      "Segments fetched and decoded by subscribers.",
		}),
		SegmentsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Segments dropped because they failed to decode.",
		}),
		SegmentsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_skipped_total",
			Help:      "Sequence numbers skipped because the server no longer held them.",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Input frames delivered to subscriber read-ahead buffers.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Subscriber reconnect attempts.",
		}),
		ReadAheadDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "read_ahead_depth",
			Help:      "Frames buffered ahead of the consumer.",
		}),
		SubscriberFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_terminated_total",
			Help:      "Subscribers that gave up after exhausting reconnect attempts.",
		}),

		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Input frames handed to the processing callback.",
		}),
		FramesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Input frames skipped after a non-fatal callback error.",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Processing callback latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),

		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_active_channels",
			Help:      "Channels currently held by the segment server.",
		}),
		SegmentsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_segments_stored_total",
			Help:      "Segments accepted by the segment server.",
		}, []string{"transport"}),
		SegmentsServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_segments_served_total",
			Help:      "Segments returned to subscribers.",
		}),
		SegmentsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_segments_evicted_total",
			Help:      "Segments evicted from channel windows.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_http_requests_total",
			Help:      "HTTP requests handled by the segment server.",
		}, []string{"method", "route", "status_code"}),
	}
}

// Handler returns the exposition handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordSegmentPublished records a segment accepted by the remote endpoint.
func (m *Metrics) RecordSegmentPublished(frames, size int, took time.Duration) {
	if m == nil {
		return
	}
	m.SegmentsPublished.Inc()
	m.FramesPublished.Add(float64(frames))
	m.SegmentBytes.Observe(float64(size))
	m.SendDuration.Observe(took.Seconds())
}

// RecordPublishRetry counts a repeated send attempt.
func (m *Metrics) RecordPublishRetry() {
	if m == nil {
		return
	}
	m.PublishRetries.Inc()
}

// RecordPublishFailure counts a publisher that gave up on a segment.
func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// SetPublishQueueDepth reports the segments waiting to be sent.
func (m *Metrics) SetPublishQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PublishQueueDepth.Set(float64(n))
}

// RecordSegmentFetched records a decoded segment and its frame count.
func (m *Metrics) RecordSegmentFetched(frames int) {
	if m == nil {
		return
	}
	m.SegmentsFetched.Inc()
	m.FramesReceived.Add(float64(frames))
}

// RecordSegmentDropped counts a fetched segment that could not be decoded.
func (m *Metrics) RecordSegmentDropped() {
	if m == nil {
		return
	}
	m.SegmentsDropped.Inc()
}

// RecordSegmentsSkipped counts n segments evicted before they were fetched.
func (m *Metrics) RecordSegmentsSkipped(n uint64) {
	if m == nil {
		return
	}
	m.SegmentsSkipped.Add(float64(n))
}

// RecordReconnect counts a subscriber reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordSubscriberTerminated counts a subscriber that exhausted its reconnect attempts.
func (m *Metrics) RecordSubscriberTerminated() {
	if m == nil {
		return
	}
	m.SubscriberFailed.Inc()
}

// SetReadAheadDepth reports the frames buffered ahead of the consumer.
func (m *Metrics) SetReadAheadDepth(n int) {
	if m == nil {
		return
	}
	m.ReadAheadDepth.Set(float64(n))
}

// RecordFrameProcessed records one callback invocation. skipped reports
// whether the callback failed and the frame was dropped.
func (m *Metrics) RecordFrameProcessed(took time.Duration, skipped bool) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	m.ProcessDuration.Observe(took.Seconds())
	if skipped {
		m.FramesSkipped.Inc()
	}
}

// SetActiveChannels reports the number of channels on the server.
func (m *Metrics) SetActiveChannels(n int) {
	if m == nil {
		return
	}
	m.ActiveChannels.Set(float64(n))
}

// RecordSegmentStored records a segment accepted over transport ("http",
// "http3" or "srt").
func (m *Metrics) RecordSegmentStored(transport string) {
	if m == nil {
		return
	}
	m.SegmentsStored.WithLabelValues(transport).Inc()
}

// RecordSegmentServed counts a segment returned to a subscriber.
func (m *Metrics) RecordSegmentServed() {
	if m == nil {
		return
	}
	m.SegmentsServed.Inc()
}

// RecordSegmentEvicted counts a segment that left a channel window.
func (m *Metrics) RecordSegmentEvicted() {
	if m == nil {
		return
	}
	m.SegmentsEvicted.Inc()
}

// RecordHTTPRequest records one handled request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
