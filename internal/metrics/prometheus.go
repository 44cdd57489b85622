// Package metrics exposes Prometheus collectors for the transcription pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamscribe"

// Metrics contains all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Chunk intake metrics
	ChunksReceived prometheus.Counter
	ChunkBytes     prometheus.Counter
	ChunksRejected prometheus.Counter

	// Segment metrics
	SegmentsProcessed *prometheus.CounterVec // finality, result
	SegmentBytes      prometheus.Histogram
	SegmentsBusy      prometheus.Counter
	SilenceDetected   prometheus.Counter

	// Normalizer metrics
	NormalizeResults *prometheus.CounterVec // result
	DecodeFallbacks  prometheus.Counter

	// Engine metrics
	EngineCalls    *prometheus.CounterVec   // engine, result
	EngineDuration *prometheus.HistogramVec // engine

	// Emission metrics
	Emissions        *prometheus.CounterVec // type
	EmissionsDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of streaming sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of sessions torn down",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of streaming sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total number of audio chunks accepted",
		}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Total decoded audio bytes accepted",
		}),
		ChunksRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_rejected_total",
			Help:      "Total number of malformed audio chunks",
		}),

		SegmentsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_processed_total",
			Help:      "Segment runs by finality and result",
		}, []string{"finality", "result"}),
		SegmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_size_bytes",
			Help:      "Size of buffer snapshots handed to the normalizer",
			Buckets:   prometheus.ExponentialBuckets(512, 2, 14), // 512B to ~4MB
		}),
		SegmentsBusy: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_busy_total",
			Help:      "Interim triggers skipped because a run was in flight",
		}),
		SilenceDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_detected_total",
			Help:      "Silence windows detected by session watchdogs",
		}),

		NormalizeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalize_results_total",
			Help:      "Normalizer outcomes",
		}, []string{"result"}),
		DecodeFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_fallbacks_total",
			Help:      "Decodes that succeeded only with the alternate format",
		}),

		EngineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "STT engine calls by engine and result",
		}, []string{"engine", "result"}),
		EngineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_call_duration_seconds",
			Help:      "STT engine call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"engine"}),

		Emissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_total",
			Help:      "Events emitted to clients by type",
		}, []string{"type"}),
		EmissionsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_dropped_total",
			Help:      "Events discarded because the session was gone",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsCreated.Inc()
}

// SessionClosed records a torn-down session and its lifetime.
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// ChunkAccepted records an accepted chunk of n decoded bytes.
func (m *Metrics) ChunkAccepted(n int) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.ChunkBytes.Add(float64(n))
}

// ChunkRejected records a malformed chunk.
func (m *Metrics) ChunkRejected() {
	if m == nil {
		return
	}
	m.ChunksRejected.Inc()
}

// SegmentStarted records the size of a non-empty snapshot.
func (m *Metrics) SegmentStarted(size int) {
	if m == nil {
		return
	}
	m.SegmentBytes.Observe(float64(size))
}

// SegmentDone records a completed segment run.
func (m *Metrics) SegmentDone(final bool, result string) {
	if m == nil {
		return
	}
	m.SegmentsProcessed.WithLabelValues(finality(final), result).Inc()
}

// SegmentBusy records an interim trigger skipped by the in-flight guard.
func (m *Metrics) SegmentBusy() {
	if m == nil {
		return
	}
	m.SegmentsBusy.Inc()
}

// Silence records a watchdog silence detection.
func (m *Metrics) Silence() {
	if m == nil {
		return
	}
	m.SilenceDetected.Inc()
}

// Emitted records an event delivered to a client.
func (m *Metrics) Emitted(eventType string) {
	if m == nil {
		return
	}
	m.Emissions.WithLabelValues(eventType).Inc()
}

// EmissionDropped records an event discarded for a missing session.
func (m *Metrics) EmissionDropped() {
	if m == nil {
		return
	}
	m.EmissionsDropped.Inc()
}

// ObserveNormalize implements stt.Recorder.
func (m *Metrics) ObserveNormalize(result string, fallback bool) {
	if m == nil {
		return
	}
	m.NormalizeResults.WithLabelValues(result).Inc()
	if fallback {
		m.DecodeFallbacks.Inc()
	}
}

// ObserveEngineCall implements stt.Recorder.
func (m *Metrics) ObserveEngineCall(engine, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.EngineCalls.WithLabelValues(engine, result).Inc()
	if result != "skipped" {
		m.EngineDuration.WithLabelValues(engine).Observe(d.Seconds())
	}
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func finality(final bool) string {
	if final {
		return "final"
	}
	return "interim"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
