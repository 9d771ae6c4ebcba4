package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the fragment player. It
// implements session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Fragment flow
	FragmentsReceived *prometheus.CounterVec
	FragmentsAppended *prometheus.CounterVec
	BytesAppended     *prometheus.CounterVec
	FragmentSize      prometheus.Histogram
	Queued            *prometheus.GaugeVec

	// Retention and playback
	WindowTrims         *prometheus.CounterVec
	PositionCorrections *prometheus.CounterVec
	SinkErrors          *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetrics creates all metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_active_sessions",
			Help: "Current number of open stream sessions",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_sessions_opened_total",
			Help: "Total number of stream sessions started",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_sessions_closed_total",
			Help: "Total number of stream sessions closed",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livefeed_session_duration_seconds",
			Help:    "Lifetime of stream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3 hours
		}),

		FragmentsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_fragments_received_total",
			Help: "Fragments received from the transport",
		}, []string{"stream"}),
		FragmentsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_fragments_appended_total",
			Help: "Fragments handed to the decode buffer",
		}, []string{"stream"}),
		BytesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_bytes_appended_total",
			Help: "Bytes handed to the decode buffer",
		}, []string{"stream"}),
		FragmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livefeed_fragment_size_bytes",
			Help:    "Size of received fragments in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~8MB
		}),
		Queued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livefeed_fragment_queue_depth",
			Help: "Fragments waiting for the decode buffer",
		}, []string{"stream"}),

		WindowTrims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_window_trims_total",
			Help: "Sliding-window trims issued",
		}, []string{"stream"}),
		PositionCorrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_position_corrections_total",
			Help: "Playhead jumps forward into the retained window",
		}, []string{"stream"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_sink_errors_total",
			Help: "Decode buffer or playback failures",
		}, []string{"stream"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livefeed_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		started: make(map[string]time.Time),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted records a session start.
func (m *Metrics) SessionStarted(streamID string) {
	m.ActiveSessions.Inc()
	m.SessionsOpened.Inc()
	m.mu.Lock()
	m.started[streamID] = time.Now()
	m.mu.Unlock()
}

// SessionClosed records a session close and drops its per-stream series.
func (m *Metrics) SessionClosed(streamID string) {
	m.ActiveSessions.Dec()
	m.SessionsClosed.Inc()

	m.mu.Lock()
	start, ok := m.started[streamID]
	delete(m.started, streamID)
	m.mu.Unlock()
	if ok {
		m.SessionDuration.Observe(time.Since(start).Seconds())
	}
	m.Queued.DeleteLabelValues(streamID)
}

func (m *Metrics) FragmentReceived(streamID string, size int) {
	m.FragmentsReceived.WithLabelValues(streamID).Inc()
	m.FragmentSize.Observe(float64(size))
}

func (m *Metrics) FragmentAppended(streamID string, size int) {
	m.FragmentsAppended.WithLabelValues(streamID).Inc()
	m.BytesAppended.WithLabelValues(streamID).Add(float64(size))
}

func (m *Metrics) QueueDepth(streamID string, depth int) {
	m.Queued.WithLabelValues(streamID).Set(float64(depth))
}

func (m *Metrics) WindowTrimmed(streamID string) {
	m.WindowTrims.WithLabelValues(streamID).Inc()
}

func (m *Metrics) PositionCorrected(streamID string) {
	m.PositionCorrections.WithLabelValues(streamID).Inc()
}

func (m *Metrics) SinkFailed(streamID string) {
	m.SinkErrors.WithLabelValues(streamID).Inc()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
