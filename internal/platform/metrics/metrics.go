package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Export results used as the "result" label of relay_exports_total.
const (
	ResultOK          = "ok"
	ResultRejected    = "rejected"
	ResultUnavailable = "unavailable"
	ResultFailed      = "failed"
)

// Metrics holds Prometheus counters and gauges for the frame relay.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	streamsStartedTotal prometheus.Counter
	streamsEndedTotal   prometheus.Counter
	framesReceivedTotal prometheus.Counter
	framesInvalidTotal  prometheus.Counter
	framesDroppedTotal  *prometheus.CounterVec
	audioChunksTotal    prometheus.Counter
	activeStreams       prometheus.Gauge
	viewers             prometheus.Gauge
	connections         prometheus.Gauge
	exportsTotal        *prometheus.CounterVec
	exportSeconds       prometheus.Histogram
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		streamsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_streams_started_total",
			Help: "Total number of streams started",
		}),
		streamsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_streams_ended_total",
			Help: "Total number of streams ended",
		}),
		framesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of valid frames received from producers",
		}),
		framesInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_invalid_total",
			Help: "Total number of frame or audio payloads rejected as invalid",
		}),
		framesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total number of messages dropped, by reason (viewer_queue, ingest_rate)",
		}, []string{"reason"}),
		audioChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_chunks_received_total",
			Help: "Total number of valid audio chunks received from producers",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Number of streams with a connected producer",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_viewers",
			Help: "Number of viewers joined across all active streams",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of open WebSocket connections",
		}),
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_exports_total",
			Help: "Total number of export requests, by mode and result",
		}, []string{"mode", "result"}),
		exportSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_export_duration_seconds",
			Help:    "Wall time of successful exports",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamsStartedTotal,
		m.streamsEndedTotal,
		m.framesReceivedTotal,
		m.framesInvalidTotal,
		m.framesDroppedTotal,
		m.audioChunksTotal,
		m.activeStreams,
		m.viewers,
		m.connections,
		m.exportsTotal,
		m.exportSeconds,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncStreamsStarted increments the streams started counter.
func (m *Metrics) IncStreamsStarted() {
	if m == nil {
		return
	}
	m.streamsStartedTotal.Inc()
}

// AddStreamsEnded adds n to the streams ended counter.
func (m *Metrics) AddStreamsEnded(n int) {
	if m == nil {
		return
	}
	m.streamsEndedTotal.Add(float64(n))
}

// IncFramesReceived increments the valid frames counter.
func (m *Metrics) IncFramesReceived() {
	if m == nil {
		return
	}
	m.framesReceivedTotal.Inc()
}

// IncFramesInvalid increments the invalid payload counter.
func (m *Metrics) IncFramesInvalid() {
	if m == nil {
		return
	}
	m.framesInvalidTotal.Inc()
}

// IncFramesDropped increments the dropped counter for reason.
func (m *Metrics) IncFramesDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDroppedTotal.WithLabelValues(reason).Inc()
}

// IncAudioChunks increments the valid audio chunk counter.
func (m *Metrics) IncAudioChunks() {
	if m == nil {
		return
	}
	m.audioChunksTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// SetViewers sets the viewers gauge.
func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}

// SetConnections sets the open connections gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// ObserveExport records the outcome of one export request. seconds is only
// observed for successful exports.
func (m *Metrics) ObserveExport(mode, result string, seconds float64) {
	if m == nil {
		return
	}
	m.exportsTotal.WithLabelValues(mode, result).Inc()
	if result == ResultOK {
		m.exportSeconds.Observe(seconds)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
