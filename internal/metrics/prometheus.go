package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription gateway
type Metrics struct {
	// Protocol metrics
	EnvelopesReceived  *prometheus.CounterVec
	EnvelopesSent      *prometheus.CounterVec
	DecodeErrors       prometheus.Counter
	ProtocolViolations prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioChunksReceived prometheus.Counter
	AudioBytesReceived  prometheus.Counter
	AudioChunkSize      prometheus.Histogram

	// Transcription result metrics
	ResultsEmitted   *prometheus.CounterVec
	ResultConfidence prometheus.Histogram

	// Engine metrics
	EngineSends    prometheus.Counter
	EngineFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the given
// registerer. Tests pass a private prometheus.NewRegistry to avoid
// collisions on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Protocol metrics
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_envelopes_received_total",
			Help: "Total number of protocol envelopes received, by kind",
		}, []string{"kind"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_envelopes_sent_total",
			Help: "Total number of protocol envelopes sent, by kind",
		}, []string{"kind"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_decode_errors_total",
			Help: "Total number of envelopes rejected by the codec",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_protocol_violations_total",
			Help: "Total number of out-of-order or out-of-state envelopes",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Current number of live transcription sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_closed_total",
			Help: "Total number of sessions closed, by outcome",
		}, []string{"outcome"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "Lifetime of transcription sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Audio metrics
		AudioChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_chunks_received_total",
			Help: "Total number of audio chunks accepted",
		}),
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_bytes_received_total",
			Help: "Total bytes of raw audio accepted",
		}),
		AudioChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_audio_chunk_size_bytes",
			Help:    "Size of accepted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
		}),

		// Transcription result metrics
		ResultsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_results_emitted_total",
			Help: "Total number of transcription results delivered, by finality",
		}, []string{"finality"}),
		ResultConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_result_confidence",
			Help:    "Confidence score of delivered transcription results",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Engine metrics
		EngineSends: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_engine_sends_total",
			Help: "Total number of audio chunks forwarded to the engine",
		}),
		EngineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_engine_failures_total",
			Help: "Total number of engine stream failures",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordEnvelopeReceived increments the received envelope counter for kind
func (m *Metrics) RecordEnvelopeReceived(kind string) {
	m.EnvelopesReceived.WithLabelValues(kind).Inc()
}

// RecordEnvelopeSent increments the sent envelope counter for kind
func (m *Metrics) RecordEnvelopeSent(kind string) {
	m.EnvelopesSent.WithLabelValues(kind).Inc()
}

// RecordDecodeError increments the codec rejection counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordProtocolViolation increments the protocol violation counter
func (m *Metrics) RecordProtocolViolation() {
	m.ProtocolViolations.Inc()
}

// SetActiveSessions sets the current number of live sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionClosed records a finished session with its outcome and lifetime
func (m *Metrics) RecordSessionClosed(outcome string, durationSeconds float64) {
	m.SessionsClosed.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordAudioChunk records one accepted audio chunk
func (m *Metrics) RecordAudioChunk(sizeBytes int) {
	m.AudioChunksReceived.Inc()
	m.AudioBytesReceived.Add(float64(sizeBytes))
	m.AudioChunkSize.Observe(float64(sizeBytes))
}

// RecordResult records one delivered transcription result
func (m *Metrics) RecordResult(isFinal bool, confidence float64) {
	finality := "interim"
	if isFinal {
		finality = "final"
	}
	m.ResultsEmitted.WithLabelValues(finality).Inc()
	m.ResultConfidence.Observe(confidence)
}

// RecordEngineSend increments the engine send counter
func (m *Metrics) RecordEngineSend() {
	m.EngineSends.Inc()
}

// RecordEngineFailure increments the engine failure counter
func (m *Metrics) RecordEngineFailure() {
	m.EngineFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
