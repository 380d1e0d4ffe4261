package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chat view metrics
	activeViews = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_active_views",
		Help: "Number of open chat views",
	})

	viewDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_client_view_duration_seconds",
		Help:    "Lifetime of chat views in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 3600},
	})

	// Transport metrics
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_client_connection_state",
		Help: "Duplex connection state (0=disconnected, 1=connecting, 2=connected)",
	}, []string{"conversation"})

	connectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_connection_attempts_total",
		Help: "Total number of connection attempts",
	})

	reconnectsScheduled = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_client_reconnect_delay_seconds",
		Help:    "Backoff delays of scheduled reconnects",
		Buckets: []float64{1, 2, 4, 8, 16, 30},
	})

	connectionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_connection_closes_total",
		Help: "Connection closures by close code and whether they were terminal",
	}, []string{"code", "terminal"})

	heartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_heartbeat_timeouts_total",
		Help: "Connections abandoned after a missed heartbeat acknowledgment",
	})

	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_inbound_messages_total",
		Help: "Inbound payloads by type",
	}, []string{"type"})

	// Audio metrics
	audioChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_audio_chunks_total",
		Help: "Audio chunks by outcome",
	}, []string{"outcome"}) // outcome: "scheduled", "dropped", "decode_error"

	scheduledAudio = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_scheduled_audio_seconds_total",
		Help: "Seconds of audio scheduled on the output timeline",
	})

	playbackState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_playback_state",
		Help: "Playback state (0=idle, 1=playing, 2=stopped)",
	})

	// History metrics
	historyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_history_requests_total",
		Help: "History API requests by operation and status",
	}, []string{"operation", "status"})

	historyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_client_history_latency_seconds",
		Help:    "History API latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"operation"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_client_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// ViewMetrics tracks metrics for a single chat view
type ViewMetrics struct {
	conversationID string
	startTime      time.Time
	mu             sync.Mutex
	closed         bool
}

// NewViewMetrics creates a metrics tracker for a chat view
func NewViewMetrics(conversationID string) *ViewMetrics {
	return &ViewMetrics{
		conversationID: conversationID,
		startTime:      time.Now(),
	}
}

// RecordViewOpen records the start of a chat view
func (m *ViewMetrics) RecordViewOpen() {
	activeViews.Inc()
}

// RecordViewClose records the end of a chat view. Repeated calls are ignored.
func (m *ViewMetrics) RecordViewClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	activeViews.Dec()
	viewDuration.Observe(time.Since(m.startTime).Seconds())
	connectionState.DeleteLabelValues(m.conversationID)
}

// RecordConnectionState records the transport state of this view's connection
func (m *ViewMetrics) RecordConnectionState(state int) {
	connectionState.WithLabelValues(m.conversationID).Set(float64(state))
}

// RecordError records an error
func (m *ViewMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordConnectionAttempt counts a dial attempt
func RecordConnectionAttempt() {
	connectionAttempts.Inc()
}

// RecordReconnectScheduled records the backoff delay chosen for a reconnect
func RecordReconnectScheduled(delay time.Duration) {
	reconnectsScheduled.Observe(delay.Seconds())
}

// RecordConnectionClose records a closure by code
func RecordConnectionClose(code int, terminal bool) {
	connectionCloses.WithLabelValues(strconv.Itoa(code), strconv.FormatBool(terminal)).Inc()
}

// RecordHeartbeatTimeout counts connections abandoned for missing a pong
func RecordHeartbeatTimeout() {
	heartbeatTimeouts.Inc()
}

// RecordInbound counts an inbound payload by discriminator
func RecordInbound(eventType string) {
	inboundMessages.WithLabelValues(eventType).Inc()
}

// RecordAudioChunk counts an audio chunk by outcome
func RecordAudioChunk(outcome string) {
	audioChunks.WithLabelValues(outcome).Inc()
}

// RecordScheduledAudio adds scheduled playback time
func RecordScheduledAudio(seconds float64) {
	scheduledAudio.Add(seconds)
}

// RecordPlaybackState records the scheduler state
func RecordPlaybackState(state int) {
	playbackState.Set(float64(state))
}

// RecordHistoryRequest records the outcome and latency of a history API call
func RecordHistoryRequest(operation string, start time.Time, success bool) {
	historyLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	historyRequests.WithLabelValues(operation, status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
