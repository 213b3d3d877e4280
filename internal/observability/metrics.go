package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_voice_active_sessions",
		Help: "Number of open voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_voice_sessions_total",
		Help: "Total number of voice sessions opened",
	})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtime_voice_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"reason"})

	// Capture metrics
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_voice_frames_sent_total",
		Help: "Captured audio frames sent to the remote",
	})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_voice_frames_dropped_total",
		Help: "Captured audio frames not sent",
	}, []string{"reason"}) // reason: overrun, gated, transport

	inputLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_voice_input_level_dbfs",
		Help: "Level of the last captured frame in dBFS",
	})

	// Playback metrics
	chunksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_voice_chunks_scheduled_total",
		Help: "Inbound audio chunks scheduled for playback",
	})

	chunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_voice_chunks_dropped_total",
		Help: "Inbound audio chunks dropped",
	}, []string{"reason"}) // reason: decode, output

	playbackGap = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_voice_playback_gap_seconds",
		Help:    "Silence inserted between consecutive chunks of a response",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// Protocol and turn metrics
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_voice_protocol_errors_total",
		Help: "Malformed inbound messages",
	})

	turnTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_voice_turn_transitions_total",
		Help: "Turn state transitions",
	}, []string{"from", "to"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_voice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_voice_circuit_breaker_trips_total",
		Help: "Times a circuit breaker opened",
	}, []string{"service"})
)

// Metrics mirrors one engine's activity into the process-wide collectors
type Metrics struct {
	mu        sync.Mutex
	startTime time.Time
	open      bool
}

// NewSessionMetrics creates a metrics tracker for an engine
func NewSessionMetrics() *Metrics {
	return &Metrics{}
}

// SessionStarted records a session opening
func (m *Metrics) SessionStarted() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.open = true
	m.mu.Unlock()

	activeSessions.Inc()
	totalSessions.Inc()
}

// SessionEnded records a session closing
func (m *Metrics) SessionEnded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return
	}
	m.open = false
	activeSessions.Dec()
	sessionDuration.WithLabelValues(reason).Observe(time.Since(m.startTime).Seconds())
}

// FrameSent records one transmitted capture frame
func (m *Metrics) FrameSent(int) {
	framesSent.Inc()
}

// FrameDropped records one capture frame that was not sent
func (m *Metrics) FrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// InputLevel records the level of the last captured frame
func (m *Metrics) InputLevel(dbfs float64) {
	inputLevel.Set(dbfs)
}

// ChunkScheduled records a scheduled playback chunk and the gap before it
func (m *Metrics) ChunkScheduled(gapSeconds float64) {
	chunksScheduled.Inc()
	if gapSeconds > 0 {
		playbackGap.Observe(gapSeconds)
	}
}

// ChunkDropped records an inbound chunk that was not played
func (m *Metrics) ChunkDropped(reason string) {
	chunksDropped.WithLabelValues(reason).Inc()
}

// ProtocolError records a malformed inbound message
func (m *Metrics) ProtocolError() {
	protocolErrors.Inc()
}

// TurnChanged records a turn state transition
func (m *Metrics) TurnChanged(from, to string) {
	turnTransitions.WithLabelValues(from, to).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
	if state == 1 {
		circuitBreakerTrips.WithLabelValues(service).Inc()
	}
}
