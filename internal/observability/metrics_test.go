package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := NewSessionMetrics()

	active := testutil.ToFloat64(activeSessions)
	total := testutil.ToFloat64(totalSessions)

	m.SessionStarted()
	assert.Equal(t, active+1, testutil.ToFloat64(activeSessions))
	assert.Equal(t, total+1, testutil.ToFloat64(totalSessions))

	m.SessionEnded("local")
	m.SessionEnded("local")
	assert.Equal(t, active, testutil.ToFloat64(activeSessions))
}

func TestMetrics_CaptureAndPlayback(t *testing.T) {
	m := NewSessionMetrics()

	sent := testutil.ToFloat64(framesSent)
	gated := testutil.ToFloat64(framesDropped.WithLabelValues("gated"))
	scheduled := testutil.ToFloat64(chunksScheduled)
	decode := testutil.ToFloat64(chunksDropped.WithLabelValues("decode"))

	m.FrameSent(960)
	m.FrameDropped("gated")
	m.InputLevel(-20)
	m.ChunkScheduled(0)
	m.ChunkScheduled(0.05)
	m.ChunkDropped("decode")

	assert.Equal(t, sent+1, testutil.ToFloat64(framesSent))
	assert.Equal(t, gated+1, testutil.ToFloat64(framesDropped.WithLabelValues("gated")))
	assert.Equal(t, -20.0, testutil.ToFloat64(inputLevel))
	assert.Equal(t, scheduled+2, testutil.ToFloat64(chunksScheduled))
	assert.Equal(t, decode+1, testutil.ToFloat64(chunksDropped.WithLabelValues("decode")))
}

func TestMetrics_TurnAndBreaker(t *testing.T) {
	m := NewSessionMetrics()

	transitions := testutil.ToFloat64(turnTransitions.WithLabelValues("idle", "assistant_speaking"))
	m.TurnChanged("idle", "assistant_speaking")
	assert.Equal(t, transitions+1, testutil.ToFloat64(turnTransitions.WithLabelValues("idle", "assistant_speaking")))

	trips := testutil.ToFloat64(circuitBreakerTrips.WithLabelValues("token_endpoint"))
	UpdateCircuitBreakerState("token_endpoint", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(circuitBreakerState.WithLabelValues("token_endpoint")))
	assert.Equal(t, trips+1, testutil.ToFloat64(circuitBreakerTrips.WithLabelValues("token_endpoint")))

	UpdateCircuitBreakerState("token_endpoint", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(circuitBreakerState.WithLabelValues("token_endpoint")))
}
