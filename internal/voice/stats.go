package voice

import (
	"github.com/lexiqai/realtime-voice/internal/capture"
	"github.com/lexiqai/realtime-voice/internal/playback"
	"github.com/lexiqai/realtime-voice/internal/turn"
)

// Stats is a snapshot of one session's counters.
type Stats struct {
	SessionID    string
	State        State
	Turn         turn.State
	Transmitting bool

	Capture  capture.Stats
	Playback playback.Stats

	MessagesSent     uint64
	MessagesDropped  uint64
	MessagesReceived uint64
	ProtocolErrors   uint64
	RemoteErrors     uint64
	Responses        uint64

	// NextScheduledTime is the playback cursor in device seconds.
	NextScheduledTime float64
}
