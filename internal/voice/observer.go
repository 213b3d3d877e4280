package voice

import "github.com/lexiqai/realtime-voice/internal/capture"

// Observer mirrors engine activity into an external metrics system.
// Implementations must not block; capture methods run on the capture worker.
type Observer interface {
	capture.Observer

	SessionStarted()
	SessionEnded(reason string)
	ChunkScheduled(gapSeconds float64)
	ChunkDropped(reason string)
	ProtocolError()
	TurnChanged(from, to string)
}

type nopObserver struct{}

func (nopObserver) FrameSent(int)           {}
func (nopObserver) FrameDropped(string)     {}
func (nopObserver) InputLevel(float64)      {}
func (nopObserver) SessionStarted()         {}
func (nopObserver) SessionEnded(string)     {}
func (nopObserver) ChunkScheduled(float64)  {}
func (nopObserver) ChunkDropped(string)     {}
func (nopObserver) ProtocolError()          {}
func (nopObserver) TurnChanged(_, _ string) {}
