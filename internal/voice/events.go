package voice

import (
	"sync"
	"time"

	"github.com/lexiqai/realtime-voice/internal/turn"
)

// Event is anything the engine reports to its caller.
type Event interface {
	EventName() string
}

// Connected is emitted once the session is open and capturing.
type Connected struct {
	SessionID string
	Agent     string
	At        time.Time
}

// Disconnected is emitted once per open session when it ends. Reason is nil for
// a local Disconnect or a normal remote close.
type Disconnected struct {
	SessionID string
	Reason    error
	At        time.Time
}

// ErrorOccurred carries an engine error. Fatal kinds are followed by
// Disconnected when the session had been open.
type ErrorOccurred struct {
	Err *Error
}

// TranscriptUpdate is a user transcript or an assistant transcript delta.
type TranscriptUpdate struct {
	Speaker   turn.Speaker
	Text      string
	Timestamp time.Time
}

// ResponseStart marks the start of an assistant response.
type ResponseStart struct {
	ResponseID string
	Timestamp  time.Time
}

// ResponseEnd marks response.done. Grace is how long the microphone stays muted.
type ResponseEnd struct {
	ResponseID string
	Status     string
	Grace      time.Duration
}

// AudioStart marks the start of audible speech by Speaker.
type AudioStart struct {
	Speaker turn.Speaker
}

// AudioEnd marks the end of audible speech by Speaker.
type AudioEnd struct {
	Speaker turn.Speaker
}

// FunctionCall asks the caller to run a tool and answer with SendFunctionResult.
type FunctionCall struct {
	Name      string
	Arguments string
	CallID    string
}

func (Connected) EventName() string        { return "connected" }
func (Disconnected) EventName() string     { return "disconnected" }
func (ErrorOccurred) EventName() string    { return "error" }
func (TranscriptUpdate) EventName() string { return "transcript_update" }
func (ResponseStart) EventName() string    { return "response_start" }
func (ResponseEnd) EventName() string      { return "response_end" }
func (AudioStart) EventName() string       { return "audio_start" }
func (AudioEnd) EventName() string         { return "audio_end" }
func (FunctionCall) EventName() string     { return "function_call" }

// emitter delivers events in order on one channel. Producers never block: the
// queue is unbounded and a single goroutine forwards it to the consumer.
type emitter struct {
	out  chan Event
	wake chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func newEmitter(buffer int) *emitter {
	e := &emitter{
		out:  make(chan Event, buffer),
		wake: make(chan struct{}, 1),
	}
	go e.run()
	return e
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.signal()
}

func (e *emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.out)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.out <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.wake
	}
}

// close stops accepting events. Queued events are still delivered, then the
// output channel is closed.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}
