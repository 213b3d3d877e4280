package turn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the conversational turn state, driven only by remote control events.
type State int32

const (
	StateIdle State = iota
	StateUserSpeaking
	StateAssistantSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAssistantSpeaking:
		return "assistant_speaking"
	default:
		return "unknown"
	}
}

// Playback is the part of the playback scheduler the arbiter drives.
type Playback interface {
	Reset()
	Flush()
	Outstanding() time.Duration
}

// Config tunes the post-response grace window.
// The window is Outstanding()+TailMargin clamped to [GraceMin, GraceMax].
type Config struct {
	GraceMin   time.Duration
	GraceMax   time.Duration
	TailMargin time.Duration
	// BargeIn keeps the microphone open while the assistant speaks and lets
	// user speech cancel the response.
	BargeIn bool
}

// DefaultConfig returns the half-duplex defaults.
func DefaultConfig() Config {
	return Config{
		GraceMin:   500 * time.Millisecond,
		GraceMax:   5 * time.Second,
		TailMargin: 150 * time.Millisecond,
	}
}

// Transition is reported to the listener after every state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Arbiter gates microphone transmission on the assistant's turn.
type Arbiter struct {
	cfg      Config
	playback Playback
	logger   zerolog.Logger
	listener func(Transition)

	mu    sync.Mutex
	state State
	gen   uint64
	timer *time.Timer

	transmitting atomic.Bool
}

// NewArbiter creates an arbiter in the Idle state with transmission enabled.
// listener may be nil; it is called without the arbiter lock held.
func NewArbiter(cfg Config, playback Playback, logger zerolog.Logger, listener func(Transition)) *Arbiter {
	if cfg.GraceMax < cfg.GraceMin {
		cfg.GraceMax = cfg.GraceMin
	}
	a := &Arbiter{
		cfg:      cfg,
		playback: playback,
		logger:   logger.With().Str("component", "turn").Logger(),
		listener: listener,
	}
	a.transmitting.Store(true)
	return a
}

// CanTransmit reports whether captured frames may be sent. Lock free.
func (a *Arbiter) CanTransmit() bool {
	return a.transmitting.Load()
}

// State returns the current turn state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SpeechStarted handles input_audio_buffer.speech_started. It returns true when
// the user barged in on an assistant response, which the caller must cancel.
func (a *Arbiter) SpeechStarted() bool {
	a.mu.Lock()
	from := a.state
	bargeIn := false
	switch {
	case from == StateAssistantSpeaking && a.cfg.BargeIn:
		a.cancelGraceLocked()
		a.playback.Flush()
		a.state = StateUserSpeaking
		bargeIn = true
	case from != StateAssistantSpeaking:
		a.state = StateUserSpeaking
	}
	to := a.state
	a.mu.Unlock()

	if bargeIn {
		a.logger.Info().Msg("User barged in, cancelling response")
	}
	a.notify(from, to)
	return bargeIn
}

// SpeechStopped handles input_audio_buffer.speech_stopped.
func (a *Arbiter) SpeechStopped() {
	a.mu.Lock()
	from := a.state
	if from == StateUserSpeaking {
		a.state = StateIdle
	}
	to := a.state
	a.mu.Unlock()

	a.notify(from, to)
}

// ResponseStarted handles response.created. Transmission stops before this returns.
func (a *Arbiter) ResponseStarted() {
	if !a.cfg.BargeIn {
		a.transmitting.Store(false)
	}

	a.mu.Lock()
	from := a.state
	a.cancelGraceLocked()
	a.playback.Reset()
	a.state = StateAssistantSpeaking
	a.mu.Unlock()

	a.notify(from, StateAssistantSpeaking)
}

// ResponseDone handles response.done and returns the grace window it armed.
func (a *Arbiter) ResponseDone() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAssistantSpeaking {
		return 0
	}

	grace := a.graceLocked()
	a.cancelGraceLocked()
	gen := a.gen
	a.timer = time.AfterFunc(grace, func() { a.graceElapsed(gen) })

	a.logger.Debug().Dur("grace", grace).Msg("Response done, grace window armed")
	return grace
}

func (a *Arbiter) graceLocked() time.Duration {
	grace := a.playback.Outstanding() + a.cfg.TailMargin
	if grace < a.cfg.GraceMin {
		grace = a.cfg.GraceMin
	}
	if grace > a.cfg.GraceMax {
		grace = a.cfg.GraceMax
	}
	return grace
}

func (a *Arbiter) graceElapsed(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.state != StateAssistantSpeaking {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.state = StateIdle
	a.transmitting.Store(true)
	a.mu.Unlock()

	a.notify(StateAssistantSpeaking, StateIdle)
}

// cancelGraceLocked invalidates any armed grace timer, including one whose
// callback is already waiting on the lock.
func (a *Arbiter) cancelGraceLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Stop cancels pending timers, returns to Idle and disables transmission.
func (a *Arbiter) Stop() {
	a.transmitting.Store(false)

	a.mu.Lock()
	from := a.state
	a.cancelGraceLocked()
	a.state = StateIdle
	a.mu.Unlock()

	a.notify(from, StateIdle)
}

func (a *Arbiter) notify(from, to State) {
	if from == to || a.listener == nil {
		return
	}
	a.listener(Transition{From: from, To: to, At: time.Now()})
}
