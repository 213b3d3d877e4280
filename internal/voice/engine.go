// Package voice runs one realtime voice session: it negotiates credentials,
// acquires the microphone, opens the transport and wires capture, playback and
// turn handling to the inbound event stream.
package voice

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/realtime-voice/internal/audio"
	"github.com/lexiqai/realtime-voice/internal/capture"
	"github.com/lexiqai/realtime-voice/internal/negotiator"
	"github.com/lexiqai/realtime-voice/internal/playback"
	"github.com/lexiqai/realtime-voice/internal/realtime"
	"github.com/lexiqai/realtime-voice/internal/turn"
)

// State is the session state reported by the engine.
type State = realtime.State

const (
	StateConnecting = realtime.StateConnecting
	StateOpen       = realtime.StateOpen
	StateClosing    = realtime.StateClosing
	StateClosed     = realtime.StateClosed
	StateError      = realtime.StateError
)

// Config tunes the engine.
type Config struct {
	RealtimeURL string
	// Model overrides the model returned by negotiation when set.
	Model            string
	FrameMs          int
	HandshakeTimeout time.Duration
	SendQueueSize    int
	EventBuffer      int
	Turn             turn.Config
	CaptureSlots     int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RealtimeURL:      "wss://api.openai.com/v1/realtime",
		FrameMs:          20,
		HandshakeTimeout: 10 * time.Second,
		SendQueueSize:    256,
		EventBuffer:      64,
		Turn:             turn.DefaultConfig(),
		CaptureSlots:     8,
	}
}

// MicrophoneFunc acquires the microphone. Any error is reported as
// PermissionDenied.
type MicrophoneFunc func(ctx context.Context) (capture.Source, error)

// Options are the engine's collaborators.
type Options struct {
	Negotiator     negotiator.Negotiator
	OpenMicrophone MicrophoneFunc
	// Output is the playback device clock the scheduler writes to.
	Output   playback.Output
	Dial     realtime.DialFunc
	Observer Observer
	Logger   zerolog.Logger
}

// Engine owns at most one session at a time. All methods are safe for
// concurrent use.
type Engine struct {
	cfg      Config
	opts     Options
	logger   zerolog.Logger
	observer Observer
	events   *emitter

	mu     sync.Mutex
	active *session
	last   *session
	state  atomic.Int32

	closeOnce sync.Once
}

// New creates an engine. Callers must drain Events until it is closed.
func New(cfg Config, opts Options) *Engine {
	def := DefaultConfig()
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = def.RealtimeURL
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Turn == (turn.Config{}) {
		cfg.Turn = def.Turn
	}
	if cfg.CaptureSlots <= 0 {
		cfg.CaptureSlots = def.CaptureSlots
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	e := &Engine{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		observer: observer,
		events:   newEmitter(cfg.EventBuffer),
	}
	e.state.Store(int32(StateClosed))
	return e
}

// Events returns the event stream. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events.out
}

// State returns the state of the current or most recent session.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Connect negotiates, acquires the microphone, opens the transport and waits
// for the session configuration to be acknowledged. Fatal failures emit one
// ErrorOccurred event and leave the engine Closed.
func (e *Engine) Connect(ctx context.Context, sc negotiator.SessionContext) error {
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return ErrSessionActive
	}
	s := newSession(e)
	e.active = s
	e.last = s
	e.state.Store(int32(StateConnecting))
	e.mu.Unlock()

	s.logger.Info().
		Str("agent_id", sc.AgentID).
		Str("conversation_id", sc.ConversationID).
		Msg("Connecting")

	if err := e.connect(ctx, s, sc); err != nil {
		if s.fail(err) {
			return err
		}
		// torn down concurrently; report what ended it
		if cause := s.cause(); cause != nil {
			return cause
		}
		return newError(KindTransport, "connect", ErrNotConnected)
	}
	return nil
}

func (e *Engine) connect(ctx context.Context, s *session, sc negotiator.SessionContext) *Error {
	creds, err := e.opts.Negotiator.Negotiate(ctx, sc)
	if err != nil {
		return newError(KindAuthFailure, "negotiate", err)
	}
	if e.cfg.Model != "" {
		creds.Model = e.cfg.Model
	}
	if creds.SampleRate != 0 && creds.SampleRate != audio.SampleRate {
		s.logger.Warn().
			Int("requested", creds.SampleRate).
			Int("using", audio.SampleRate).
			Msg("Unsupported sample rate, using the fixed wire rate")
	}
	creds.SampleRate = audio.SampleRate
	s.creds = creds

	mic, err := e.opts.OpenMicrophone(ctx)
	if err != nil {
		return newError(KindPermissionDenied, "open microphone", err)
	}
	if !s.attachMicrophone(mic) {
		return newError(KindTransport, "connect", ErrNotConnected)
	}

	pipeline, err := capture.New(mic, s.arbiter, s, e.observer, capture.Config{
		SampleRate: creds.SampleRate,
		FrameMs:    e.cfg.FrameMs,
		Slots:      e.cfg.CaptureSlots,
	}, s.logger)
	if err != nil {
		return newError(KindPermissionDenied, "configure capture", err)
	}
	s.attachPipeline(pipeline)

	agent := creds.Agent
	update := realtime.BuildSessionUpdate(realtime.SessionParams{
		Model:              creds.Model,
		SampleRate:         creds.SampleRate,
		Instructions:       agent.Instructions,
		Voice:              agent.Voice,
		TranscriptionModel: agent.TranscriptionModel,
		VAD:                agent.VAD,
		Tools:              agent.Tools,
	})

	conn, err := realtime.Open(ctx, realtime.Options{
		URL:       e.cfg.RealtimeURL,
		Model:     creds.Model,
		Token:     creds.Token,
		Dial:      e.opts.Dial,
		QueueSize: e.cfg.SendQueueSize,
		Logger:    s.logger,
	}, update, s)
	if err != nil {
		return dialError(err)
	}
	if !s.attachConn(conn) {
		return newError(KindTransport, "connect", ErrNotConnected)
	}
	conn.Start()

	if err := s.awaitReady(ctx, e.cfg.HandshakeTimeout); err != nil {
		return err
	}

	if err := pipeline.Start(); err != nil {
		return newError(KindPermissionDenied, "start capture", err)
	}

	if !s.markOpen() {
		return newError(KindTransport, "connect", ErrNotConnected)
	}
	e.state.Store(int32(StateOpen))
	e.observer.SessionStarted()

	s.logger.Info().
		Str("agent", agent.Name).
		Str("model", creds.Model).
		Str("voice", agent.Voice).
		Msg("Session open")
	e.events.emit(Connected{SessionID: s.id, Agent: agent.Name, At: time.Now()})
	return nil
}

func dialError(err error) *Error {
	var de *realtime.DialError
	if errors.As(err, &de) &&
		(de.StatusCode == http.StatusUnauthorized || de.StatusCode == http.StatusForbidden) {
		return newError(KindAuthFailure, "dial", err)
	}
	return newError(KindTransport, "dial", err)
}

// SendText injects a typed user turn and asks for a response.
func (e *Engine) SendText(text string) error {
	s, err := e.openSession()
	if err != nil {
		return err
	}
	if !s.send(realtime.NewUserText(text)) || !s.send(realtime.NewResponseCreate()) {
		return newError(KindTransport, "send text", ErrSendRefused)
	}
	return nil
}

// SendFunctionResult answers a FunctionCall and asks for a follow-up response.
func (e *Engine) SendFunctionResult(callID, output string) error {
	s, err := e.openSession()
	if err != nil {
		return err
	}
	if !s.send(realtime.NewFunctionOutput(callID, output)) || !s.send(realtime.NewResponseCreate()) {
		return newError(KindTransport, "send function result", ErrSendRefused)
	}
	return nil
}

func (e *Engine) openSession() (*session, error) {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil || !s.isOpen() {
		return nil, ErrNotConnected
	}
	return s, nil
}

// Disconnect ends the active session. Safe to call in any state and more than
// once.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	s.end(nil)
	return nil
}

// Close disconnects and closes the event stream. The engine cannot be reused.
func (e *Engine) Close() error {
	err := e.Disconnect()
	e.closeOnce.Do(e.events.close)
	return err
}

// detach clears s as the active session. Called once per session.
func (e *Engine) detach(s *session, final State) {
	e.mu.Lock()
	if e.active == s {
		e.active = nil
		e.state.Store(int32(final))
	}
	e.mu.Unlock()
}

// Stats returns the counters of the current or most recent session.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := e.last
	e.mu.Unlock()

	st := Stats{State: e.State()}
	if s == nil {
		return st
	}
	s.fillStats(&st)
	return st
}
