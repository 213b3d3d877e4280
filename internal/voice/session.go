package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/realtime-voice/internal/audio"
	"github.com/lexiqai/realtime-voice/internal/capture"
	"github.com/lexiqai/realtime-voice/internal/negotiator"
	"github.com/lexiqai/realtime-voice/internal/playback"
	"github.com/lexiqai/realtime-voice/internal/realtime"
	"github.com/lexiqai/realtime-voice/internal/turn"
)

// session is one connection lifetime. It implements realtime.Handler and
// capture.Sender.
type session struct {
	id     string
	engine *Engine
	logger zerolog.Logger

	scheduler  *playback.Scheduler
	arbiter    *turn.Arbiter
	correlator *turn.Correlator
	creds      *negotiator.Credentials

	conn atomic.Pointer[realtime.Conn]

	mu       sync.Mutex
	mic      capture.Source
	pipeline *capture.Pipeline
	open     bool
	ended    bool
	endErr   *Error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	created   atomic.Bool

	// read goroutine only
	greeted        bool
	responseID     string
	responseActive bool
	lastEnd        float64
	haveLast       bool

	// set on the read goroutine, cleared by the arbiter's grace timer
	assistantAudio atomic.Bool

	protocolErrors atomic.Uint64
	remoteErrors   atomic.Uint64
	responses      atomic.Uint64
}

func newSession(e *Engine) *session {
	id := uuid.New().String()
	s := &session{
		id:         id,
		engine:     e,
		logger:     e.opts.Logger.With().Str("session_id", id).Logger(),
		correlator: turn.NewCorrelator(nil),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.scheduler = playback.NewScheduler(e.opts.Output, audio.SampleRate, s.logger)
	s.arbiter = turn.NewArbiter(e.cfg.Turn, s.scheduler, s.logger, s.onTransition)
	return s
}

func (s *session) attachMicrophone(mic capture.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		_ = mic.Close()
		return false
	}
	s.mic = mic
	return true
}

func (s *session) attachPipeline(p *capture.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		_ = p.Stop()
		return
	}
	s.pipeline = p
}

func (s *session) attachConn(c *realtime.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		_ = c.Close()
		return false
	}
	s.conn.Store(c)
	return true
}

func (s *session) markOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.open = true
	return true
}

func (s *session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *session) cause() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

func (s *session) awaitReady(ctx context.Context, timeout time.Duration) *Error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if cause := s.cause(); cause != nil {
			return cause
		}
		return newError(KindTransport, "handshake", ErrNotConnected)
	case <-ctx.Done():
		return newError(KindTransport, "handshake", ctx.Err())
	case <-timer.C:
		if s.created.Load() {
			s.logger.Warn().Dur("timeout", timeout).Msg("No session.updated received, continuing on session.created")
			return nil
		}
		return newError(KindTransport, "handshake", errors.New("timed out waiting for session acknowledgement"))
	}
}

// Send implements capture.Sender.
func (s *session) Send(msg any) bool {
	return s.send(msg)
}

func (s *session) send(msg any) bool {
	c := s.conn.Load()
	if c == nil {
		return false
	}
	return c.Send(msg)
}

func (s *session) emit(ev Event) {
	s.engine.events.emit(ev)
}

// fail ends the session with a fatal error.
func (s *session) fail(err *Error) bool {
	return s.end(err)
}

// end tears the session down exactly once: the arbiter stops, the microphone
// is released, the transport is closed and pending playback is discarded.
// It reports whether this call performed the teardown.
func (s *session) end(err *Error) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.endErr = err
	wasOpen := s.open
	s.open = false
	mic, pipeline := s.mic, s.pipeline
	s.mu.Unlock()

	e := s.engine
	e.mu.Lock()
	if e.active == s {
		e.state.Store(int32(StateClosing))
	}
	e.mu.Unlock()

	close(s.done)
	s.arbiter.Stop()

	if pipeline != nil {
		if cerr := pipeline.Stop(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to release microphone")
		}
	} else if mic != nil {
		if cerr := mic.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to release microphone")
		}
	}
	if c := s.conn.Load(); c != nil {
		_ = c.Close()
	}
	s.scheduler.Flush()

	e.detach(s, StateClosed)

	reason := "local"
	var reasonErr error
	if err != nil {
		reason = err.Kind.String()
		reasonErr = err
	}
	if wasOpen {
		e.observer.SessionEnded(reason)
	}

	logEvent := s.logger.Info()
	if err != nil {
		logEvent = s.logger.Error().Err(err)
	}
	logEvent.Bool("was_open", wasOpen).Str("reason", reason).Msg("Session ended")

	if err != nil {
		s.emit(ErrorOccurred{Err: err})
	}
	if wasOpen {
		s.emit(Disconnected{SessionID: s.id, Reason: reasonErr, At: time.Now()})
	}
	return true
}

func (s *session) isEnded() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// HandleEvent implements realtime.Handler.
func (s *session) HandleEvent(ev *realtime.ServerEvent) {
	if s.isEnded() {
		return
	}

	switch ev.Type {
	case realtime.EventSessionCreated:
		s.created.Store(true)
		s.logger.Info().Msg("Session created")
		s.greet()

	case realtime.EventSessionUpdated:
		s.readyOnce.Do(func() { close(s.ready) })

	case realtime.EventSpeechStarted:
		if s.arbiter.SpeechStarted() {
			s.send(realtime.NewResponseCancel())
		}
		s.emit(AudioStart{Speaker: turn.SpeakerUser})

	case realtime.EventSpeechStopped:
		s.correlator.SpeechStopped()
		s.arbiter.SpeechStopped()
		s.emit(AudioEnd{Speaker: turn.SpeakerUser})

	case realtime.EventInputTranscriptionDone:
		tr := s.correlator.User(ev.Transcript)
		s.emit(TranscriptUpdate{Speaker: tr.Speaker, Text: tr.Text, Timestamp: tr.Timestamp})

	case realtime.EventResponseCreated, realtime.EventResponseAudioStarted:
		s.responseStarted(ev)

	case realtime.EventResponseAudioDelta:
		s.playAudio(ev.Delta)

	case realtime.EventResponseTranscriptDelta:
		tr := s.correlator.Assistant(ev.Delta)
		s.emit(TranscriptUpdate{Speaker: tr.Speaker, Text: tr.Text, Timestamp: tr.Timestamp})

	case realtime.EventFunctionCallArgsDone:
		s.logger.Info().Str("name", ev.Name).Str("call_id", ev.CallID).Msg("Function call requested")
		s.emit(FunctionCall{Name: ev.Name, Arguments: ev.Arguments, CallID: ev.CallID})

	case realtime.EventResponseDone:
		s.responseDone(ev)

	case realtime.EventError:
		s.remoteError(ev)

	default:
		s.logger.Debug().Str("type", ev.Type).Msg("Ignoring server event")
	}
}

func (s *session) greet() {
	if s.greeted || s.creds == nil || s.creds.Agent.Greeting == "" {
		return
	}
	s.greeted = true
	if !s.send(realtime.NewUserText(s.creds.Agent.Greeting)) || !s.send(realtime.NewResponseCreate()) {
		s.logger.Warn().Msg("Failed to queue greeting")
	}
}

func responseID(ev *realtime.ServerEvent) string {
	if ev.Response != nil && ev.Response.ID != "" {
		return ev.Response.ID
	}
	return ev.ResponseID
}

func (s *session) responseStarted(ev *realtime.ServerEvent) {
	id := responseID(ev)
	if ev.Type == realtime.EventResponseAudioStarted && s.responseActive && (id == "" || id == s.responseID) {
		return
	}

	s.responseActive = true
	s.responseID = id
	s.haveLast = false
	s.responses.Add(1)

	ts := s.correlator.ResponseStarted()
	s.arbiter.ResponseStarted()
	s.emit(ResponseStart{ResponseID: id, Timestamp: ts})
}

func (s *session) playAudio(payload string) {
	chunk, err := s.scheduler.Enqueue(payload)
	if err != nil {
		if errors.Is(err, playback.ErrDecode) {
			s.engine.observer.ChunkDropped("decode")
		} else {
			s.engine.observer.ChunkDropped("output")
		}
		return
	}

	gap := 0.0
	if s.haveLast && chunk.Start > s.lastEnd {
		gap = chunk.Start - s.lastEnd
	}
	s.lastEnd = chunk.End()
	s.haveLast = true
	s.engine.observer.ChunkScheduled(gap)

	if !s.assistantAudio.Swap(true) {
		s.emit(AudioStart{Speaker: turn.SpeakerAssistant})
	}
}

func (s *session) responseDone(ev *realtime.ServerEvent) {
	id := responseID(ev)
	if id == "" {
		id = s.responseID
	}
	status := ""
	if ev.Response != nil {
		status = ev.Response.Status
	}
	s.responseActive = false

	grace := s.arbiter.ResponseDone()
	s.emit(ResponseEnd{ResponseID: id, Status: status, Grace: grace})
}

func (s *session) remoteError(ev *realtime.ServerEvent) {
	s.remoteErrors.Add(1)
	var cause error = errors.New("unspecified remote error")
	if ev.Error != nil {
		cause = ev.Error
	}
	s.logger.Warn().Err(cause).Msg("Remote reported an error")
	s.emit(ErrorOccurred{Err: newError(KindProtocol, "remote", cause)})
}

// HandleProtocolError implements realtime.Handler.
func (s *session) HandleProtocolError(err error) {
	n := s.protocolErrors.Add(1)
	s.engine.observer.ProtocolError()
	s.logger.Warn().Err(err).Uint64("protocol_errors", n).Msg("Dropping malformed message")
}

// HandleClose implements realtime.Handler. Before the session is open any
// closure is a handshake failure.
func (s *session) HandleClose(err error) {
	switch {
	case err != nil:
		s.end(newError(KindTransport, "receive", err))
	case !s.isOpen():
		s.end(newError(KindTransport, "handshake", errors.New("connection closed by remote")))
	default:
		s.logger.Info().Msg("Remote closed the session")
		s.end(nil)
	}
}

func (s *session) onTransition(tr turn.Transition) {
	s.engine.observer.TurnChanged(tr.From.String(), tr.To.String())
	s.logger.Debug().Str("from", tr.From.String()).Str("to", tr.To.String()).Msg("Turn changed")

	if tr.From == turn.StateAssistantSpeaking && s.assistantAudio.Swap(false) {
		s.emit(AudioEnd{Speaker: turn.SpeakerAssistant})
	}
}

func (s *session) fillStats(st *Stats) {
	st.SessionID = s.id
	st.Turn = s.arbiter.State()
	st.Transmitting = s.arbiter.CanTransmit()
	st.Playback = s.scheduler.Stats()
	st.NextScheduledTime = s.scheduler.NextScheduledTime()
	st.ProtocolErrors = s.protocolErrors.Load()
	st.RemoteErrors = s.remoteErrors.Load()
	st.Responses = s.responses.Load()

	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		st.Capture = pipeline.Stats()
	}
	if c := s.conn.Load(); c != nil {
		st.MessagesSent, st.MessagesDropped, st.MessagesReceived = c.Stats()
	}
}
