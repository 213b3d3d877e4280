package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/realtime-voice/internal/config"
	"github.com/lexiqai/realtime-voice/internal/negotiator"
	"github.com/lexiqai/realtime-voice/internal/observability"
	"github.com/lexiqai/realtime-voice/internal/resilience"
	"github.com/lexiqai/realtime-voice/internal/turn"
	"github.com/lexiqai/realtime-voice/internal/voice"
)

type functionResult struct {
	callID string
	output string
}

type fakeEngine struct {
	events chan voice.Event

	mu      sync.Mutex
	results []functionResult
	texts   []string
	sendErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan voice.Event, 16)}
}

func (f *fakeEngine) Events() <-chan voice.Event { return f.events }

func (f *fakeEngine) SendFunctionResult(callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, functionResult{callID, output})
	return nil
}

func (f *fakeEngine) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeEngine) Stats() voice.Stats {
	return voice.Stats{SessionID: "sess-1", State: voice.StateOpen}
}

func noReconnect(t *testing.T) func(context.Context) error {
	return func(context.Context) error {
		t.Error("unexpected reconnect")
		return nil
	}
}

func TestConverse_LocalDisconnectEnds(t *testing.T) {
	engine := newFakeEngine()
	engine.events <- voice.Connected{SessionID: "s1", Agent: "omni"}
	engine.events <- voice.Disconnected{SessionID: "s1"}

	var out bytes.Buffer
	err := converse(context.Background(), engine, newConsole(&out), noReconnect(t), zerolog.Nop())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "* connected to omni (session s1)")
	assert.Contains(t, out.String(), "* disconnected")
}

func TestConverse_FatalErrorIsReturned(t *testing.T) {
	engine := newFakeEngine()
	reason := &voice.Error{Kind: voice.KindAuthFailure, Op: "negotiate"}
	engine.events <- voice.Disconnected{SessionID: "s1", Reason: reason}

	err := converse(context.Background(), engine, newConsole(&bytes.Buffer{}), noReconnect(t), zerolog.Nop())
	assert.ErrorIs(t, err, voice.ErrAuthFailure)
}

func TestConverse_TransportErrorReconnects(t *testing.T) {
	engine := newFakeEngine()
	engine.events <- voice.Disconnected{SessionID: "s1", Reason: &voice.Error{Kind: voice.KindTransport, Op: "receive"}}

	reconnects := 0
	reconnect := func(context.Context) error {
		reconnects++
		engine.events <- voice.Connected{SessionID: "s2"}
		close(engine.events)
		return nil
	}

	var out bytes.Buffer
	err := converse(context.Background(), engine, newConsole(&out), reconnect, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, reconnects)
	assert.Contains(t, out.String(), "session s2")
}

func TestConverse_FailedReconnectIsReturned(t *testing.T) {
	engine := newFakeEngine()
	engine.events <- voice.Disconnected{SessionID: "s1", Reason: &voice.Error{Kind: voice.KindTransport}}

	boom := errors.New("failed to reconnect after 3 attempts")
	err := converse(context.Background(), engine, newConsole(&bytes.Buffer{}), func(context.Context) error {
		return boom
	}, zerolog.Nop())
	assert.ErrorIs(t, err, boom)
}

func TestConverse_AnswersFunctionCalls(t *testing.T) {
	engine := newFakeEngine()
	engine.events <- voice.FunctionCall{Name: "lookup_order", Arguments: `{"id":1}`, CallID: "call_1"}
	close(engine.events)

	var out bytes.Buffer
	require.NoError(t, converse(context.Background(), engine, newConsole(&out), noReconnect(t), zerolog.Nop()))

	require.Len(t, engine.results, 1)
	assert.Equal(t, "call_1", engine.results[0].callID)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(engine.results[0].output), &body))
	assert.Contains(t, body["error"], "lookup_order")
	assert.Contains(t, out.String(), `* tool call lookup_order({"id":1})`)
}

func TestConverse_StopsOnCancel(t *testing.T) {
	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- converse(ctx, engine, newConsole(&bytes.Buffer{}), noReconnect(t), zerolog.Nop())
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("converse did not return after cancel")
	}
}

func TestReadInput(t *testing.T) {
	engine := newFakeEngine()
	in := strings.NewReader("hello\n\n  /stats \nworld\n/quit\nignored\n")

	quits := 0
	var out bytes.Buffer
	readInput(context.Background(), in, engine, &out, func() { quits++ }, zerolog.Nop())

	assert.Equal(t, []string{"hello", "world"}, engine.texts)
	assert.Equal(t, 1, quits)
	assert.Contains(t, out.String(), `"SessionID": "sess-1"`)
}

func TestReadInput_NotConnected(t *testing.T) {
	engine := newFakeEngine()
	engine.sendErr = voice.ErrNotConnected

	var out bytes.Buffer
	readInput(context.Background(), strings.NewReader("hi\n"), engine, &out, func() {}, zerolog.Nop())
	assert.Equal(t, "! not connected\n", out.String())
}

func TestConsole_StreamsAssistantReply(t *testing.T) {
	var out bytes.Buffer
	con := newConsole(&out)

	con.handle(voice.TranscriptUpdate{Speaker: turn.SpeakerUser, Text: " what time is it? "})
	con.handle(voice.ResponseStart{ResponseID: "r1"})
	con.handle(voice.TranscriptUpdate{Speaker: turn.SpeakerAssistant, Text: "It is "})
	con.handle(voice.TranscriptUpdate{Speaker: turn.SpeakerAssistant, Text: "noon."})
	con.handle(voice.ResponseEnd{ResponseID: "r1", Status: "completed"})
	con.handle(voice.ErrorOccurred{Err: &voice.Error{Kind: voice.KindProtocol, Op: "remote", Err: errors.New("bad request")}})

	assert.Equal(t,
		"you: what time is it?\n"+
			"agent: It is noon.\n"+
			"! protocol_error: remote: bad request\n",
		out.String())
}

func TestConsole_ErrorBreaksReplyLine(t *testing.T) {
	var out bytes.Buffer
	con := newConsole(&out)

	con.handle(voice.TranscriptUpdate{Speaker: turn.SpeakerAssistant, Text: "Hel"})
	con.handle(voice.Disconnected{Reason: &voice.Error{Kind: voice.KindTransport, Op: "receive"}})

	assert.Equal(t, "agent: Hel\n* disconnected: transport_error: receive\n", out.String())
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(&voice.Error{Kind: voice.KindTransport}))
	assert.False(t, isTransportError(&voice.Error{Kind: voice.KindPermissionDenied}))
	assert.False(t, isTransportError(errors.New("plain")))
}

func TestApplyFlags(t *testing.T) {
	require.NoError(t, rootCmd.ParseFlags([]string{"--agent", "42", "--barge-in", "--profile", "admin"}))

	cfg := &config.Config{AgentID: "7", ConversationID: "c1", Profile: "omni"}
	applyFlags(rootCmd, cfg)

	assert.Equal(t, "42", cfg.AgentID)
	assert.Equal(t, "c1", cfg.ConversationID)
	assert.Equal(t, "admin", cfg.Profile)
	assert.True(t, cfg.BargeIn)
}

func TestBuildNegotiator_StaticKey(t *testing.T) {
	cfg := &config.Config{
		APIKey:       "sk-test",
		Model:        "gpt-realtime",
		Profile:      "admin",
		Voice:        "openai-nova",
		VADThreshold: 0.8,
	}

	neg, breaker, err := buildNegotiator(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, breaker)

	creds, err := neg.Negotiate(context.Background(), negotiator.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", creds.Token)
	assert.Equal(t, config.WireSampleRate, creds.SampleRate)
	assert.Equal(t, "nova", creds.Agent.Voice)
	assert.Equal(t, 0.8, creds.Agent.VAD.Threshold)
	assert.NotEmpty(t, creds.Agent.Tools)
}

func TestBuildNegotiator_UnknownProfile(t *testing.T) {
	_, _, err := buildNegotiator(&config.Config{APIKey: "sk-test", Profile: "nope"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildNegotiator_TokenEndpointIsGuarded(t *testing.T) {
	cfg := &config.Config{
		TokenEndpoint:              "http://127.0.0.1:1/token",
		Profile:                    "omni",
		CircuitBreakerMaxFailures:  2,
		CircuitBreakerResetTimeout: 60,
	}

	neg, breaker, err := buildNegotiator(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, neg)
	require.NotNil(t, breaker)
	assert.Equal(t, resilience.StateClosed, breaker.GetState())
}

type fixedState voice.State

func (s fixedState) State() voice.State { return voice.State(s) }

func TestStatusChecks(t *testing.T) {
	ctx := context.Background()

	ok, err := sessionCheck(fixedState(voice.StateOpen))(ctx)
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = sessionCheck(fixedState(voice.StateClosed))(ctx)
	assert.False(t, ok)
	assert.Error(t, err)

	breaker := resilience.NewCircuitBreaker("token_endpoint", 2, time.Minute)
	check := breakerCheck(breaker)

	breaker.RecordResult(true)
	breaker.RecordResult(false)
	ok, err = check(ctx)
	assert.True(t, ok, "one failure keeps the circuit closed")
	assert.NoError(t, err)

	breaker.RecordResult(false)
	ok, err = check(ctx)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open: 2 of 3 requests failed")
}

func TestStatusServer_ReadyReflectsChecks(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("token_endpoint", 1, time.Minute)
	checks := map[string]observability.HealthCheckFunc{
		"session":        sessionCheck(fixedState(voice.StateOpen)),
		"token_endpoint": breakerCheck(breaker),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := startStatusServer(addr, checks, zerolog.Nop())
	t.Cleanup(func() { _ = server.Close() })

	ready := func() int {
		resp, err := http.Get("http://" + addr + "/ready")
		if err != nil {
			return 0
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}
	require.Eventually(t, func() bool { return ready() == http.StatusOK }, 2*time.Second, 10*time.Millisecond)

	breaker.RecordResult(false)
	assert.Equal(t, http.StatusServiceUnavailable, ready())
}

func TestProfileCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"profile"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "admin\nomni\n", out.String())

	out.Reset()
	rootCmd.SetArgs([]string{"profile", "admin"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "name: admin")
	assert.Contains(t, out.String(), "update_system_prompt")
}
