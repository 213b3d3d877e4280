package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	events   chan *ServerEvent
	protoErr chan error
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		events:   make(chan *ServerEvent, 32),
		protoErr: make(chan error, 8),
		closed:   make(chan error, 2),
	}
}

func (h *recordingHandler) HandleEvent(ev *ServerEvent)   { h.events <- ev }
func (h *recordingHandler) HandleProtocolError(err error) { h.protoErr <- err }
func (h *recordingHandler) HandleClose(err error)         { h.closed <- err }

func newRealtimeTestServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(r, conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/realtime"
	return wsURL, server.Close
}

func testOptions(url string) Options {
	return Options{URL: url, Model: "gpt-realtime", Token: "test-token", Logger: zerolog.Nop()}
}

func testUpdate() SessionUpdate {
	return BuildSessionUpdate(SessionParams{
		SampleRate:   24000,
		Instructions: "be brief",
		Voice:        "shimmer",
		VAD:          TurnDetection{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 1000},
	})
}

func TestOpen_SendsSessionUpdateFirst(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	query := make(chan string, 1)
	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		query <- r.URL.Query().Get("model")
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		got <- msg
		_, _, _ = conn.ReadMessage()
	})
	defer closeServer()

	conn, err := Open(context.Background(), testOptions(serverURL), testUpdate(), newRecordingHandler())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, "gpt-realtime", <-query)

	select {
	case msg := <-got:
		assert.Equal(t, EventSessionUpdate, msg["type"])
		session := msg["session"].(map[string]any)
		assert.Equal(t, "be brief", session["instructions"])
		audio := session["audio"].(map[string]any)
		input := audio["input"].(map[string]any)
		format := input["format"].(map[string]any)
		assert.Equal(t, "audio/pcm", format["type"])
		assert.Equal(t, float64(24000), format["rate"])
		vad := input["turn_detection"].(map[string]any)
		assert.Equal(t, "server_vad", vad["type"])
		assert.Equal(t, float64(1000), vad["silence_duration_ms"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected session.update from client")
	}
}

func TestOpen_RejectedHandshake(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		conn.Close()
	})
	defer closeServer()

	opts := testOptions(serverURL)
	opts.Token = "wrong"
	_, err := Open(context.Background(), opts, testUpdate(), newRecordingHandler())
	require.Error(t, err)

	var de *DialError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusUnauthorized, de.StatusCode)
}

func TestConn_DispatchesEventsInOrder(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.output_audio.delta","delta":"AAA="}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"message":"bad thing"}}`))
		_, _, _ = conn.ReadMessage()
	})
	defer closeServer()

	h := newRecordingHandler()
	conn, err := Open(context.Background(), testOptions(serverURL), testUpdate(), h)
	require.NoError(t, err)
	defer conn.Close()
	conn.Start()

	wantTypes := []string{EventSessionCreated, EventResponseAudioDelta, EventError}
	for _, want := range wantTypes {
		select {
		case ev := <-h.events:
			assert.Equal(t, want, ev.Type)
			assert.False(t, ev.ReceivedAt.IsZero())
			if ev.Type == EventResponseAudioDelta {
				assert.Equal(t, "AAA=", ev.Delta)
			}
			if ev.Type == EventError {
				require.NotNil(t, ev.Error)
				assert.Equal(t, "bad thing", ev.Error.Message)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %s event", want)
		}
	}

	select {
	case err := <-h.protoErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected protocol error for malformed message")
	}
}

func TestConn_HoldsEventsUntilStart(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	h := newRecordingHandler()
	conn, err := Open(context.Background(), testOptions(serverURL), testUpdate(), h)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ev := <-h.events:
		t.Fatalf("event %s dispatched before Start", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	conn.Start()
	select {
	case ev := <-h.events:
		assert.Equal(t, EventSessionCreated, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected session.created after Start")
	}
}

func TestConn_SendAfterCloseDrops(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	h := newRecordingHandler()
	conn, err := Open(context.Background(), testOptions(serverURL), testUpdate(), h)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())

	assert.False(t, conn.Send(NewAudioAppend("AAAA")))
	_, dropped, _ := conn.Stats()
	assert.Equal(t, uint64(1), dropped)

	select {
	case err := <-h.closed:
		t.Fatalf("local close must not notify the handler, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_RemoteFailureNotifiesOnce(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		// drop the TCP connection without a close frame
		conn.UnderlyingConn().Close()
	})
	defer closeServer()

	h := newRecordingHandler()
	conn, err := Open(context.Background(), testOptions(serverURL), testUpdate(), h)
	require.NoError(t, err)
	conn.Start()

	select {
	case err := <-h.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected HandleClose after remote failure")
	}
	assert.Equal(t, StateError, conn.State())

	<-conn.Done()
	assert.NoError(t, conn.Close())
	assert.Len(t, h.closed, 0)
}

func TestConn_RemoteNormalClose(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer closeServer()

	h := newRecordingHandler()
	conn, err := Open(context.Background(), testOptions(serverURL), testUpdate(), h)
	require.NoError(t, err)
	conn.Start()
	conn.Start()

	select {
	case err := <-h.closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected HandleClose after remote close")
	}
	assert.Equal(t, StateClosed, conn.State())
}

func TestBuildSessionUpdate_Tools(t *testing.T) {
	update := BuildSessionUpdate(SessionParams{
		SampleRate:         24000,
		TranscriptionModel: "whisper-1",
		Tools: []Tool{{
			Type:       "function",
			Name:       "list_users",
			Parameters: map[string]any{"type": "object"},
		}},
	})

	assert.Equal(t, EventSessionUpdate, update.Type)
	assert.Equal(t, "auto", update.Session.ToolChoice)
	require.NotNil(t, update.Session.Audio.Input.Transcription)
	assert.Equal(t, "whisper-1", update.Session.Audio.Input.Transcription.Model)
	assert.Equal(t, []string{"audio"}, update.Session.OutputModalities)
	assert.True(t, strings.HasPrefix(update.EventID, "evt_"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "error", StateError.String())
}
