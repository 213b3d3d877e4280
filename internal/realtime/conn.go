package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the transport connection state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DialFunc matches websocket.Dialer.DialContext.
type DialFunc func(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)

// Handler receives inbound traffic. All methods run on the read goroutine.
type Handler interface {
	HandleEvent(ev *ServerEvent)
	HandleProtocolError(err error)
	// HandleClose is called once when the connection ends for any reason other
	// than a local Close. err is nil for a normal remote closure.
	HandleClose(err error)
}

// Options configures Open.
type Options struct {
	URL          string
	Model        string
	Token        string
	Dial         DialFunc
	QueueSize    int
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// DialError is returned when the connection could not be established.
// StatusCode is the HTTP status of a rejected handshake, or 0.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is one persistent realtime connection. Outbound messages go through a
// bounded queue drained by a single writer, so Send never blocks.
type Conn struct {
	ws      *websocket.Conn
	handler Handler
	logger  zerolog.Logger
	timeout time.Duration

	state     atomic.Int32
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	sent     atomic.Uint64
	dropped  atomic.Uint64
	received atomic.Uint64
}

// Open dials the endpoint, starts the write loop and queues the session.update
// message as the first outbound message. Inbound messages are not read until
// Start, so the handler may finish wiring itself up first.
func Open(ctx context.Context, opts Options, update SessionUpdate, handler Handler) (*Conn, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	dial := opts.Dial
	if dial == nil {
		dial = websocket.DefaultDialer.DialContext
	}

	c := &Conn{
		handler: handler,
		logger:  opts.Logger.With().Str("component", "transport").Logger(),
		timeout: opts.WriteTimeout,
		out:     make(chan []byte, opts.QueueSize),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	endpoint, err := buildURL(opts.URL, opts.Model)
	if err != nil {
		c.state.Store(int32(StateError))
		return nil, &DialError{Err: err}
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := dial(ctx, endpoint, header)
	if err != nil {
		c.state.Store(int32(StateError))
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}
	c.ws = ws
	c.state.Store(int32(StateOpen))

	if !c.Send(update) {
		_ = c.Close()
		return nil, &DialError{Err: errors.New("failed to queue session.update")}
	}

	go c.writeLoop()

	c.logger.Info().Str("url", opts.URL).Str("model", opts.Model).Msg("Realtime connection opened")
	return c, nil
}

// Start begins dispatching inbound messages to the handler. Calls after the
// first are no-ops.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func buildURL(raw, model string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Send queues msg for transmission. It never blocks: when the connection is
// not open or the queue is full the message is dropped and counted.
func (c *Conn) Send(msg any) bool {
	if c.State() != StateOpen {
		c.dropped.Add(1)
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Error().Err(err).Msg("Failed to encode outbound message")
		return false
	}

	select {
	case <-c.done:
		c.dropped.Add(1)
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				werr := fmt.Errorf("write failed: %w", err)
				if c.shutdown(werr) {
					c.handler.HandleClose(werr)
				}
				return
			}
			c.sent.Add(1)
		}
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var rerr error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rerr = fmt.Errorf("read failed: %w", err)
			}
			if c.shutdown(rerr) {
				c.handler.HandleClose(rerr)
			}
			return
		}
		c.received.Add(1)

		var ev ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.handler.HandleProtocolError(fmt.Errorf("malformed message: %w", err))
			continue
		}
		if ev.Type == "" {
			c.handler.HandleProtocolError(errors.New("message without type"))
			continue
		}
		ev.ReceivedAt = time.Now()
		c.handler.HandleEvent(&ev)
	}
}

// shutdown tears the socket down once. It reports whether this call did it.
func (c *Conn) shutdown(cause error) bool {
	did := false
	c.closeOnce.Do(func() {
		did = true
		if cause != nil {
			c.state.Store(int32(StateError))
			c.logger.Warn().Err(cause).Msg("Realtime connection failed")
		} else {
			c.state.Store(int32(StateClosing))
		}
		close(c.done)

		if c.ws != nil {
			if cause == nil {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			_ = c.ws.Close()
		}

		if cause == nil {
			c.state.Store(int32(StateClosed))
		}
	})
	return did
}

// Close closes the connection. Safe to call more than once; the handler's
// HandleClose is not invoked for a local close.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Stats returns sent, dropped and received message counts.
func (c *Conn) Stats() (sent, dropped, received uint64) {
	return c.sent.Load(), c.dropped.Load(), c.received.Load()
}
