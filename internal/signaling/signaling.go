// Package signaling maintains the websocket that carries audio between the
// local call and the speech backend for one negotiated session.
//
// Binary messages are audio and are delivered to [Handler.OnAudio] verbatim.
// Text messages are JSON envelopes; malformed ones are logged and skipped so
// the channel keeps running. Connection-level failures are reported once via
// [Handler.OnError] and never escape the read loop.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
)

var (
	// ErrEmptySessionID is returned by [Dialer.Dial] without dialing.
	ErrEmptySessionID = errors.New("signaling: empty session id")

	// ErrSignaling wraps every connection-level failure.
	ErrSignaling = errors.New("signaling: connection error")

	// ErrClosed is returned by [Conn.SendAudio] once the channel is no longer open.
	ErrClosed = errors.New("signaling: channel closed")

	// ErrBackpressure is returned by [Conn.SendAudio] when the outbound queue is full.
	ErrBackpressure = errors.New("signaling: outbound queue full")
)

// State is the lifecycle position of a [Conn].
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Message is a decoded text message. Type is the envelope discriminator; Raw
// holds the complete original JSON for consumers that need other fields.
type Message struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Handler receives inbound traffic. All callbacks run on the connection's read
// goroutine and must not block for long. Nil callbacks are skipped.
type Handler struct {
	OnAudio   func(audio.AudioFrame)
	OnMessage func(Message)
	OnError   func(error)
	OnClosed  func()
}

// Dialer opens signaling connections against a fixed websocket endpoint.
type Dialer struct {
	endpoint   string
	header     map[string][]string
	sendBuffer int
	readLimit  int64
}

// Option configures a [Dialer].
type Option func(*Dialer)

// WithSendBuffer sets the outbound queue length in frames. Default: 64.
func WithSendBuffer(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.sendBuffer = n
		}
	}
}

// WithReadLimit sets the largest accepted inbound message in bytes.
// Default: 1 MiB.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHeader adds an HTTP header to the websocket handshake.
func WithHeader(key, value string) Option {
	return func(d *Dialer) {
		if d.header == nil {
			d.header = make(map[string][]string)
		}
		d.header[key] = append(d.header[key], value)
	}
}

// NewDialer returns a dialer for endpoint (e.g. "ws://localhost:8080/ws").
func NewDialer(endpoint string, opts ...Option) *Dialer {
	d := &Dialer{
		endpoint:   endpoint,
		sendBuffer: 64,
		readLimit:  1 << 20,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// URL returns the endpoint bound to sessionID.
func (d *Dialer) URL(sessionID string) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("signaling: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("connectionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the endpoint with connectionId=sessionID and starts the
// read and write loops. The returned connection is open.
func (d *Dialer) Dial(ctx context.Context, sessionID string, h Handler) (*Conn, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	target, err := d.URL(sessionID)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: d.header})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrSignaling, target, err)
	}
	ws.SetReadLimit(d.readLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:        ws,
		handler:   h,
		sessionID: sessionID,
		out:       make(chan []byte, d.sendBuffer),
		ctx:       loopCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))

	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); c.readLoop() }()
	go func() { defer loops.Done(); c.writeLoop() }()
	go func() { loops.Wait(); close(c.done) }()

	slog.Info("signaling: channel open", "session_id", sessionID)
	return c, nil
}

// Conn is an open signaling channel. Only its owner closes it.
type Conn struct {
	ws        *websocket.Conn
	handler   Handler
	sessionID string

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	endOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

// SessionID returns the session the channel is bound to.
func (c *Conn) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once both loops have exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendAudio queues f as one binary message.
func (c *Conn) SendAudio(f audio.AudioFrame) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	select {
	case c.out <- f.Data:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

func (c *Conn) readLoop() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.terminate(err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if c.handler.OnAudio != nil {
				c.handler.OnAudio(audio.AudioFrame{Data: data})
			}
		case websocket.MessageText:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("signaling: skipping malformed text message", "session_id", c.sessionID, "err", err)
				continue
			}
			msg.Raw = data
			if c.handler.OnMessage != nil {
				c.handler.OnMessage(msg)
			}
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := c.ws.Write(c.ctx, websocket.MessageBinary, data); err != nil {
				c.terminate(err)
				return
			}
		}
	}
}

// terminate records how the channel ended and notifies the handler once.
// Endings caused by [Conn.Close] are silent.
func (c *Conn) terminate(err error) {
	c.endOnce.Do(func() {
		defer c.cancel()
		if c.ctx.Err() != nil || c.State() == StateClosed {
			return
		}

		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			c.state.Store(int32(StateClosed))
			slog.Info("signaling: remote closed channel", "session_id", c.sessionID)
			if c.handler.OnClosed != nil {
				c.handler.OnClosed()
			}
		default:
			c.state.Store(int32(StateErrored))
			slog.Warn("signaling: channel failed", "session_id", c.sessionID, "err", err)
			if c.handler.OnError != nil {
				c.handler.OnError(fmt.Errorf("%w: %w", ErrSignaling, err))
			}
		}
	})
}

// Close shuts the channel down. It is idempotent, and closing a nil *Conn is
// a no-op.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		wasOpen := c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
		c.endOnce.Do(func() {})
		err := c.ws.Close(websocket.StatusNormalClosure, "call ended")
		c.cancel()
		if err != nil && wasOpen && websocket.CloseStatus(err) == -1 {
			c.closeErr = fmt.Errorf("signaling: close: %w", err)
		}
		slog.Debug("signaling: channel closed", "session_id", c.sessionID)
	})
	return c.closeErr
}
