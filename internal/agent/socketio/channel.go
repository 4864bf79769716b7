// Package socketio provides the Socket.io agent channel.
//
// channel.go - agent.Channel over a Socket.io websocket
//
// This file contains:
// - Config and New
// - Connect: websocket dial plus the Engine.IO/Socket.IO handshake
// - The read loop, which answers pings, enforces the heartbeat deadline
//   and normalizes events
// - Reconnection with the fixed-delay RetryPolicy after a drop

package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/zishang520/engine.io-go-parser/packet"
	sioparser "github.com/zishang520/socket.io-go-parser/v2/parser"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

// Config configures a Socket.io channel
type Config struct {
	// URL of the agent backend, e.g. http://localhost:5000
	URL string
	// UserID is sent in the subscribe message after every connect
	UserID string
	// Header is added to the websocket upgrade request
	Header http.Header
	// Retry controls reconnection after a drop
	Retry agent.RetryPolicy
	// HandshakeTimeout bounds the dial plus the Socket.IO connect exchange
	HandshakeTimeout time.Duration
	// BufferSize is the capacity of the event stream
	BufferSize int
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	c.Retry = c.Retry.WithDefaults()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

// Channel implements agent.Channel over Engine.IO v4 websockets
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	events chan *agent.Event
	states chan agent.ConnState

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu   sync.Mutex
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ agent.Channel = (*Channel)(nil)

// New creates a disconnected channel. Call Connect to dial.
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		events: make(chan *agent.Event, cfg.BufferSize),
		states: make(chan agent.ConnState, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the normalized inbound event stream
func (c *Channel) Events() <-chan *agent.Event { return c.events }

// States returns connection state changes
func (c *Channel) States() <-chan agent.ConnState { return c.states }

// IsConnected reports whether the websocket is live
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// Connect dials the backend and performs the Socket.IO handshake
func (c *Channel) Connect(ctx context.Context) error {
	if !c.track() {
		return agent.ErrClosed
	}
	defer c.wg.Done()

	if c.IsConnected() {
		return nil
	}
	if err := c.dial(ctx); err != nil {
		c.emitState(agent.ConnState{Status: agent.ConnDisconnected, Err: err.Error()})
		return err
	}
	return nil
}

// track registers a goroutine with the wait group unless the channel is closed
func (c *Channel) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// endpoint converts the backend URL into the Engine.IO websocket URL
func endpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid backend url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens a websocket, completes the handshake, starts the read loop and
// subscribes. It is used for both the first connect and reconnects.
func (c *Channel) dial(ctx context.Context) error {
	target, err := endpoint(c.cfg.URL)
	if err != nil {
		return &agent.ConnectionError{Op: "connect", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, target, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return &agent.ConnectionError{Op: "connect", Err: err}
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	dec := newCodec()
	open, err := handshake(conn, dec)
	if err != nil {
		_ = conn.Close()
		return &agent.ConnectionError{Op: "handshake", Err: err}
	}
	heartbeat := open.heartbeat()
	_ = conn.SetReadDeadline(readDeadline(heartbeat))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return agent.ErrClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.connected.Store(true)
	metrics.SetConnected(true)
	logger.Info("Connected to agent backend at %s", c.cfg.URL)
	c.emitState(agent.ConnState{Status: agent.ConnConnected})

	go c.readLoop(conn, dec, heartbeat)

	if c.cfg.UserID != "" {
		if err := c.Send(ctx, agent.SubscribeOutbound(c.cfg.UserID)); err != nil {
			logger.Error("Failed to subscribe as %s: %v", c.cfg.UserID, err)
		}
	}
	return nil
}

// handshake waits for the Engine.IO open packet, sends the Socket.IO connect
// packet and waits for its acknowledgement
func handshake(conn *websocket.Conn, dec *codec) (openPayload, error) {
	var (
		open   openPayload
		opened bool
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return open, err
		}
		f, err := dec.decode(data)
		if err != nil {
			return open, err
		}
		switch {
		case f.eio == packet.OPEN:
			if err := json.Unmarshal(f.payload, &open); err != nil {
				return open, fmt.Errorf("malformed open packet: %w", err)
			}
			opened = true
			pkt, err := encodeConnect(nil)
			if err != nil {
				return open, err
			}
			if err := conn.WriteMessage(websocket.TextMessage, pkt); err != nil {
				return open, err
			}
		case f.eio == packet.PING:
			if err := conn.WriteMessage(websocket.TextMessage, encodePong(f.payload)); err != nil {
				return open, err
			}
		case f.eio != packet.MESSAGE:
		case f.sio == sioparser.CONNECT && opened:
			return open, nil
		case f.sio == sioparser.CONNECT_ERROR:
			return open, fmt.Errorf("connection refused: %s", string(f.payload))
		}
	}
}

// readDeadline is the read deadline for a connection with the given
// heartbeat, measured from now
func readDeadline(heartbeat time.Duration) time.Time {
	if heartbeat <= 0 {
		return time.Time{}
	}
	return time.Now().Add(heartbeat)
}

func (c *Channel) readLoop(conn *websocket.Conn, dec *codec, heartbeat time.Duration) {
	defer c.wg.Done()

	err := c.readFrames(conn, dec, heartbeat)

	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	c.connected.Store(false)
	metrics.SetConnected(false)
	if closed {
		return
	}

	logger.Error("Agent connection dropped: %v", err)
	c.reconnect(err)
}

// readFrames processes frames until the connection fails. Every inbound
// frame pushes the read deadline out by one heartbeat, so a server that
// stops pinging surfaces as a read timeout.
func (c *Channel) readFrames(conn *websocket.Conn, dec *codec, heartbeat time.Duration) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return fmt.Errorf("no heartbeat from server within %v: %w", heartbeat, err)
			}
			return err
		}
		_ = conn.SetReadDeadline(readDeadline(heartbeat))

		f, err := dec.decode(data)
		if err != nil {
			logger.Warn("Dropping undecodable frame: %v", err)
			metrics.RecordEventDrop(metrics.DropProtocol)
			continue
		}

		switch f.eio {
		case packet.PING:
			if err := c.write(encodePong(f.payload), time.Time{}); err != nil {
				return err
			}
			continue
		case packet.CLOSE:
			return errors.New("server closed the engine.io session")
		case packet.MESSAGE:
		default:
			continue
		}

		switch f.sio {
		case sioparser.DISCONNECT:
			return errors.New("server disconnected the socket")
		case sioparser.CONNECT_ERROR:
			logger.Error("Socket.IO connect error: %s", string(f.payload))
		case sioparser.EVENT:
			c.handleEvent(f.name, f.payload)
		}
	}
}

func (c *Channel) handleEvent(name string, payload json.RawMessage) {
	if agent.IsAcknowledgement(name) {
		return
	}
	ev, err := agent.ParseEvent(name, payload)
	if err != nil {
		logger.Warn("Dropping agent event: %v", err)
		metrics.RecordEventDrop(metrics.DropProtocol)
		return
	}
	metrics.RecordEventReceived(string(ev.Type))
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// reconnect runs the retry policy and settles into disconnected when it is exhausted
func (c *Channel) reconnect(cause error) {
	onAttempt := func(attempt int) {
		metrics.RecordReconnectAttempt()
		logger.Info("Reconnecting to agent backend (attempt %d/%d)", attempt, c.cfg.Retry.MaxAttempts)
		c.emitState(agent.ConnState{Status: agent.ConnReconnecting, Attempt: attempt, Err: errString(cause)})
	}
	err := c.cfg.Retry.Reconnect(c.ctx, onAttempt, func(ctx context.Context) error {
		err := c.dial(ctx)
		if errors.Is(err, agent.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil || c.ctx.Err() != nil {
		return
	}
	logger.Error("Giving up on agent backend: %v", err)
	c.emitState(agent.ConnState{Status: agent.ConnDisconnected, Err: err.Error()})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Send encodes msg as a Socket.IO event
func (c *Channel) Send(ctx context.Context, msg agent.Outbound) error {
	if !c.IsConnected() {
		return &agent.ConnectionError{Op: "send", Err: agent.ErrNotConnected}
	}
	pkt, err := encodeEvent(string(msg.Type), msg.Payload())
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.write(pkt, deadline); err != nil {
		return &agent.ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (c *Channel) write(pkt []byte, deadline time.Time) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return agent.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, pkt)
}

func (c *Channel) emitState(s agent.ConnState) {
	s.At = time.Now()
	select {
	case c.states <- s:
	case <-c.ctx.Done():
	}
}

// Close disconnects, stops reconnecting and closes both streams
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, encodeDisconnect())
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()

	c.connected.Store(false)
	metrics.SetConnected(false)
	close(c.events)
	close(c.states)
	return nil
}
