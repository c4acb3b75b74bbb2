// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package channel is the persistent real-time connection to the game server:
// JSON envelopes over a websocket, with bounded reconnects on transport drops.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/relabs-tech/tilt_controller/internal/session"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = 1000 * time.Millisecond
	DefaultMaxDelay = 5000 * time.Millisecond
	DefaultTimeout  = 20000 * time.Millisecond

	writeWait = 5 * time.Second
)

var (
	// ErrAttemptsExhausted is reported through OnError when every reconnect
	// attempt failed.
	ErrAttemptsExhausted = errors.New("channel: reconnect attempts exhausted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")
)

// Options configures a Client.
type Options struct {
	URL string

	// Attempts is how many reconnects follow a failed dial or a transport
	// drop before giving up.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	// Timeout bounds a single dial and handshake.
	Timeout time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client implements session.Channel over gorilla/websocket.
type Client struct {
	opts   Options
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
	closed  bool

	writeMu sync.Mutex
}

// New validates opts and returns an idle client.
func New(opts Options) (*Client, error) {
	u, err := normalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Attempts < 0 {
		opts.Attempts = 0
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = opts.Delay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = opts.Timeout
		opts.Dialer = &d
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, url: u, logger: logger}, nil
}

// normalizeURL accepts ws, wss, http and https URLs.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("channel: parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("channel: unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: server url %q has no host", raw)
	}
	return u.String(), nil
}

// URL returns the websocket URL being dialled.
func (c *Client) URL() string {
	return c.url
}

// Connect starts the connection loop in the background. Calling it while the
// loop is running is a no-op.
func (c *Client) Connect(events session.Events) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	go c.run(ctx, events)
	return nil
}

// Send writes one envelope as a JSON text frame.
func (c *Client) Send(env session.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return session.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("channel: write %s: %w", env.Event, err)
	}
	return nil
}

// Close stops the loop and closes the socket. It does not wait for the loop
// goroutine and reports no further events.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) run(ctx context.Context, events session.Events) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	b := &backoff.Backoff{Min: c.opts.Delay, Max: c.opts.MaxDelay, Factor: 2}
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if int(b.Attempt()) >= c.opts.Attempts {
				c.logger.Warn("channel: giving up", slog.String("url", c.url), slog.Any("error", err))
				events.OnError(fmt.Errorf("%w: %v", ErrAttemptsExhausted, err))
				return
			}
			d := b.Duration()
			c.logger.Warn("channel: dial failed, retrying",
				slog.Int("attempt", int(b.Attempt())),
				slog.Duration("delay", d),
				slog.Any("error", err))
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		if !c.setConn(conn) {
			conn.Close()
			return
		}
		b.Reset()
		c.logger.Info("channel: connected", slog.String("url", c.url))
		events.OnConnect()

		reason := c.readLoop(conn, events)
		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("channel: disconnected", slog.String("reason", string(reason)))
		events.OnDisconnect(reason)
		if reason.ServerInitiated() {
			// The server asked us to leave; reconnecting is up to the session.
			return
		}
		if c.opts.Attempts == 0 {
			return
		}
		if !sleep(ctx, b.Duration()) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	conn, resp, err := c.opts.Dialer.DialContext(dctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, events session.Events) session.DisconnectReason {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return classify(err)
		}
		var env session.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Debug("channel: dropping malformed frame", slog.Int("bytes", len(data)))
			continue
		}
		events.OnMessage(env)
	}
}

// classify maps a read error to a disconnect reason. A close frame with
// code 1000 or an application code (4000-4999) from the server ends the
// session on purpose; anything else is a transport problem.
func classify(err error) session.DisconnectReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || (ce.Code >= 4000 && ce.Code <= 4999) {
			return session.ReasonServerDisconnect
		}
		return session.ReasonTransportClose
	}
	return session.ReasonTransportError
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
