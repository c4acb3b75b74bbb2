// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// Browser socket message types.
const (
	BrowserRequestPermission = "request-permission"
	BrowserPermission        = "permission"
	BrowserMotion            = "motion"
)

// BrowserMessage is one JSON frame on the phone page socket. Motion frames
// carry the devicemotion/deviceorientation fields inline.
type BrowserMessage struct {
	Type   string     `json:"type"`
	Result Permission `json:"result,omitempty"`
	motion.MotionEvent
}

var browserUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the phone page is served from another origin during development
	},
}

// BrowserDriver receives samples from a phone page over a websocket. The
// page owns the platform consent prompt; RequestPermission asks it to show
// one and waits for the answer. One page at a time; a new page replaces the
// old one.
type BrowserDriver struct {
	logger *slog.Logger
	now    func() time.Time

	listeners listenerSlot

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pageReady chan struct{}
	waiters   []chan Permission
}

// NewBrowserDriver returns a driver with no page attached.
func NewBrowserDriver(logger *slog.Logger) *BrowserDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserDriver{
		logger:    logger,
		now:       time.Now,
		pageReady: make(chan struct{}),
	}
}

// RequestPermission waits for a page, asks it for consent and waits for the
// reply. It blocks until the page answers, the page goes away (error) or
// ctx is done.
func (d *BrowserDriver) RequestPermission(ctx context.Context) (Permission, error) {
	d.mu.Lock()
	ready := d.pageReady
	d.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return PermissionUnknown, fmt.Errorf("waiting for sensor page: %w", ctx.Err())
	}

	reply := make(chan Permission, 1)
	d.mu.Lock()
	d.waiters = append(d.waiters, reply)
	d.mu.Unlock()

	if err := d.write(BrowserMessage{Type: BrowserRequestPermission}); err != nil {
		d.dropWaiter(reply)
		return PermissionUnknown, fmt.Errorf("ask sensor page: %w", err)
	}

	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		d.dropWaiter(reply)
		return PermissionUnknown, fmt.Errorf("waiting for consent: %w", ctx.Err())
	}
}

// Listen installs h for motion frames.
func (d *BrowserDriver) Listen(h Handler) (func(), error) {
	return d.listeners.install(h), nil
}

// Connected reports whether a page is attached.
func (d *BrowserDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// ServeHTTP upgrades the phone page connection and reads frames until it
// goes away.
func (d *BrowserDriver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := browserUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("sensors: browser upgrade failed", slog.Any("error", err))
		return
	}
	d.attach(conn)
	defer d.detach(conn)
	d.logger.Info("sensors: sensor page connected", slog.String("remote", r.RemoteAddr))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Warn("sensors: sensor page read failed", slog.Any("error", err))
			}
			return
		}
		d.handleFrame(data)
	}
}

func (d *BrowserDriver) handleFrame(data []byte) {
	var msg BrowserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.logger.Debug("sensors: malformed page frame", slog.Any("error", err))
		return
	}
	switch msg.Type {
	case BrowserMotion:
		d.listeners.deliver(motion.Normalize(msg.MotionEvent, d.now()))
	case BrowserPermission:
		p := msg.Result
		if !p.Valid() || p == PermissionUnknown {
			p = PermissionError
		}
		d.resolve(p)
	default:
		d.logger.Debug("sensors: ignoring page frame", slog.String("type", msg.Type))
	}
}

func (d *BrowserDriver) attach(conn *websocket.Conn) {
	d.mu.Lock()
	old := d.conn
	d.conn = conn
	select {
	case <-d.pageReady:
	default:
		close(d.pageReady)
	}
	var pending []chan Permission
	if old != nil {
		// consent asked on the old page will never be answered
		pending = d.takeWaiters()
	}
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	fail(pending)
}

func (d *BrowserDriver) detach(conn *websocket.Conn) {
	var pending []chan Permission
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
		d.pageReady = make(chan struct{})
		pending = d.takeWaiters()
	}
	d.mu.Unlock()
	conn.Close()
	fail(pending)
	d.logger.Info("sensors: sensor page disconnected", slog.Int("pendingConsent", len(pending)))
}

// takeWaiters must be called with d.mu held.
func (d *BrowserDriver) takeWaiters() []chan Permission {
	w := d.waiters
	d.waiters = nil
	return w
}

// fail answers consent requests whose page went away.
func fail(waiters []chan Permission) {
	for _, w := range waiters {
		w <- PermissionError
	}
}

func (d *BrowserDriver) resolve(p Permission) {
	d.mu.Lock()
	waiters := d.takeWaiters()
	d.mu.Unlock()
	if len(waiters) == 0 {
		d.logger.Debug("sensors: unsolicited permission result", slog.String("result", string(p)))
	}
	for _, w := range waiters {
		w <- p
	}
}

func (d *BrowserDriver) dropWaiter(reply chan Permission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.waiters {
		if w == reply {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}

func (d *BrowserDriver) write(msg BrowserMessage) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no sensor page connected")
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}
