// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package controller ties the sensor, filter, governor and session together
// for one handheld controller. All state is owned by a single event loop;
// sensor callbacks, channel events, timers and commands are posted onto it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/tilt_controller/internal/calibration"
	"github.com/relabs-tech/tilt_controller/internal/governor"
	"github.com/relabs-tech/tilt_controller/internal/motion"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
	"github.com/relabs-tech/tilt_controller/internal/session"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

// ErrAlreadyRunning is returned by a second Run.
var ErrAlreadyRunning = errors.New("controller: already running")

// Sensor is the permission-gated sample source. sensors.Adapter satisfies it.
type Sensor interface {
	RequestAccess(ctx context.Context) sensors.Permission
	Permission() sensors.Permission
	Subscribe(h sensors.Handler) error
	Unsubscribe()
}

// Clock abstracts time for tests.
type Clock struct {
	Now func() time.Time
	// AfterFunc runs fn after d on any goroutine and returns a cancel func.
	AfterFunc session.Scheduler
}

// SystemClock uses the time package.
func SystemClock() Clock {
	return Clock{
		Now: time.Now,
		AfterFunc: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
	}
}

// Options configures a Controller. Zero values take the defaults.
type Options struct {
	Identity          string
	Filter            tilt.Config
	EmitInterval      time.Duration
	CalibrationWindow time.Duration
	ServerRetryDelay  time.Duration
	Clock             Clock
	Logger            *slog.Logger
}

// Controller is one controller instance.
type Controller struct {
	sensor   Sensor
	session  *session.Session
	governor *governor.Governor
	calib    *calibration.Store
	filter   tilt.Config
	clock    Clock
	logger   *slog.Logger

	// loop-owned
	state       tilt.State
	permission  sensors.Permission
	cancelCalib func()
	snap        Snapshot

	posts      chan func()
	quit       chan struct{}
	started    atomic.Bool
	requesting atomic.Bool
	ctxMu      sync.Mutex
	runCtx     context.Context

	snapshots *broadcaster
}

// New builds a controller over sensor and ch. The identity is fixed here
// for the controller's lifetime.
func New(sensor Sensor, ch session.Channel, opts Options) (*Controller, error) {
	filter := opts.Filter
	if filter == (tilt.Config{}) {
		filter = tilt.DefaultConfig()
	}
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	clock := opts.Clock
	if clock.Now == nil || clock.AfterFunc == nil {
		def := SystemClock()
		if clock.Now == nil {
			clock.Now = def.Now
		}
		if clock.AfterFunc == nil {
			clock.AfterFunc = def.AfterFunc
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	identity := opts.Identity
	if identity == "" {
		identity = session.GenerateIdentity()
	}

	c := &Controller{
		sensor:     sensor,
		calib:      calibration.NewStore(opts.CalibrationWindow),
		filter:     filter,
		clock:      clock,
		logger:     logger.With(slog.String("identity", identity)),
		permission: sensor.Permission(),
		posts:      make(chan func(), 256),
		quit:       make(chan struct{}),
		runCtx:     context.Background(),
	}
	c.session = session.New(ch, session.Config{
		Identity:   identity,
		RetryDelay: opts.ServerRetryDelay,
		Events:     loopEvents{c},
		Schedule: func(d time.Duration, fn func()) func() {
			return c.clock.AfterFunc(d, func() { c.post(fn) })
		},
		OnStatus: func(session.Status) { c.refresh() },
		OnPeers:  func(int) { c.refresh() },
		Logger:   c.logger,
	})
	c.governor = governor.New(identity, opts.EmitInterval, c.session)
	c.snap = c.buildSnapshot()
	c.snapshots = newBroadcaster(c.snap)
	return c, nil
}

// Identity returns the controller identity.
func (c *Controller) Identity() string {
	return c.session.Identity()
}

// Snapshot returns the latest published view.
func (c *Controller) Snapshot() Snapshot {
	return c.snapshots.current()
}

// Subscribe returns a channel carrying the current snapshot and then every
// change. The channel is closed by Unsubscribe or when Run returns.
func (c *Controller) Subscribe() (int, <-chan Snapshot) {
	return c.snapshots.subscribe()
}

// Unsubscribe stops delivery to the subscription id.
func (c *Controller) Unsubscribe(id int) {
	c.snapshots.unsubscribe(id)
}

// Run connects, asks for sensor access and processes events until ctx is
// done. The sensor subscription, the session and any pending timers are
// released on every return path.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctxMu.Lock()
	c.runCtx = ctx
	c.ctxMu.Unlock()

	defer c.teardown()

	c.logger.Info("controller: starting")
	if err := c.session.Connect(); err != nil {
		c.logger.Warn("controller: connect failed", slog.Any("error", err))
	}
	c.RequestPermission()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller: stopping")
			return nil
		case fn := <-c.posts:
			fn()
		}
	}
}

func (c *Controller) teardown() {
	close(c.quit)
	c.sensor.Unsubscribe()
	if c.cancelCalib != nil {
		c.cancelCalib()
		c.cancelCalib = nil
	}
	if err := c.session.Close(); err != nil {
		c.logger.Warn("controller: close session", slog.Any("error", err))
	}
	c.refresh()
	c.snapshots.close()
}

// post queues fn on the loop. After teardown it is dropped.
func (c *Controller) post(fn func()) {
	select {
	case <-c.quit:
	case c.posts <- fn:
	}
}

// RequestPermission runs the sensor consent flow in the background and
// subscribes once access is granted. Requests while one is pending are
// ignored.
func (c *Controller) RequestPermission() {
	if !c.requesting.CompareAndSwap(false, true) {
		return
	}
	c.ctxMu.Lock()
	ctx := c.runCtx
	c.ctxMu.Unlock()

	go func() {
		p := c.sensor.RequestAccess(ctx)
		c.requesting.Store(false)
		c.post(func() { c.onPermission(p) })
	}()
}

// Calibrate starts a calibration window. A request while one is open is
// coalesced.
func (c *Controller) Calibrate() {
	c.post(c.startCalibration)
}

func (c *Controller) onPermission(p sensors.Permission) {
	c.permission = p
	if p.Allowed() {
		if err := c.sensor.Subscribe(c.onSample); err != nil {
			c.logger.Warn("controller: subscribe failed", slog.Any("error", err))
		}
	} else {
		c.sensor.Unsubscribe()
	}
	c.refresh()
}

// onSample runs on the driver goroutine.
func (c *Controller) onSample(s motion.RawSample) {
	c.post(func() { c.process(s) })
}

func (c *Controller) process(s motion.RawSample) {
	now := c.clock.Now()
	if c.calib.Calibrating() {
		c.calib.Observe(s, now)
		if !c.calib.Expire(now) {
			// Hold the last stable output while the window is open.
			c.governor.MaybeEmit(c.state.Tilt, now)
			return
		}
		c.finishCalibration()
	}

	prev := c.state.Tilt
	c.state = tilt.Process(c.filter, c.state, s, c.calib.Offset())
	c.governor.MaybeEmit(c.state.Tilt, now)
	if c.state.Tilt != prev {
		c.refresh()
	}
}

func (c *Controller) startCalibration() {
	now := c.clock.Now()
	if !c.calib.Start(now) {
		c.logger.Debug("controller: calibration already running")
		return
	}
	c.logger.Info("controller: calibration started", slog.Duration("window", c.calib.Window()))
	c.cancelCalib = c.clock.AfterFunc(c.calib.Window(), func() {
		c.post(c.expireCalibration)
	})
	c.refresh()
}

func (c *Controller) expireCalibration() {
	now := c.clock.Now()
	if deadline := c.calib.Deadline(); now.Before(deadline) {
		now = deadline
	}
	if c.calib.Expire(now) {
		c.finishCalibration()
	}
}

func (c *Controller) finishCalibration() {
	if c.cancelCalib != nil {
		c.cancelCalib()
		c.cancelCalib = nil
	}
	off := c.calib.Offset()
	c.logger.Info("controller: calibration complete",
		slog.Float64("x", off.X), slog.Float64("y", off.Y), slog.Float64("z", off.Z))
	c.refresh()
}

func (c *Controller) buildSnapshot() Snapshot {
	st := c.session.Status()
	return Snapshot{
		Identity:          c.session.Identity(),
		ConnectionState:   st.State,
		ConnectionReason:  st.Reason,
		PeerCount:         c.session.Peers(),
		Tilt:              c.state.Tilt,
		Permission:        c.permission,
		Calibrating:       c.calib.Calibrating(),
		CalibrationOffset: c.calib.Offset(),
	}
}

// refresh publishes a new snapshot if anything visible changed.
func (c *Controller) refresh() {
	s := c.buildSnapshot()
	if s == c.snap {
		return
	}
	c.snap = s
	c.snapshots.publish(s)
}

// loopEvents moves channel callbacks onto the controller loop.
type loopEvents struct {
	c *Controller
}

func (e loopEvents) OnConnect() {
	e.c.post(e.c.session.OnConnect)
}

func (e loopEvents) OnDisconnect(reason session.DisconnectReason) {
	e.c.post(func() { e.c.session.OnDisconnect(reason) })
}

func (e loopEvents) OnError(err error) {
	e.c.post(func() { e.c.session.OnError(err) })
}

func (e loopEvents) OnMessage(env session.Envelope) {
	e.c.post(func() { e.c.session.OnMessage(env) })
}
