// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session implements the connect/join handshake with the game
// server and tracks connection state and peer count.
//
// State machine:
//
//	disconnected -> connecting -> connected -> joined
//	any -> disconnected (channel drop or Close)
//	any -> error(reason) (channel error)
//
// A Session is not safe for concurrent use; the owner serializes calls,
// including the channel callbacks.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetryDelay is the wait before the single reconnect after a
// server-initiated drop.
const DefaultRetryDelay = 2 * time.Second

var (
	// ErrNotConnected is returned when sending outside connected/joined.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyConnecting is returned by Connect while a connection is up
	// or being established.
	ErrAlreadyConnecting = errors.New("session: already connecting")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Events receives channel lifecycle notifications.
type Events interface {
	OnConnect()
	OnDisconnect(reason DisconnectReason)
	OnError(err error)
	OnMessage(env Envelope)
}

// Channel is the persistent real-time transport. Connect starts connecting
// in the background and reports through events; transport-level retries are
// the channel's business.
type Channel interface {
	Connect(events Events) error
	Send(env Envelope) error
	Close() error
}

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// Config configures a Session.
type Config struct {
	Identity   string
	RetryDelay time.Duration

	// Events is what the channel reports into. Owners that serialize work on
	// their own loop pass an adapter here; nil means the session itself.
	Events Events
	// Schedule defaults to time.AfterFunc, which calls fn on its own
	// goroutine.
	Schedule Scheduler

	// OnStatus and OnPeers observe changes.
	OnStatus func(Status)
	OnPeers  func(int)

	Logger *slog.Logger
}

// Session is the controller side of the game protocol.
type Session struct {
	identity   string
	channel    Channel
	events     Events
	schedule   Scheduler
	retryDelay time.Duration
	onStatus   func(Status)
	onPeers    func(int)
	logger     *slog.Logger

	status      Status
	peers       int
	retryUsed   bool
	cancelRetry func()
	closed      bool
}

// New returns a disconnected session.
func New(ch Channel, cfg Config) *Session {
	s := &Session{
		identity:   cfg.Identity,
		channel:    ch,
		events:     cfg.Events,
		schedule:   cfg.Schedule,
		retryDelay: cfg.RetryDelay,
		onStatus:   cfg.OnStatus,
		onPeers:    cfg.OnPeers,
		logger:     cfg.Logger,
	}
	if s.events == nil {
		s.events = s
	}
	if s.schedule == nil {
		s.schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Identity returns the token attached to every message.
func (s *Session) Identity() string {
	return s.identity
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	return s.status
}

// Peers returns the last roster count.
func (s *Session) Peers() int {
	return s.peers
}

// Connect moves disconnected or error to connecting and starts the channel.
func (s *Session) Connect() error {
	if s.closed {
		return ErrClosed
	}
	switch s.status.State {
	case StateConnecting, StateConnected, StateJoined:
		return ErrAlreadyConnecting
	}

	s.setStatus(Status{State: StateConnecting})
	if err := s.channel.Connect(s.events); err != nil {
		s.OnError(fmt.Errorf("connect: %w", err))
		return err
	}
	return nil
}

// OnConnect handles the channel's connect event and sends the join.
func (s *Session) OnConnect() {
	if s.closed {
		return
	}
	switch s.status.State {
	case StateConnected, StateJoined:
		return
	}

	s.setStatus(Status{State: StateConnected})

	env, err := NewEnvelope(EventJoin, JoinMessage{PlayerID: s.identity, DeviceType: RoleController})
	if err != nil {
		s.logger.Warn("session: build join", slog.Any("error", err))
		return
	}
	if err := s.channel.Send(env); err != nil {
		s.logger.Warn("session: send join", slog.Any("error", err))
		return
	}
	s.logger.Info("session: join sent", slog.String("identity", s.identity))
}

// OnDisconnect handles a channel drop. A server-initiated drop schedules
// one reconnect; the budget refills once the session joins again.
func (s *Session) OnDisconnect(reason DisconnectReason) {
	if s.closed {
		return
	}
	s.setStatus(Status{State: StateDisconnected, Reason: string(reason)})

	if !reason.ServerInitiated() {
		return
	}
	if s.retryUsed {
		s.logger.Warn("session: server dropped the session again, not retrying")
		return
	}
	s.retryUsed = true
	s.logger.Info("session: server dropped the session, reconnecting", slog.Duration("delay", s.retryDelay))
	s.cancelRetry = s.schedule(s.retryDelay, s.retry)
}

func (s *Session) retry() {
	s.cancelRetry = nil
	if err := s.Connect(); err != nil && !errors.Is(err, ErrAlreadyConnecting) && !errors.Is(err, ErrClosed) {
		s.logger.Warn("session: scheduled reconnect failed", slog.Any("error", err))
	}
}

// OnError moves to error(reason). It does not retry by itself.
func (s *Session) OnError(err error) {
	if s.closed {
		return
	}
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	s.setStatus(Status{State: StateError, Reason: reason})
}

// OnMessage dispatches an inbound frame.
func (s *Session) OnMessage(env Envelope) {
	if s.closed {
		return
	}
	switch env.Event {
	case EventJoinAck:
		var ack JoinAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			s.logger.Debug("session: bad join-ack", slog.Any("error", err))
			return
		}
		s.handleJoinAck(ack)

	case EventPlayerList:
		var r Roster
		if err := json.Unmarshal(env.Data, &r); err != nil {
			s.logger.Debug("session: bad player-list", slog.Any("error", err))
			return
		}
		s.peers = r.Count()
		if s.onPeers != nil {
			s.onPeers(s.peers)
		}

	default:
		s.logger.Debug("session: ignoring event", slog.String("event", env.Event))
	}
}

func (s *Session) handleJoinAck(ack JoinAck) {
	if ack.PlayerID != s.identity || ack.DeviceType != RoleController {
		s.logger.Debug("session: join-ack for someone else",
			slog.String("playerId", ack.PlayerID), slog.String("deviceType", ack.DeviceType))
		return
	}
	if s.status.State != StateConnected {
		s.logger.Debug("session: join-ack outside connected", slog.String("state", s.status.State.String()))
		return
	}
	s.retryUsed = false
	s.setStatus(Status{State: StateJoined})
	if ack.Message != "" {
		s.logger.Info("session: joined", slog.String("message", ack.Message))
	}
}

// SendTilt forwards a tilt update while connected or joined.
func (s *Session) SendTilt(u TiltUpdate) error {
	if s.closed {
		return ErrClosed
	}
	if !s.status.CanSend() {
		return ErrNotConnected
	}
	env, err := NewEnvelope(EventTilt, u)
	if err != nil {
		return err
	}
	return s.channel.Send(env)
}

// Close cancels any scheduled reconnect and releases the channel. It is
// safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.setStatus(Status{State: StateDisconnected, Reason: string(ReasonClientDisconnect)})
	s.closed = true
	return s.channel.Close()
}

func (s *Session) setStatus(st Status) {
	if st == s.status {
		return
	}
	s.logger.Info("session: state change",
		slog.String("from", s.status.State.String()),
		slog.String("to", st.State.String()),
		slog.String("reason", st.Reason))
	s.status = st
	if s.onStatus != nil {
		s.onStatus(st)
	}
}
