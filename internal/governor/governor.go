// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package governor limits how often tilt updates leave the controller.
package governor

import (
	"time"

	"github.com/relabs-tech/tilt_controller/internal/session"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

// DefaultInterval is the minimum spacing between two emitted updates.
const DefaultInterval = 50 * time.Millisecond

// Sender delivers one update. session.Session satisfies it.
type Sender interface {
	SendTilt(u session.TiltUpdate) error
}

// Governor drops updates that arrive sooner than the interval after the last
// emitted one. Nothing is queued; the next sample past the interval carries
// the latest tilt. Not safe for concurrent use.
type Governor struct {
	identity string
	interval time.Duration
	sender   Sender

	lastEmit time.Time
	emitted  bool
	lastErr  error
}

// New returns a governor emitting on behalf of identity.
func New(identity string, interval time.Duration, sender Sender) *Governor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Governor{identity: identity, interval: interval, sender: sender}
}

// Interval returns the configured spacing.
func (g *Governor) Interval() time.Duration {
	return g.interval
}

// LastEmit returns the time of the last successful emission.
func (g *Governor) LastEmit() (time.Time, bool) {
	return g.lastEmit, g.emitted
}

// Err returns the error of the last rejected send, or nil.
func (g *Governor) Err() error {
	return g.lastErr
}

// MaybeEmit sends v if at least the interval has passed since the last
// successful emission. It reports whether the update was sent. A failed
// send leaves the window open so the next sample tries again.
func (g *Governor) MaybeEmit(v tilt.Vector, now time.Time) bool {
	if g.emitted && now.Sub(g.lastEmit) < g.interval {
		return false
	}
	err := g.sender.SendTilt(session.TiltUpdate{
		PlayerID:  g.identity,
		X:         v.X,
		Z:         v.Z,
		Timestamp: now.UnixMilli(),
	})
	g.lastErr = err
	if err != nil {
		return false
	}
	g.lastEmit = now
	g.emitted = true
	return true
}

// Reset forgets the last emission so the next sample goes out immediately.
func (g *Governor) Reset() {
	g.emitted = false
	g.lastEmit = time.Time{}
	g.lastErr = nil
}
