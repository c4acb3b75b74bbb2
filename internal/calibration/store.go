// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration holds the reference offset subtracted from raw
// samples before filtering.
//
// A calibration captures samples for a fixed window. The last sample seen in
// the window becomes the new offset (it is not averaged). The offset lives
// only in memory and survives until the next calibration.
package calibration

import (
	"time"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// DefaultWindow is the capture window of one calibration.
const DefaultWindow = 2 * time.Second

// Store is owned by a single controller and is not safe for concurrent use.
type Store struct {
	window time.Duration
	offset motion.Vector3

	active   bool
	started  time.Time
	last     motion.Vector3
	haveLast bool
}

// NewStore returns a store with a zero offset. A non-positive window uses
// DefaultWindow.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{window: window}
}

// Window returns the capture window.
func (s *Store) Window() time.Duration {
	return s.window
}

// Offset returns the current reference offset.
func (s *Store) Offset() motion.Vector3 {
	return s.offset
}

// Calibrating reports whether a capture window is open.
func (s *Store) Calibrating() bool {
	return s.active
}

// Start opens a capture window at now. A second Start while one is in
// flight is coalesced and returns false.
func (s *Store) Start(now time.Time) bool {
	if s.active {
		return false
	}
	s.active = true
	s.started = now
	s.haveLast = false
	return true
}

// Deadline is when the open window closes.
func (s *Store) Deadline() time.Time {
	return s.started.Add(s.window)
}

// Observe records sample if it arrives inside the open window.
func (s *Store) Observe(sample motion.RawSample, now time.Time) {
	if !s.active || now.Sub(s.started) >= s.window {
		return
	}
	s.last = sample.Vector()
	s.haveLast = true
}

// Expire closes the window once now reaches the deadline and reports
// whether it did. Without any observed sample the previous offset stays.
func (s *Store) Expire(now time.Time) bool {
	if !s.active || now.Before(s.Deadline()) {
		return false
	}
	s.active = false
	if s.haveLast {
		s.offset = s.last
	}
	return true
}
