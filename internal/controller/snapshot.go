// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package controller

import (
	"sync"

	"github.com/relabs-tech/tilt_controller/internal/motion"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
	"github.com/relabs-tech/tilt_controller/internal/session"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	Identity          string             `json:"identity"`
	ConnectionState   session.State      `json:"connectionState"`
	ConnectionReason  string             `json:"connectionReason,omitempty"`
	PeerCount         int                `json:"peerCount"`
	Tilt              tilt.Vector        `json:"tilt"`
	Permission        sensors.Permission `json:"permissionState"`
	Calibrating       bool               `json:"calibrating"`
	CalibrationOffset motion.Vector3     `json:"calibrationOffset"`
}

// ShortID is the tail of the identity shown to players.
func (s Snapshot) ShortID() string {
	if len(s.Identity) <= 4 {
		return s.Identity
	}
	return s.Identity[len(s.Identity)-4:]
}

// StatusText is a one-line human readable connection status.
func (s Snapshot) StatusText() string {
	switch s.ConnectionState {
	case session.StateConnected, session.StateJoined:
		return "Controller Ready (" + s.ShortID() + ")"
	case session.StateConnecting:
		return "Connecting..."
	case session.StateError:
		if s.ConnectionReason != "" {
			return "Error: " + s.ConnectionReason
		}
		return "Error"
	default:
		return "Disconnected"
	}
}

// PermissionText describes the sensor permission for the player.
func (s Snapshot) PermissionText() string {
	switch s.Permission {
	case sensors.PermissionGranted, sensors.PermissionNotRequired:
		return "Motion sensors active"
	case sensors.PermissionDenied:
		return "Motion access denied"
	case sensors.PermissionError:
		return "Motion sensors unavailable"
	default:
		return "Tap to enable motion controls"
	}
}

// broadcaster fans snapshots out to subscribers. Each subscriber channel
// holds only the newest value; slow readers miss intermediate ones.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	last   Snapshot
	closed bool
}

func newBroadcaster(initial Snapshot) *broadcaster {
	return &broadcaster{subs: make(map[int]chan Snapshot), last: initial}
}

func (b *broadcaster) subscribe() (int, <-chan Snapshot) {
	ch := make(chan Snapshot, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	ch <- b.last
	return id, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *broadcaster) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = s
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
