// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// MockSource generates smoothly changing accelerations: the device rocks
// left/right and forward/back around rest.
type MockSource struct {
	start time.Time
}

// NewMockSource starts the waveform at start.
func NewMockSource(start time.Time) *MockSource {
	return &MockSource{start: start}
}

// At returns the sample for time t.
func (m *MockSource) At(t time.Time) motion.RawSample {
	elapsed := t.Sub(m.start).Seconds()
	return motion.RawSample{
		X: 3 * math.Sin(elapsed),
		Y: 2 * math.Cos(elapsed*0.7),
		Z: 9.81,
		T: t,
	}
}

// MockDriver feeds MockSource samples on a ticker. Its consent result is
// fixed at construction so denied/error paths can be exercised.
type MockDriver struct {
	src      *MockSource
	interval time.Duration
	result   Permission

	listeners listenerSlot
}

// NewMockDriver returns a driver answering result (granted when empty).
func NewMockDriver(interval time.Duration, result Permission) *MockDriver {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	if result == "" {
		result = PermissionGranted
	}
	return &MockDriver{src: NewMockSource(time.Now()), interval: interval, result: result}
}

func (d *MockDriver) RequestPermission(ctx context.Context) (Permission, error) {
	return d.result, nil
}

func (d *MockDriver) Listen(h Handler) (func(), error) {
	uninstall := d.listeners.install(h)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				d.listeners.deliver(d.src.At(t))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			uninstall()
			close(done)
		})
	}, nil
}
