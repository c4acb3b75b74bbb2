// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors turns the ambient motion sources (a phone page, an MQTT
// topic, a serial line, an SPI IMU or a synthetic generator) into a stream of
// motion.RawSample values behind a permission-gated subscription.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// Permission is the outcome of a consent flow.
type Permission string

const (
	PermissionUnknown     Permission = "unknown"
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionError       Permission = "error"
	PermissionNotRequired Permission = "not-required"
)

// Allowed reports whether sampling may start.
func (p Permission) Allowed() bool {
	return p == PermissionGranted || p == PermissionNotRequired
}

// Valid reports whether p is one of the known values.
func (p Permission) Valid() bool {
	switch p {
	case PermissionUnknown, PermissionGranted, PermissionDenied, PermissionError, PermissionNotRequired:
		return true
	}
	return false
}

// ErrNotPermitted is returned by Subscribe before access was granted.
var ErrNotPermitted = errors.New("sensors: access not granted")

// Handler receives one normalized sample. Drivers call it from their own
// goroutine, in arrival order.
type Handler func(motion.RawSample)

// Driver is one ambient sensor source.
type Driver interface {
	// RequestPermission runs the platform consent flow. Sources without one
	// return PermissionNotRequired.
	RequestPermission(ctx context.Context) (Permission, error)
	// Listen installs h as the only listener and returns the function that
	// removes it.
	Listen(h Handler) (stop func(), err error)
}

// Adapter owns the permission state and the single subscription on a
// Driver. It is safe for concurrent use.
type Adapter struct {
	driver Driver
	logger *slog.Logger

	mu         sync.Mutex
	permission Permission
	stop       func()
}

// NewAdapter wraps driver. A nil logger means slog.Default().
func NewAdapter(driver Driver, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{driver: driver, logger: logger, permission: PermissionUnknown}
}

// Permission returns the last consent result.
func (a *Adapter) Permission() Permission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permission
}

// RequestAccess runs the consent flow and records the result. Failures of
// the flow itself become PermissionError; nothing is returned raw.
func (a *Adapter) RequestAccess(ctx context.Context) Permission {
	p, err := a.request(ctx)
	if err != nil {
		a.logger.Warn("sensors: permission request failed", slog.Any("error", err))
		p = PermissionError
	} else if !p.Valid() || p == PermissionUnknown {
		a.logger.Warn("sensors: unexpected permission result", slog.String("result", string(p)))
		p = PermissionError
	}

	a.mu.Lock()
	a.permission = p
	a.mu.Unlock()
	a.logger.Info("sensors: permission", slog.String("result", string(p)))
	return p
}

func (a *Adapter) request(ctx context.Context) (p Permission, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consent flow panicked: %v", r)
		}
	}()
	return a.driver.RequestPermission(ctx)
}

// Subscribe installs h on the driver. It is a no-op returning
// ErrNotPermitted before access was granted, and a no-op while a
// subscription is already active.
func (a *Adapter) Subscribe(h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.permission.Allowed() {
		return ErrNotPermitted
	}
	if a.stop != nil {
		return nil
	}
	stop, err := a.driver.Listen(h)
	if err != nil {
		return fmt.Errorf("sensors: listen: %w", err)
	}
	a.stop = stop
	a.logger.Debug("sensors: subscribed")
	return nil
}

// Subscribed reports whether a listener is installed.
func (a *Adapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stop != nil
}

// Unsubscribe removes the listener, if any. Safe to call more than once.
func (a *Adapter) Unsubscribe() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
		a.logger.Debug("sensors: unsubscribed")
	}
}
