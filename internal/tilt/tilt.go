// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tilt

import (
	"fmt"
	"math"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// Vector is the two-axis control output sent to the game.
type Vector struct {
	X float64 `json:"tiltX"`
	Z float64 `json:"tiltZ"`
}

// Mapping selects how the low-pass estimate becomes a target tilt.
type Mapping string

const (
	// MappingThreshold snaps the target to ±MaxTilt once the estimate leaves
	// the per-axis band, and to 0 inside it.
	MappingThreshold Mapping = "threshold"
	// MappingProportional scales the estimate by Gain and clamps it.
	MappingProportional Mapping = "proportional"
)

// Config holds the filter tuning. The dead-zone constants are in the units
// the sensor supplies (m/s² for acceleration including gravity).
type Config struct {
	Mapping Mapping

	Gravity  float64 // expected |z| at rest
	DeadZone float64 // half-width of the at-rest band on every axis

	Smoothing float64 // weight of the previous estimate in the low-pass step
	Lerp      float64 // fraction of the remaining distance covered per sample, (0,1]
	MaxTilt   float64 // symmetric clamp on the output
	Snap      float64 // outputs closer than this to 0 become 0

	// Threshold mapping.
	BandX float64
	BandZ float64

	// Direction of each output axis relative to the estimate.
	SignX float64
	SignZ float64

	// Proportional mapping.
	Gain                  float64
	ProportionalThreshold float64
}

// DefaultConfig is the canonical threshold profile with a ±0.5 bound.
func DefaultConfig() Config {
	return Config{
		Mapping:   MappingThreshold,
		Gravity:   9.81,
		DeadZone:  1,
		Smoothing: 0.7,
		Lerp:      0.2,
		MaxTilt:   0.5,
		Snap:      0.02,
		BandX:     1,
		BandZ:     1,
		SignX:     -1,
		SignZ:     -1,
		Gain:      0.4,

		ProportionalThreshold: 0.1,
	}
}

// ProportionalConfig reproduces the unsmoothed proportional revision:
// x = clamp(rawX·0.4), z = clamp(−rawY·0.4) with a ±0.8 bound and no
// gravity dead zone.
func ProportionalConfig() Config {
	c := DefaultConfig()
	c.Mapping = MappingProportional
	c.DeadZone = 0
	c.Smoothing = 0
	c.Lerp = 1
	c.MaxTilt = 0.8
	c.SignX = 1
	c.SignZ = -1
	return c
}

// Validate rejects tunings that would break the output bound or stall the
// filter.
func (c Config) Validate() error {
	switch c.Mapping {
	case MappingThreshold, MappingProportional:
	default:
		return fmt.Errorf("tilt: unknown mapping %q", c.Mapping)
	}
	if !(c.MaxTilt > 0) || math.IsInf(c.MaxTilt, 0) {
		return fmt.Errorf("tilt: max tilt must be positive, got %v", c.MaxTilt)
	}
	if !(c.Lerp > 0 && c.Lerp <= 1) {
		return fmt.Errorf("tilt: lerp factor must be in (0,1], got %v", c.Lerp)
	}
	if !(c.Smoothing >= 0 && c.Smoothing < 1) {
		return fmt.Errorf("tilt: smoothing must be in [0,1), got %v", c.Smoothing)
	}
	if c.DeadZone < 0 || c.Snap < 0 || c.BandX < 0 || c.BandZ < 0 || c.ProportionalThreshold < 0 {
		return fmt.Errorf("tilt: dead zone, snap, bands and thresholds must not be negative")
	}
	if c.SignX != 1 && c.SignX != -1 || c.SignZ != 1 && c.SignZ != -1 {
		return fmt.Errorf("tilt: axis signs must be 1 or -1, got x=%v z=%v", c.SignX, c.SignZ)
	}
	return nil
}

// State is everything the filter carries from one sample to the next.
type State struct {
	Tilt     Vector // last output, also the visible tilt
	Target   Vector // target chosen for the last sample
	Filtered Vector // low-pass estimate of the calibrated x and y axes
}

// Process runs one calibrated sample through the filter and returns the
// next state. It never fails: non-finite inputs count as 0.
func Process(cfg Config, prev State, raw motion.RawSample, offset motion.Vector3) State {
	x := motion.Finite(motion.Finite(raw.X) - offset.X)
	y := motion.Finite(motion.Finite(raw.Y) - offset.Y)
	z := motion.Finite(raw.Z)

	var next State
	if cfg.atRest(x, y, z) {
		// Treated as no input: the estimate decays and the target is zero.
		next.Filtered = Vector{
			X: motion.Finite(prev.Filtered.X * cfg.Smoothing),
			Z: motion.Finite(prev.Filtered.Z * cfg.Smoothing),
		}
	} else {
		next.Filtered = Vector{
			X: motion.Finite(prev.Filtered.X*cfg.Smoothing + x*(1-cfg.Smoothing)),
			Z: motion.Finite(prev.Filtered.Z*cfg.Smoothing + y*(1-cfg.Smoothing)),
		}
		next.Target = Vector{
			X: cfg.target(next.Filtered.X, cfg.BandX, cfg.SignX),
			Z: cfg.target(next.Filtered.Z, cfg.BandZ, cfg.SignZ),
		}
	}

	next.Tilt = Vector{
		X: cfg.settle(prev.Tilt.X, next.Target.X),
		Z: cfg.settle(prev.Tilt.Z, next.Target.Z),
	}
	return next
}

func (c Config) atRest(x, y, z float64) bool {
	return math.Abs(x) < c.DeadZone &&
		math.Abs(y) < c.DeadZone &&
		math.Abs(z-c.Gravity) < c.DeadZone
}

func (c Config) target(estimate, band, sign float64) float64 {
	if c.Mapping == MappingProportional {
		if math.Abs(estimate) <= c.ProportionalThreshold {
			return 0
		}
		return c.clamp(sign * estimate * c.Gain)
	}

	switch {
	case estimate > band:
		return sign * c.MaxTilt
	case estimate < -band:
		return -sign * c.MaxTilt
	default:
		return 0
	}
}

// settle moves prev toward target, clamps, and snaps idle jitter to 0.
func (c Config) settle(prev, target float64) float64 {
	v := c.clamp(prev + (target-prev)*c.Lerp)
	if math.Abs(v) < c.Snap {
		return 0
	}
	return v
}

func (c Config) clamp(v float64) float64 {
	v = motion.Finite(v)
	return math.Max(-c.MaxTilt, math.Min(c.MaxTilt, v))
}
