// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

// FilterProfile is the YAML form of the filter tuning. Omitted fields keep
// the value of the base profile selected by Mapping.
//
//	mapping: threshold
//	maxTilt: 0.5
//	smoothing: 0.7
type FilterProfile struct {
	Mapping   tilt.Mapping `yaml:"mapping"`
	Gravity   *float64     `yaml:"gravity"`
	DeadZone  *float64     `yaml:"deadZone"`
	Smoothing *float64     `yaml:"smoothing"`
	Lerp      *float64     `yaml:"lerp"`
	MaxTilt   *float64     `yaml:"maxTilt"`
	Snap      *float64     `yaml:"snap"`
	BandX     *float64     `yaml:"bandX"`
	BandZ     *float64     `yaml:"bandZ"`
	SignX     *float64     `yaml:"signX"`
	SignZ     *float64     `yaml:"signZ"`
	Gain      *float64     `yaml:"gain"`
	Threshold *float64     `yaml:"proportionalThreshold"`
}

// LoadFilterProfile reads a YAML filter profile.
func LoadFilterProfile(path string) (tilt.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tilt.Config{}, fmt.Errorf("read filter profile: %w", err)
	}
	cfg, err := ParseFilterProfile(data)
	if err != nil {
		return tilt.Config{}, fmt.Errorf("filter profile %s: %w", path, err)
	}
	return cfg, nil
}

// ParseFilterProfile decodes and validates a YAML filter profile. Unknown
// fields are rejected.
func ParseFilterProfile(data []byte) (tilt.Config, error) {
	var p FilterProfile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return tilt.Config{}, fmt.Errorf("decode: %w", err)
	}
	cfg := p.Apply()
	if err := cfg.Validate(); err != nil {
		return tilt.Config{}, err
	}
	return cfg, nil
}

// Apply overlays the profile on its base tuning.
func (p FilterProfile) Apply() tilt.Config {
	cfg := tilt.DefaultConfig()
	switch p.Mapping {
	case "", tilt.MappingThreshold:
	case tilt.MappingProportional:
		cfg = tilt.ProportionalConfig()
	default:
		// left for Validate to reject
		cfg.Mapping = p.Mapping
	}

	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cfg.Gravity, p.Gravity)
	set(&cfg.DeadZone, p.DeadZone)
	set(&cfg.Smoothing, p.Smoothing)
	set(&cfg.Lerp, p.Lerp)
	set(&cfg.MaxTilt, p.MaxTilt)
	set(&cfg.Snap, p.Snap)
	set(&cfg.BandX, p.BandX)
	set(&cfg.BandZ, p.BandZ)
	set(&cfg.SignX, p.SignX)
	set(&cfg.SignZ, p.SignZ)
	set(&cfg.Gain, p.Gain)
	set(&cfg.ProportionalThreshold, p.Threshold)
	return cfg
}
