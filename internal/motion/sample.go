// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// StandardGravity is one g in m/s².
const StandardGravity = 9.80665

// Vector3 is a three-axis value in sensor units.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// RawSample is a single normalized reading: acceleration including gravity
// (m/s²) or tilt angles, depending on what the platform supplies.
type RawSample struct {
	X float64
	Y float64
	Z float64
	T time.Time
}

// Vector drops the timestamp.
func (s RawSample) Vector() Vector3 {
	return Vector3{X: s.X, Y: s.Y, Z: s.Z}
}

// SampleMessage is the JSON shape of a sample on MQTT topics.
// Fields are nullable so a partial payload still decodes.
type SampleMessage struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
	T *int64   `json:"t,omitempty"` // Unix ms
}

// NewSampleMessage builds the wire form of s.
func NewSampleMessage(s RawSample) SampleMessage {
	x, y, z := s.X, s.Y, s.Z
	msg := SampleMessage{X: &x, Y: &y, Z: &z}
	if !s.T.IsZero() {
		t := s.T.UnixMilli()
		msg.T = &t
	}
	return msg
}

// Event converts the message into a platform event so it goes through the
// same normalization as every other source.
func (m SampleMessage) Event() MotionEvent {
	ev := MotionEvent{
		AccelerationIncludingGravity: &Axes{X: m.X, Y: m.Y, Z: m.Z},
	}
	if m.T != nil {
		ev.Timestamp = float64(*m.T)
	}
	return ev
}

// DecodeSampleMessage parses an MQTT sample payload.
func DecodeSampleMessage(payload []byte) (SampleMessage, error) {
	var m SampleMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return SampleMessage{}, fmt.Errorf("decode sample: %w", err)
	}
	return m, nil
}

// Finite returns v, or 0 when v is NaN or infinite.
func Finite(v float64) float64 {
	return finite(v)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// AccelCountsToMS2 converts a raw MPU-9250 accelerometer reading to m/s².
// accelRange is the ACCEL_FS_SEL code: 0=±2g, 1=±4g, 2=±8g, 3=±16g.
func AccelCountsToMS2(counts int16, accelRange byte) float64 {
	if accelRange > 3 {
		accelRange = 3
	}
	countsPerG := 16384.0 / float64(int(1)<<accelRange)
	return float64(counts) / countsPerG * StandardGravity
}
