package motion

import "time"

// MotionEvent mirrors what a handheld platform reports for one motion
// callback. Every field may be missing.
type MotionEvent struct {
	AccelerationIncludingGravity *Axes     `json:"accelerationIncludingGravity,omitempty"`
	Rotation                     *Rotation `json:"rotation,omitempty"`
	Timestamp                    float64   `json:"timestamp,omitempty"` // Unix ms, 0 when unknown
}

// Axes is an acceleration reading in m/s².
type Axes struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// Rotation is an orientation reading in degrees.
type Rotation struct {
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
	Gamma *float64 `json:"gamma"`
}

// AccelEvent is a convenience constructor for sources that always have all
// three acceleration axes.
func AccelEvent(x, y, z float64, t time.Time) MotionEvent {
	ev := MotionEvent{AccelerationIncludingGravity: &Axes{X: &x, Y: &y, Z: &z}}
	if !t.IsZero() {
		ev.Timestamp = float64(t.UnixMilli())
	}
	return ev
}

// Normalize turns a platform event into a RawSample.
//
// Acceleration takes precedence over rotation. With rotation only, gamma
// (left/right) maps to X, beta (front/back) to Y and alpha to Z. Missing or
// non-finite fields become 0 and a missing timestamp becomes now.
func Normalize(ev MotionEvent, now time.Time) RawSample {
	s := RawSample{T: now}
	if ev.Timestamp > 0 && !isNonFinite(ev.Timestamp) {
		s.T = time.UnixMilli(int64(ev.Timestamp))
	}

	switch {
	case ev.AccelerationIncludingGravity != nil:
		a := ev.AccelerationIncludingGravity
		s.X, s.Y, s.Z = value(a.X), value(a.Y), value(a.Z)
	case ev.Rotation != nil:
		r := ev.Rotation
		s.X, s.Y, s.Z = value(r.Gamma), value(r.Beta), value(r.Alpha)
	}
	return s
}

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return finite(*p)
}

func isNonFinite(v float64) bool {
	return finite(v) != v
}
