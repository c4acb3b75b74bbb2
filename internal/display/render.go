// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package display renders controller snapshots for a 128x64 SSD1306 OLED.
package display

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/tilt_controller/internal/controller"
	"github.com/relabs-tech/tilt_controller/internal/session"
)

const (
	Width  = 128
	Height = 64

	// tilt pad on the right: a box with a dot at the current tilt
	padSize = 30
	padLeft = Width - padSize - 1
	padTop  = 13
)

func newFrame() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, Width, Height))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func text(d *font.Drawer, x, y int, s string) {
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

// Splash is shown while the controller starts.
func Splash() *image1bit.VerticalLSB {
	img, d := newFrame()
	text(d, 10, 26, "Tilt Control")
	text(d, 20, 43, "starting")
	return img
}

// Render draws the status lines and the tilt pad for s. maxTilt is the
// clamp bound used to scale the pad.
func Render(s controller.Snapshot, maxTilt float64) *image1bit.VerticalLSB {
	img, d := newFrame()

	text(d, 0, 11, fmt.Sprintf("ID %s P:%d", s.ShortID(), s.PeerCount))
	switch {
	case s.Calibrating:
		text(d, 0, 24, "Calibrating")
	case !s.Permission.Allowed():
		text(d, 0, 24, "No sensor")
	default:
		text(d, 0, 24, shortState(s))
	}
	text(d, 0, 40, fmt.Sprintf("X%+.2f", s.Tilt.X))
	text(d, 0, 54, fmt.Sprintf("Z%+.2f", s.Tilt.Z))

	drawPad(img, s.Tilt.X, s.Tilt.Z, maxTilt)
	return img
}

func shortState(s controller.Snapshot) string {
	switch s.ConnectionState {
	case session.StateJoined:
		return "Joined"
	case session.StateConnected:
		return "Connected"
	case session.StateConnecting:
		return "Connecting"
	case session.StateError:
		return "Error"
	default:
		return "Offline"
	}
}

func drawPad(img *image1bit.VerticalLSB, x, z, maxTilt float64) {
	for i := 0; i <= padSize; i++ {
		img.SetBit(padLeft+i, padTop, image1bit.On)
		img.SetBit(padLeft+i, padTop+padSize, image1bit.On)
		img.SetBit(padLeft, padTop+i, image1bit.On)
		img.SetBit(padLeft+padSize, padTop+i, image1bit.On)
	}
	if maxTilt <= 0 {
		maxTilt = 0.5
	}
	half := float64(padSize/2 - 2)
	cx := padLeft + padSize/2 + int(math.Round(scale(x, maxTilt)*half))
	cy := padTop + padSize/2 + int(math.Round(scale(z, maxTilt)*half))
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			img.SetBit(cx+dx, cy+dy, image1bit.On)
		}
	}
}

func scale(v, bound float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v/bound))
}
