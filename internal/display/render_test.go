package display

import (
	"bytes"
	"image"
	"testing"

	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/tilt_controller/internal/controller"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
	"github.com/relabs-tech/tilt_controller/internal/session"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

func lit(img *image1bit.VerticalLSB, r image.Rectangle) int {
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if img.BitAt(x, y) == image1bit.On {
				n++
			}
		}
	}
	return n
}

func TestSplashBounds(t *testing.T) {
	img := Splash()
	if got := img.Bounds(); got != image.Rect(0, 0, Width, Height) {
		t.Fatalf("bounds = %v", got)
	}
	if lit(img, img.Bounds()) == 0 {
		t.Fatal("splash is blank")
	}
}

func TestRenderDrawsText(t *testing.T) {
	snap := controller.Snapshot{
		Identity:        "PLAYER42",
		ConnectionState: session.StateJoined,
		PeerCount:       3,
		Permission:      sensors.PermissionGranted,
	}
	img := Render(snap, 0.5)
	if lit(img, image.Rect(0, 0, padLeft-1, Height)) == 0 {
		t.Fatal("text area is blank")
	}
	if lit(img, image.Rect(padLeft, padTop, padLeft+padSize+1, padTop+padSize+1)) == 0 {
		t.Fatal("tilt pad is blank")
	}
}

func TestRenderMovesMarker(t *testing.T) {
	base := controller.Snapshot{Identity: "ABCDEF", Permission: sensors.PermissionGranted}
	left := base
	left.Tilt = tilt.Vector{X: -0.5}
	right := base
	right.Tilt = tilt.Vector{X: 0.5}

	pad := image.Rect(padLeft+1, padTop+1, padLeft+padSize, padTop+padSize)
	mid := padLeft + padSize/2

	l := Render(left, 0.5)
	r := Render(right, 0.5)
	if lit(l, image.Rect(pad.Min.X, pad.Min.Y, mid, pad.Max.Y)) == 0 {
		t.Error("negative X should place the marker on the left half")
	}
	if lit(r, image.Rect(mid+1, pad.Min.Y, pad.Max.X, pad.Max.Y)) == 0 {
		t.Error("positive X should place the marker on the right half")
	}
	if bytes.Equal(l.Pix, r.Pix) {
		t.Error("frames should differ")
	}
}

func TestRenderClampsOutOfRange(t *testing.T) {
	snap := controller.Snapshot{Tilt: tilt.Vector{X: 40, Z: -40}}
	img := Render(snap, 0.5)
	// marker stays inside the pad frame
	inside := image.Rect(padLeft+1, padTop+1, padLeft+padSize, padTop+padSize)
	if lit(img, inside) == 0 {
		t.Fatal("marker left the pad")
	}
}
