package sensors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

type fakeDriver struct {
	result   Permission
	err      error
	panicMsg string

	listens int
	stops   int
	handler Handler
}

func (f *fakeDriver) RequestPermission(ctx context.Context) (Permission, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.result, f.err
}

func (f *fakeDriver) Listen(h Handler) (func(), error) {
	f.listens++
	f.handler = h
	return func() {
		f.stops++
		f.handler = nil
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestAccessResults(t *testing.T) {
	tests := []struct {
		name   string
		driver *fakeDriver
		want   Permission
	}{
		{"granted", &fakeDriver{result: PermissionGranted}, PermissionGranted},
		{"not required", &fakeDriver{result: PermissionNotRequired}, PermissionNotRequired},
		{"denied", &fakeDriver{result: PermissionDenied}, PermissionDenied},
		{"flow error", &fakeDriver{err: errors.New("NotAllowedError")}, PermissionError},
		{"flow panic", &fakeDriver{panicMsg: "boom"}, PermissionError},
		{"garbage result", &fakeDriver{result: "maybe"}, PermissionError},
		{"unknown result", &fakeDriver{result: PermissionUnknown}, PermissionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(tt.driver, quietLogger())
			if got := a.RequestAccess(context.Background()); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			if a.Permission() != tt.want {
				t.Errorf("permission not recorded")
			}
		})
	}
}

func TestSubscribeBeforePermissionIsNoop(t *testing.T) {
	d := &fakeDriver{result: PermissionDenied}
	a := NewAdapter(d, quietLogger())

	if err := a.Subscribe(func(motion.RawSample) {}); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
	a.RequestAccess(context.Background())
	if err := a.Subscribe(func(motion.RawSample) {}); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted after denial, got %v", err)
	}
	if d.listens != 0 {
		t.Errorf("listener installed without permission")
	}
}

func TestSubscribeIsSingleAndSymmetric(t *testing.T) {
	d := &fakeDriver{result: PermissionNotRequired}
	a := NewAdapter(d, quietLogger())
	a.RequestAccess(context.Background())

	var got []motion.RawSample
	h := func(s motion.RawSample) { got = append(got, s) }
	for i := 0; i < 3; i++ {
		if err := a.Subscribe(h); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if d.listens != 1 {
		t.Fatalf("expected one listener, got %d", d.listens)
	}
	d.handler(motion.RawSample{X: 1})
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}

	a.Unsubscribe()
	a.Unsubscribe()
	if d.stops != 1 {
		t.Fatalf("expected one removal, got %d", d.stops)
	}
	if a.Subscribed() {
		t.Error("still subscribed")
	}

	// A fresh subscription after teardown installs a new listener.
	a.Subscribe(h)
	if d.listens != 2 {
		t.Errorf("expected resubscribe, got %d listens", d.listens)
	}
}

func TestListenerSlotStaleStop(t *testing.T) {
	var slot listenerSlot
	var first, second int
	stopFirst := slot.install(func(motion.RawSample) { first++ })
	slot.install(func(motion.RawSample) { second++ })

	stopFirst()
	if !slot.deliver(motion.RawSample{}) {
		t.Fatal("stale stop removed the newer handler")
	}
	if first != 0 || second != 1 {
		t.Errorf("unexpected deliveries first=%d second=%d", first, second)
	}
}

func TestPermissionAllowed(t *testing.T) {
	for p, want := range map[Permission]bool{
		PermissionGranted:     true,
		PermissionNotRequired: true,
		PermissionDenied:      false,
		PermissionError:       false,
		PermissionUnknown:     false,
	} {
		if p.Allowed() != want {
			t.Errorf("%s: expected %v", p, want)
		}
	}
}
