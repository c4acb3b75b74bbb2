package app

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/controller"
	"github.com/relabs-tech/tilt_controller/internal/motion"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
	"github.com/relabs-tech/tilt_controller/internal/session"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeControls stands in for a running controller.
type fakeControls struct {
	mu           sync.Mutex
	snap         controller.Snapshot
	subs         map[int]chan controller.Snapshot
	nextID       int
	calibrations int
	permissions  int
}

func newFakeControls(snap controller.Snapshot) *fakeControls {
	return &fakeControls{snap: snap, subs: make(map[int]chan controller.Snapshot)}
}

func (f *fakeControls) Snapshot() controller.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeControls) Subscribe() (int, <-chan controller.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan controller.Snapshot, 8)
	ch <- f.snap
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	return id, ch
}

func (f *fakeControls) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *fakeControls) publish(s controller.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
	for _, ch := range f.subs {
		ch <- s
	}
}

func (f *fakeControls) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeControls) Calibrate() {
	f.mu.Lock()
	f.calibrations++
	f.mu.Unlock()
}

func (f *fakeControls) RequestPermission() {
	f.mu.Lock()
	f.permissions++
	f.mu.Unlock()
}

func (f *fakeControls) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calibrations, f.permissions
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var joined = controller.Snapshot{
	Identity:        "AB12CD",
	ConnectionState: session.StateJoined,
	PeerCount:       2,
	Permission:      sensors.PermissionGranted,
}

func TestSnapshotEndpoint(t *testing.T) {
	ctrl := newFakeControls(joined)
	srv := httptest.NewServer(NewStatusServer(ctrl, nil, quietLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["identity"] != "AB12CD" || got["connectionState"] != "joined" || got["permissionState"] != "granted" {
		t.Errorf("snapshot json = %v", got)
	}
}

func TestCommandEndpoints(t *testing.T) {
	ctrl := newFakeControls(joined)
	srv := httptest.NewServer(NewStatusServer(ctrl, nil, quietLogger()).Handler())
	defer srv.Close()

	for _, path := range []string{"/api/calibrate", "/api/permission"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("POST %s = %d", path, resp.StatusCode)
		}
	}
	if c, p := ctrl.counts(); c != 1 || p != 1 {
		t.Errorf("calibrations=%d permissions=%d", c, p)
	}

	resp, err := http.Get(srv.URL + "/api/calibrate")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/calibrate = %d", resp.StatusCode)
	}
}

func TestSensorSocketOnlyWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(NewStatusServer(newFakeControls(joined), nil, quietLogger()).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/ws/sensor")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /ws/sensor = %d, want 404", resp.StatusCode)
	}
}

func TestStatusSocket(t *testing.T) {
	ctrl := newFakeControls(joined)
	srv := httptest.NewServer(NewStatusServer(ctrl, nil, quietLogger()).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first controller.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if first.Identity != "AB12CD" || first.ConnectionState != session.StateJoined {
		t.Errorf("initial snapshot = %+v", first)
	}

	next := joined
	next.Tilt = tilt.Vector{X: -0.25}
	ctrl.publish(next)
	var second controller.Snapshot
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if second.Tilt.X != -0.25 {
		t.Errorf("update tilt = %+v", second.Tilt)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteJSON(WSMessage{Action: "dance"})
	conn.WriteJSON(WSMessage{Action: ActionCalibrate})
	conn.WriteJSON(WSMessage{Action: ActionRequestPermission})
	waitFor(t, "commands", func() bool {
		c, p := ctrl.counts()
		return c == 1 && p == 1
	})

	conn.Close()
	waitFor(t, "unsubscribe", func() bool { return ctrl.subscribers() == 0 })
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeMQTT records publishes; every other method panics if reached.
type fakeMQTT struct {
	mqtt.Client

	mu  sync.Mutex
	out []published
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeMQTT) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.out...)
}

func TestSnapshotMirrorPublishesRetained(t *testing.T) {
	ctrl := newFakeControls(joined)
	client := &fakeMQTT{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunSnapshotMirror(ctx, ctrl, client, "tilt/snapshot", quietLogger()) }()

	waitFor(t, "initial publish", func() bool { return len(client.sent()) == 1 })
	next := joined
	next.PeerCount = 3
	ctrl.publish(next)
	waitFor(t, "second publish", func() bool { return len(client.sent()) == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("mirror returned %v", err)
	}
	if ctrl.subscribers() != 0 {
		t.Error("mirror left its subscription behind")
	}

	msgs := client.sent()
	for _, m := range msgs {
		if m.topic != "tilt/snapshot" || !m.retained {
			t.Errorf("publish %q retained=%v", m.topic, m.retained)
		}
	}
	var got controller.Snapshot
	if err := json.Unmarshal(msgs[1].payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.PeerCount != 3 || got.ConnectionState != session.StateJoined {
		t.Errorf("mirrored %+v", got)
	}
}

func TestPublishSample(t *testing.T) {
	client := &fakeMQTT{}
	s := motion.RawSample{X: 1.5, Y: -2, Z: 9.81, T: time.UnixMilli(1700000000000)}
	if err := publishSample(client, "tilt/sensor", s); err != nil {
		t.Fatal(err)
	}
	msgs := client.sent()
	if len(msgs) != 1 || msgs[0].retained {
		t.Fatalf("published %+v", msgs)
	}
	m, err := motion.DecodeSampleMessage(msgs[0].payload)
	if err != nil {
		t.Fatal(err)
	}
	if *m.X != 1.5 || *m.Y != -2 || *m.Z != 9.81 || *m.T != 1700000000000 {
		t.Errorf("decoded %+v", m)
	}
}

type fakeSink struct {
	mu     sync.Mutex
	frames []image.Image
}

func (s *fakeSink) Bounds() image.Rectangle { return image.Rect(0, 0, 128, 64) }

func (s *fakeSink) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, src)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestDrawLoopRedrawsOnlyOnChange(t *testing.T) {
	ctrl := newFakeControls(joined)
	sink := &fakeSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- drawLoop(ctx, sink, ctrl, 5*time.Millisecond, 0.5, quietLogger()) }()

	// splash, then the initial snapshot
	waitFor(t, "first frame", func() bool { return sink.count() == 2 })
	time.Sleep(30 * time.Millisecond)
	if n := sink.count(); n != 2 {
		t.Fatalf("redrew without a change: %d frames", n)
	}

	next := joined
	next.Tilt = tilt.Vector{Z: 0.5}
	ctrl.publish(next)
	waitFor(t, "redraw", func() bool { return sink.count() == 3 })

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestFormatSnapshot(t *testing.T) {
	s := joined
	s.Tilt = tilt.Vector{X: -0.5, Z: 0.25}
	s.Calibrating = true
	line := formatSnapshot(s)
	for _, want := range []string{"[12CD]", "joined", "peers=2", "X=-0.50", "Z=+0.25", "sensor=granted", "CAL"} {
		if !strings.Contains(line, want) {
			t.Errorf("%q missing %q", line, want)
		}
	}
}

func TestMockConsolePrintsFilterOutput(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := RunMockConsole(ctx, tilt.DefaultConfig(), 5*time.Millisecond, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "TILT X=") {
		t.Errorf("output %q", buf.String())
	}

	bad := tilt.DefaultConfig()
	bad.Lerp = 0
	if err := RunMockConsole(context.Background(), bad, time.Millisecond, &buf); err == nil {
		t.Error("expected invalid filter to be rejected")
	}
}

func TestNewDriverSelection(t *testing.T) {
	tests := []struct {
		source     string
		wantSocket bool
		wantErr    bool
	}{
		{config.SourceBrowser, true, false},
		{config.SourceSerial, false, false},
		{config.SourceMPU9250, false, false},
		{config.SourceMock, false, false},
		{config.SourceMQTT, false, true}, // no client
		{"radar", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.SensorSource = tt.source
			cfg.SerialPort = "/dev/null"
			d, socket, err := newDriver(cfg, nil, quietLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil || d == nil {
				t.Fatalf("newDriver: %v", err)
			}
			if (socket != nil) != tt.wantSocket {
				t.Errorf("socket = %v", socket)
			}
		})
	}

	cfg := config.Defaults()
	cfg.SensorSource = config.SourceMQTT
	d, _, err := newDriver(cfg, &fakeMQTT{}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*sensors.MQTTDriver); !ok {
		t.Errorf("driver = %T", d)
	}
}

func TestBridgeForwardsSamples(t *testing.T) {
	client := &fakeMQTT{}
	sensor := sensors.NewAdapter(sensors.NewMockDriver(2*time.Millisecond, sensors.PermissionGranted), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge(ctx, sensor, client, "tilt/sensor", quietLogger()) }()

	waitFor(t, "samples", func() bool { return len(client.sent()) >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if sensor.Subscribed() {
		t.Error("bridge left the sensor subscribed")
	}
	for _, m := range client.sent() {
		if m.topic != "tilt/sensor" {
			t.Errorf("topic %q", m.topic)
		}
	}
}

func TestBridgeNeedsPermission(t *testing.T) {
	sensor := sensors.NewAdapter(sensors.NewMockDriver(time.Millisecond, sensors.PermissionDenied), quietLogger())
	err := bridge(context.Background(), sensor, &fakeMQTT{}, "tilt/sensor", quietLogger())
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("err = %v", err)
	}
}
