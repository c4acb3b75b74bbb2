package channel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/tilt_controller/internal/session"
)

type recorder struct {
	connects    chan struct{}
	disconnects chan session.DisconnectReason
	errs        chan error
	messages    chan session.Envelope
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan struct{}, 16),
		disconnects: make(chan session.DisconnectReason, 16),
		errs:        make(chan error, 16),
		messages:    make(chan session.Envelope, 16),
	}
}

func (r *recorder) OnConnect()                               { r.connects <- struct{}{} }
func (r *recorder) OnDisconnect(rs session.DisconnectReason) { r.disconnects <- rs }
func (r *recorder) OnError(err error)                        { r.errs <- err }
func (r *recorder) OnMessage(env session.Envelope)           { r.messages <- env }

const waitFor = 3 * time.Second

func (r *recorder) waitConnect(t *testing.T) {
	t.Helper()
	select {
	case <-r.connects:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connect")
	}
}

func (r *recorder) waitDisconnect(t *testing.T) session.DisconnectReason {
	t.Helper()
	select {
	case reason := <-r.disconnects:
		return reason
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for disconnect")
	}
	return ""
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(url string) Options {
	return Options{
		URL:      url,
		Attempts: 2,
		Delay:    5 * time.Millisecond,
		MaxDelay: 20 * time.Millisecond,
		Timeout:  time.Second,
		Logger:   quietLogger(),
	}
}

func TestSendAndReceiveEnvelopes(t *testing.T) {
	received := make(chan session.Envelope, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var env session.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		received <- env
		ack, _ := session.NewEnvelope(session.EventJoinAck, session.JoinAck{PlayerID: "ABC123", DeviceType: "controller"})
		conn.WriteJSON(ack)
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(session.Envelope{Event: session.EventPlayerList, Data: json.RawMessage(`["ABC123"]`)})
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := New(testOptions(wsURL(srv)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	rec := newRecorder()
	if err := c.Connect(rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitConnect(t)

	join, _ := session.NewEnvelope(session.EventJoin, session.JoinMessage{PlayerID: "ABC123", DeviceType: "controller"})
	if err := c.Send(join); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-received:
		if env.Event != session.EventJoin {
			t.Errorf("server got %q", env.Event)
		}
	case <-time.After(waitFor):
		t.Fatal("server never got the join")
	}

	for _, want := range []string{session.EventJoinAck, session.EventPlayerList} {
		select {
		case env := <-rec.messages:
			if env.Event != want {
				t.Fatalf("expected %q, got %q", want, env.Event)
			}
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestServerCloseIsServerInitiated(t *testing.T) {
	for _, code := range []int{websocket.CloseNormalClosure, 4000} {
		var dials int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&dials, 1)
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"))
			conn.Close()
		}))

		c, err := New(testOptions(wsURL(srv)))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		rec := newRecorder()
		c.Connect(rec)
		rec.waitConnect(t)
		if reason := rec.waitDisconnect(t); reason != session.ReasonServerDisconnect {
			t.Errorf("code %d: expected server disconnect, got %q", code, reason)
		}

		time.Sleep(50 * time.Millisecond)
		if n := atomic.LoadInt32(&dials); n != 1 {
			t.Errorf("code %d: channel reconnected on its own after a server close (%d dials)", code, n)
		}
		c.Close()
		srv.Close()
	}
}

func TestTransportDropReconnects(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&dials, 1) == 1 {
			// Drop the socket without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := New(testOptions(wsURL(srv)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	rec := newRecorder()
	c.Connect(rec)

	rec.waitConnect(t)
	if reason := rec.waitDisconnect(t); reason.ServerInitiated() {
		t.Fatalf("expected a transport drop, got %q", reason)
	}
	rec.waitConnect(t)
}

func TestDialFailuresExhaustAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c, err := New(testOptions(url))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	rec := newRecorder()
	c.Connect(rec)

	select {
	case err := <-rec.errs:
		if !errors.Is(err, ErrAttemptsExhausted) {
			t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for exhaustion")
	}
	select {
	case <-rec.connects:
		t.Fatal("unexpected connect")
	default:
	}
}

func TestCloseIsQuietAndFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(testOptions(wsURL(srv)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := newRecorder()
	c.Connect(rec)
	rec.waitConnect(t)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case reason := <-rec.disconnects:
		t.Fatalf("close reported a disconnect: %q", reason)
	case <-time.After(50 * time.Millisecond):
	}
	if err := c.Send(session.Envelope{Event: session.EventTilt}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Connect(rec); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on connect, got %v", err)
	}
}

func TestSendBeforeConnected(t *testing.T) {
	c, err := New(testOptions("ws://127.0.0.1:1/game"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Send(session.Envelope{Event: session.EventTilt}); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://game.local:3000/socket", "ws://game.local:3000/socket", false},
		{"http://game.local:3000/socket", "ws://game.local:3000/socket", false},
		{"https://game.example/socket", "wss://game.example/socket", false},
		{"ftp://game.example", "", true},
		{"ws:///nohost", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: unexpected error state %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want session.DisconnectReason
	}{
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, session.ReasonServerDisconnect},
		{&websocket.CloseError{Code: 4001}, session.ReasonServerDisconnect},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, session.ReasonTransportClose},
		{&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, session.ReasonTransportClose},
		{io.ErrUnexpectedEOF, session.ReasonTransportError},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("%v: expected %q, got %q", tt.err, tt.want, got)
		}
	}
}
