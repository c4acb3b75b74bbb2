// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/tilt_controller/internal/controller"
)

const shutdownTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the phone page is served from anywhere on the LAN
	},
}

// Status socket actions.
const (
	ActionRequestPermission = "requestPermission"
	ActionCalibrate         = "calibrate"
)

// WSMessage is a command sent on the status socket.
type WSMessage struct {
	Action string `json:"action"`
}

// SnapshotSource publishes controller snapshots.
type SnapshotSource interface {
	Subscribe() (int, <-chan controller.Snapshot)
	Unsubscribe(id int)
}

// Controls is the part of the controller driven by the status surface.
type Controls interface {
	SnapshotSource
	Snapshot() controller.Snapshot
	Calibrate()
	RequestPermission()
}

// StatusServer serves the snapshot API, the status socket and, when a
// browser sensor is in use, the sensor socket.
type StatusServer struct {
	ctrl   Controls
	sensor http.Handler
	logger *slog.Logger
}

// NewStatusServer builds the HTTP surface. sensor may be nil.
func NewStatusServer(ctrl Controls, sensor http.Handler, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusServer{ctrl: ctrl, sensor: sensor, logger: logger}
}

// Handler returns the routes.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/calibrate", func(w http.ResponseWriter, r *http.Request) {
		s.ctrl.Calibrate()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /api/permission", func(w http.ResponseWriter, r *http.Request) {
		s.ctrl.RequestPermission()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/ws/status", s.handleStatusWS)
	if s.sensor != nil {
		mux.Handle("/ws/sensor", s.sensor)
	}
	return mux
}

// ListenAndServe runs the HTTP server until ctx ends.
func (s *StatusServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	s.logger.Info("web: listening", slog.String("addr", addr))
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *StatusServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ctrl.Snapshot()); err != nil {
		s.logger.Warn("web: json encode error", slog.Any("error", err))
	}
}

// handleStatusWS pushes every snapshot change to the client and accepts
// commands from it. The writer goroutine is the only writer on conn.
func (s *StatusServer) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("web: websocket upgrade error", slog.Any("error", err))
		return
	}
	defer conn.Close()

	id, snaps := s.ctrl.Subscribe()
	defer s.ctrl.Unsubscribe(id)

	go func() {
		for snap := range snaps {
			conn.SetWriteDeadline(time.Now().Add(shutdownTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("web: status write error", slog.Any("error", err))
				break
			}
		}
		// unblocks the read loop below
		conn.Close()
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.logger.Debug("web: malformed status command", slog.Any("error", err))
				continue
			}
			s.logger.Debug("web: status socket closed", slog.Any("error", err))
			return
		}

		switch msg.Action {
		case ActionRequestPermission:
			s.ctrl.RequestPermission()
		case ActionCalibrate:
			s.ctrl.Calibrate()
		default:
			s.logger.Debug("web: unknown action", slog.String("action", msg.Action))
		}
	}
}
