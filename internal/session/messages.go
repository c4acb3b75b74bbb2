package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire event names.
const (
	EventJoin       = "join"
	EventTilt       = "tilt"
	EventJoinAck    = "join-ack"
	EventPlayerList = "player-list"
)

// RoleController is the device role this client announces.
const RoleController = "controller"

// Envelope is one JSON text frame on the game channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data under event.
func NewEnvelope(event string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: b}, nil
}

// JoinMessage announces the controller to the game.
type JoinMessage struct {
	PlayerID   string `json:"playerId"`
	DeviceType string `json:"deviceType"`
}

// TiltUpdate is one rate-limited control sample.
type TiltUpdate struct {
	PlayerID  string  `json:"playerId"`
	X         float64 `json:"x"`
	Z         float64 `json:"z"`
	Timestamp int64   `json:"timestamp"` // Unix ms
}

// JoinAck is the game's answer to a join.
type JoinAck struct {
	PlayerID   string `json:"playerId"`
	DeviceType string `json:"deviceType"`
	Message    string `json:"message,omitempty"`
}

// Roster is the player-list broadcast. Older servers send a bare array of
// player ids; newer ones send an object with totalPlayers.
type Roster struct {
	TotalPlayers *int     `json:"totalPlayers,omitempty"`
	Players      []string `json:"players,omitempty"`
}

// UnmarshalJSON accepts both roster shapes.
func (r *Roster) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var players []string
		if err := json.Unmarshal(trimmed, &players); err != nil {
			return err
		}
		*r = Roster{Players: players}
		return nil
	}
	type plain Roster
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*r = Roster(p)
	return nil
}

// Count is totalPlayers when present, else the number of listed players.
func (r Roster) Count() int {
	if r.TotalPlayers != nil {
		if *r.TotalPlayers < 0 {
			return 0
		}
		return *r.TotalPlayers
	}
	return len(r.Players)
}
