package session

import "fmt"

// State is the connection state of a controller.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
	StateError
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "joined", "error"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Status is the current state plus the reason for the last disconnect or
// error, if any.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// CanSend reports whether outbound tilt messages are allowed.
func (s Status) CanSend() bool {
	return s.State == StateConnected || s.State == StateJoined
}

// DisconnectReason explains why the channel dropped.
type DisconnectReason string

const (
	// ReasonServerDisconnect means the server closed the session on purpose.
	// The transport does not reconnect on its own after it.
	ReasonServerDisconnect DisconnectReason = "server disconnect"
	// ReasonClientDisconnect means this side closed the channel.
	ReasonClientDisconnect DisconnectReason = "client disconnect"
	// ReasonTransportClose means the peer went away without a clean close.
	ReasonTransportClose DisconnectReason = "transport close"
	// ReasonTransportError means reading from the socket failed.
	ReasonTransportError DisconnectReason = "transport error"
)

// ServerInitiated reports whether the server ended the session.
func (r DisconnectReason) ServerInitiated() bool {
	return r == ReasonServerDisconnect
}
