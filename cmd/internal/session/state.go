package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of one session.
type State uint8

const (
	StateAbsent State = iota
	StateConnecting
	StateQRPending
	StateReady
	StateAuthFailed
	StateDisconnected
	StateEvicted
)

// String returns the persisted status string.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateQRPending:
		return "qr_pending"
	case StateReady:
		return "ready"
	case StateAuthFailed:
		return "auth_failed"
	case StateDisconnected:
		return "disconnected"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether a session in s is no longer resident.
func (s State) Terminal() bool {
	return s == StateAuthFailed || s == StateDisconnected || s == StateEvicted
}

// EventKind identifies a backend lifecycle event.
type EventKind uint8

const (
	EventHandshakeToken EventKind = iota + 1
	EventReady
	EventAuthFailed
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventHandshakeToken:
		return "handshake_token"
	case EventReady:
		return "ready"
	case EventAuthFailed:
		return "auth_failed"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is emitted by a Handle on its event channel.
type Event struct {
	Kind EventKind

	// Token is set for EventHandshakeToken.
	Token string
	// Reason is set for EventAuthFailed and EventDisconnected.
	Reason string

	// From and Body are set for EventMessage.
	From string
	Body string
}

var errIllegalTransition = errors.New("session: illegal transition")

// transition is the only definition of legal lifecycle moves.
// Eviction and explicit close are not events; the manager applies them directly.
func transition(from State, kind EventKind) (State, error) {
	switch kind {
	case EventHandshakeToken:
		if from == StateConnecting || from == StateQRPending {
			return StateQRPending, nil
		}
	case EventReady:
		if from == StateConnecting || from == StateQRPending {
			return StateReady, nil
		}
	case EventAuthFailed:
		if from == StateConnecting || from == StateQRPending {
			return StateAuthFailed, nil
		}
	case EventDisconnected:
		if from == StateConnecting || from == StateQRPending || from == StateReady {
			return StateDisconnected, nil
		}
	case EventMessage:
		if from == StateReady {
			return StateReady, nil
		}
	}
	return from, fmt.Errorf("%w: %s in %s", errIllegalTransition, kind, from)
}
