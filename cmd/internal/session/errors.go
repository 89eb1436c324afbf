package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the user has no resident session.
	ErrNotFound = errors.New("session: not found")
	// ErrNotReady is returned when the session exists but has not completed its handshake.
	ErrNotReady = errors.New("session: not ready")

	ErrAuthFailed     = errors.New("session: authentication failed")
	ErrDisconnected   = errors.New("session: disconnected")
	ErrEvicted        = errors.New("session: evicted")
	ErrConnectTimeout = errors.New("session: connect timeout")

	// ErrClosed is returned once the manager has been shut down.
	ErrClosed     = errors.New("session: manager closed")
	ErrInvalidUID = errors.New("session: invalid user uid")
)

// AuthFailedError carries the backend's reason for a rejected handshake.
type AuthFailedError struct {
	UID    string
	Reason string
}

func (e *AuthFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session: authentication failed for %s", e.UID)
	}
	return fmt.Sprintf("session: authentication failed for %s: %s", e.UID, e.Reason)
}

func (e *AuthFailedError) Unwrap() error { return ErrAuthFailed }

// terminalErr maps a purged entry's final state to the error a late caller observes.
func terminalErr(s State) error {
	switch s {
	case StateAuthFailed:
		return ErrAuthFailed
	case StateDisconnected:
		return ErrDisconnected
	case StateEvicted:
		return ErrEvicted
	default:
		return nil
	}
}
