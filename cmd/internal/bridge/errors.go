package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrHandleClosed = errors.New("bridge: handle closed")
	ErrNotLinked    = errors.New("bridge: session not linked")
	ErrUnknownUser  = errors.New("bridge: no handle for user")
)

// SendError is a send the bridge acknowledged as failed.
type SendError struct {
	To     string
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("bridge: send to %s rejected", e.To)
	}
	return fmt.Sprintf("bridge: send to %s rejected: %s", e.To, e.Reason)
}
