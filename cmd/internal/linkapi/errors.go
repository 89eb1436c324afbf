package linkapi

import (
	"context"
	"errors"
	"net/http"

	"relay/cmd/internal/session"
)

// Error is a failed facade call, rendered as {"error":{"code","message"}}.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, code, msg string, cause error) *Error {
	return &Error{Status: status, Code: code, Message: msg, Err: cause}
}

// translate maps manager and store errors onto facade errors.
func translate(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	var af *session.AuthFailedError
	switch {
	case errors.As(err, &af):
		msg := "link authentication failed"
		if af.Reason != "" {
			msg += ": " + af.Reason
		}
		return newError(http.StatusBadGateway, "auth_failed", msg, err)
	case errors.Is(err, session.ErrAuthFailed):
		return newError(http.StatusBadGateway, "auth_failed", "link authentication failed", err)
	case errors.Is(err, session.ErrInvalidUID):
		return newError(http.StatusBadRequest, "invalid_user", "user id is required", err)
	case errors.Is(err, session.ErrNotFound):
		return newError(http.StatusNotFound, "session_not_found", "no session for this user", err)
	case errors.Is(err, session.ErrNotReady):
		return newError(http.StatusConflict, "session_not_ready", "session is not linked yet", err)
	case errors.Is(err, session.ErrConnectTimeout):
		return newError(http.StatusGatewayTimeout, "connect_timeout", "timed out connecting the session", err)
	case errors.Is(err, session.ErrEvicted):
		return newError(http.StatusConflict, "session_evicted", "session was evicted, retry", err)
	case errors.Is(err, session.ErrDisconnected):
		return newError(http.StatusBadGateway, "session_disconnected", "session disconnected", err)
	case errors.Is(err, session.ErrClosed):
		return newError(http.StatusServiceUnavailable, "shutting_down", "server is shutting down", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(http.StatusGatewayTimeout, "timeout", "request timed out", err)
	default:
		return newError(http.StatusInternalServerError, "internal", "internal error", err)
	}
}
