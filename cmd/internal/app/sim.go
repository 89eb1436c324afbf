package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"relay/cmd/internal/bridge"
	"relay/cmd/internal/linkapi"
)

const maxSimBodyBytes = 64 << 10

type simRequest struct {
	UserUID string `json:"userUid"`
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
}

// registerSimRoutes mounts admin-only controls for the sim backend. /sim/link completes a
// pending handshake and /sim/inject delivers an inbound message to a linked user.
func registerSimRoutes(mux *http.ServeMux, log Logger, auth *linkapi.Authenticator, sim *bridge.SimBackend) {
	mux.HandleFunc("POST /sim/link", simRoute(log, auth, func(_ context.Context, req simRequest) error {
		return sim.Link(req.UserUID)
	}))
	mux.HandleFunc("POST /sim/inject", simRoute(log, auth, func(ctx context.Context, req simRequest) error {
		return sim.Inject(ctx, req.UserUID, req.From, req.Message)
	}))
}

func simRoute(log Logger, auth *linkapi.Authenticator, do func(context.Context, simRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			http.Error(w, "valid bearer token required", http.StatusUnauthorized)
			return
		}
		if !p.Admin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}

		var req simRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSimBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserUID = strings.TrimSpace(req.UserUID); req.UserUID == "" {
			http.Error(w, "userUid is required", http.StatusBadRequest)
			return
		}

		switch err := do(r.Context(), req); {
		case err == nil:
			log.Info("sim.control", "path", r.URL.Path, "user_uid", req.UserUID)
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, bridge.ErrUnknownUser):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, bridge.ErrNotLinked), errors.Is(err, bridge.ErrHandleClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Warn("sim.control.fail", "path", r.URL.Path, "user_uid", req.UserUID, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
