package linkapi

import (
	"log/slog"
	"net/http"
)

const defaultMaxBodyBytes = 64 << 10

// Handler serves the session routes.
type Handler struct {
	log     *slog.Logger
	svc     *Service
	auth    *Authenticator
	maxBody int64
}

type HandlerOption func(*Handler)

func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

func NewHandler(log *slog.Logger, svc *Service, auth *Authenticator, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, svc: svc, auth: auth, maxBody: defaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register wires session routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/sessions/init", h.route(http.MethodPost, false, h.handleInit))
	mux.HandleFunc("/sessions/status", h.route(http.MethodGet, false, h.handleStatus))
	mux.HandleFunc("/sessions/send", h.route(http.MethodPost, false, h.handleSend))
	mux.HandleFunc("/sessions/qr", h.route(http.MethodGet, false, h.handleQR))
	mux.HandleFunc("/sessions/last-activity", h.route(http.MethodGet, false, h.handleLastActivity))
	mux.HandleFunc("/sessions/close", h.route(http.MethodPost, false, h.handleClose))
	mux.HandleFunc("/sessions/active", h.route(http.MethodGet, true, h.handleActive))
	mux.HandleFunc("/admin/sweep", h.route(http.MethodPost, true, h.handleSweep))
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p Principal)

func (h *Handler) route(method string, admin bool, next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p, err := h.auth.Authenticate(r)
		if err != nil {
			h.log.Info("linkapi.auth.reject", "path", r.URL.Path, "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "valid bearer token required")
			return
		}
		if admin && !p.Admin {
			writeError(w, http.StatusForbidden, "forbidden", "admin only")
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), p)), p)
	}
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request, p Principal) {
	res, err := h.svc.InitSession(r.Context(), p.UID)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request, p Principal) {
	writeJSON(w, http.StatusOK, h.svc.Status(p.UID))
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request, p Principal) {
	var req sendRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, err := h.svc.SendMessage(r.Context(), p.UID, req.Phone, req.Message)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request, p Principal) {
	res, err := h.svc.QR(r.Context(), p.UID)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleLastActivity(w http.ResponseWriter, r *http.Request, p Principal) {
	res, err := h.svc.LastActivity(r.Context(), p.UID)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request, p Principal) {
	res, err := h.svc.CloseSession(r.Context(), p.UID)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request, _ Principal) {
	detail := r.URL.Query().Get("detail") == "1"
	writeJSON(w, http.StatusOK, h.svc.ActiveClients(detail))
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request, p Principal) {
	res, err := h.svc.Sweep(r.Context())
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	h.log.Info("linkapi.sweep", "by", p.UID, "purged", res.Purged)
	writeJSON(w, http.StatusOK, res)
}
