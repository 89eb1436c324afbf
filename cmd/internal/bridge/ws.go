package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"relay/cmd/internal/session"
	v1 "relay/shared/contracts/bridge/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultHeartbeatEvery   = 30 * time.Second
	wsDefaultHeartbeatTimeout = 10 * time.Second
	wsDefaultSendTimeout      = 30 * time.Second
	wsDefaultEventBuffer      = 16
	wsMaxPingFailures         = 3
	wsMaxReadBytes            = 1 << 20 // 1MiB
)

type WSConfig struct {
	// URL is the sidecar base, e.g. ws://bridge:3001. Handles dial <URL>/sessions/<uid>.
	URL string
	// Token is sent as a bearer token on the upgrade request when set.
	Token string

	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration // <= 0 disables pings
	HeartbeatTimeout time.Duration
	SendTimeout      time.Duration
	EventBuffer      int
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:     wsDefaultWriteTimeout,
		HeartbeatEvery:   wsDefaultHeartbeatEvery,
		HeartbeatTimeout: wsDefaultHeartbeatTimeout,
		SendTimeout:      wsDefaultSendTimeout,
		EventBuffer:      wsDefaultEventBuffer,
	}
}

// WSBackend dials the bridge sidecar.
type WSBackend struct {
	cfg  WSConfig
	base *url.URL
	log  *slog.Logger
	now  func() time.Time
}

func NewWSBackend(cfg WSConfig, log *slog.Logger) (*WSBackend, error) {
	base, err := parseBridgeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	def := DefaultWSConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WSBackend{cfg: cfg, base: base, log: log, now: time.Now}, nil
}

func parseBridgeURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("bridge: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("bridge: url has no host")
	}
	return u, nil
}

func (b *WSBackend) sessionURL(uid string) string {
	u := *b.base
	u.RawPath = strings.TrimSuffix(b.base.EscapedPath(), "/") + "/sessions/" + url.PathEscape(uid)
	u.Path = strings.TrimSuffix(b.base.Path, "/") + "/sessions/" + uid
	return u.String()
}

// Create dials the sidecar for uid. ctx bounds the websocket handshake only.
func (b *WSBackend) Create(ctx context.Context, uid string) (session.Handle, error) {
	hdr := http.Header{}
	if b.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, b.sessionURL(uid), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", uid, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("bridge: dial %s: server did not select %s", uid, v1.Subprotocol)
	}
	conn.SetReadLimit(wsMaxReadBytes)

	h := newWSHandle(uid, conn, b.cfg, b.log, b.now)
	go h.readLoop()
	if b.cfg.HeartbeatEvery > 0 {
		go h.heartbeat(b.cfg.HeartbeatEvery)
	}
	b.log.Info("bridge.connect", "user_uid", uid)
	return h, nil
}

type wsHandle struct {
	uid  string
	conn *websocket.Conn
	cfg  WSConfig
	log  *slog.Logger
	now  func() time.Time

	// ctx lives as long as the connection; closing is closed first on Close so event
	// delivery stops before the close handshake.
	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	done    chan struct{}
	events  chan session.Event

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	pending map[string]chan v1.SendAckPayload
}

func newWSHandle(uid string, conn *websocket.Conn, cfg WSConfig, log *slog.Logger, now func() time.Time) *wsHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsHandle{
		uid:     uid,
		conn:    conn,
		cfg:     cfg,
		log:     log,
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		events:  make(chan session.Event, cfg.EventBuffer),
		pending: make(map[string]chan v1.SendAckPayload),
	}
}

func (h *wsHandle) Events() <-chan session.Event { return h.events }

func (h *wsHandle) Send(ctx context.Context, to, text string) error {
	id := uuid.NewString()
	env, err := v1.New(v1.TypeSend, id, h.now(), v1.SendPayload{To: to, Text: text})
	if err != nil {
		return err
	}

	ack := make(chan v1.SendAckPayload, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.pending[id] = ack
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()

	if err := writeEnvelope(ctx, h.conn, env, h.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("bridge: send: %w", err)
	}

	select {
	case a, ok := <-ack:
		if !ok {
			return ErrHandleClosed
		}
		if !a.OK {
			return &SendError{To: to, Reason: a.Error}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: await send ack: %w", ctx.Err())
	}
}

func (h *wsHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closing)
		err = h.conn.Close(websocket.StatusNormalClosure, "session closed")
		h.cancel()
		if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
			err = nil
		}
	})
	return err
}

func (h *wsHandle) readLoop() {
	defer func() {
		h.failPending()
		close(h.events)
		close(h.done)
	}()

	for {
		env, err := readEnvelope(h.ctx, h.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				h.log.Info("bridge.closed", "user_uid", h.uid, "status", websocket.CloseStatus(err))
			case readErrCtxDone, readErrConnClosed:
			case readErrBadJSON:
				h.log.Warn("bridge.envelope.bad_json", "user_uid", h.uid, "err", err)
				continue
			default:
				h.log.Warn("bridge.read.fail", "user_uid", h.uid, "err", err)
			}
			return
		}
		if err := env.Validate(); err != nil {
			h.log.Warn("bridge.envelope.invalid", "user_uid", h.uid, "err", err)
			continue
		}
		if !h.dispatch(env) {
			return
		}
	}
}

// dispatch reports false once the handle is closing.
func (h *wsHandle) dispatch(env v1.Envelope) bool {
	switch env.Type {
	case v1.TypeQR:
		var p v1.QRPayload
		if err := env.Decode(&p); err != nil || p.Token == "" {
			h.log.Warn("bridge.envelope.invalid", "user_uid", h.uid, "type", env.Type, "err", err)
			return true
		}
		return h.emit(session.Event{Kind: session.EventHandshakeToken, Token: p.Token})
	case v1.TypeReady:
		return h.emit(session.Event{Kind: session.EventReady})
	case v1.TypeAuthFailure:
		var p v1.AuthFailurePayload
		_ = env.Decode(&p)
		return h.emit(session.Event{Kind: session.EventAuthFailed, Reason: p.Reason})
	case v1.TypeDisconnected:
		var p v1.DisconnectedPayload
		_ = env.Decode(&p)
		return h.emit(session.Event{Kind: session.EventDisconnected, Reason: p.Reason})
	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := env.Decode(&p); err != nil {
			h.log.Warn("bridge.envelope.invalid", "user_uid", h.uid, "type", env.Type, "err", err)
			return true
		}
		return h.emit(session.Event{Kind: session.EventMessage, From: p.From, Body: p.Body})
	case v1.TypeSendAck:
		var p v1.SendAckPayload
		if err := env.Decode(&p); err != nil {
			h.log.Warn("bridge.envelope.invalid", "user_uid", h.uid, "type", env.Type, "err", err)
			return true
		}
		h.resolveAck(p)
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		h.log.Warn("bridge.error", "user_uid", h.uid, "code", p.Code, "message", p.Message)
	default:
		h.log.Debug("bridge.envelope.ignored", "user_uid", h.uid, "type", env.Type)
	}
	return true
}

func (h *wsHandle) emit(ev session.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.closing:
		return false
	}
}

func (h *wsHandle) resolveAck(p v1.SendAckPayload) {
	h.mu.Lock()
	ch, ok := h.pending[p.RefID]
	delete(h.pending, p.RefID)
	h.mu.Unlock()
	if !ok {
		h.log.Debug("bridge.ack.orphan", "user_uid", h.uid, "ref_id", p.RefID)
		return
	}
	ch <- p
}

func (h *wsHandle) failPending() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

func (h *wsHandle) heartbeat(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-h.done:
			return
		case <-h.closing:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(h.ctx, h.cfg.HeartbeatTimeout)
			err := h.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				h.log.Info("bridge.ping.fail", "user_uid", h.uid, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					_ = h.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}
