// Package bridgetest runs a bridge sidecar double over real websockets.
package bridgetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay/cmd/internal/ids"
	v1 "relay/shared/contracts/bridge/v1"

	"github.com/coder/websocket"
)

var ErrNotConnected = errors.New("bridgetest: user not connected")

const writeTimeout = 5 * time.Second

type Sent struct {
	UID  string
	To   string
	Text string
}

type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every upgrade.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithAutoReady sends ready this long after the qr envelope.
func WithAutoReady(after time.Duration) Option {
	return func(s *Server) {
		s.autoReady = true
		s.readyAfter = after
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// Server accepts GET /sessions/{uid}, sends a qr envelope, and acks every send.
type Server struct {
	token      string
	autoReady  bool
	readyAfter time.Duration
	log        *slog.Logger
	mux        *http.ServeMux

	mu       sync.Mutex
	peers    map[string]*peer
	sent     []Sent
	sendFail string
	changed  chan struct{}
}

type peer struct {
	uid  string
	conn *websocket.Conn
	ctx  context.Context
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		peers:   make(map[string]*peer),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /sessions/{uid}", s.handleSession)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if s.token != "" {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		s.log.Warn("bridgetest.accept.fail", "user_uid", uid, "err", err)
		return
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p := &peer{uid: uid, conn: conn, ctx: ctx}

	s.mu.Lock()
	s.peers[uid] = p
	s.notifyLocked()
	s.mu.Unlock()
	defer s.drop(p)

	token, _ := ids.NewULID(time.Now())
	if err := s.write(p, v1.TypeQR, v1.QRPayload{Token: "qr-" + uid + "-" + token}); err != nil {
		return
	}
	if s.autoReady {
		go func() {
			t := time.NewTimer(s.readyAfter)
			defer t.Stop()
			select {
			case <-t.C:
				_ = s.write(p, v1.TypeReady, v1.ReadyPayload{})
			case <-ctx.Done():
			}
		}()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Validate() != nil || env.Type != v1.TypeSend {
			_ = s.write(p, v1.TypeError, v1.ErrorPayload{Code: "bad_envelope", Message: "expected send"})
			continue
		}
		var sp v1.SendPayload
		if err := env.Decode(&sp); err != nil {
			_ = s.write(p, v1.TypeSendAck, v1.SendAckPayload{RefID: env.ID, Error: err.Error()})
			continue
		}

		s.mu.Lock()
		fail := s.sendFail
		if fail == "" {
			s.sent = append(s.sent, Sent{UID: uid, To: sp.To, Text: sp.Text})
		}
		s.mu.Unlock()

		_ = s.write(p, v1.TypeSendAck, v1.SendAckPayload{RefID: env.ID, OK: fail == "", Error: fail})
	}
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	if s.peers[p.uid] == p {
		delete(s.peers, p.uid)
		s.notifyLocked()
	}
	s.mu.Unlock()
	_ = p.conn.CloseNow()
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) write(p *peer, typ string, payload any) error {
	env, err := v1.New(typ, ids.MustULID(time.Now()), time.Now(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, b)
}

func (s *Server) lookup(uid string) (*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, uid)
	}
	return p, nil
}

func (s *Server) send(uid, typ string, payload any) error {
	p, err := s.lookup(uid)
	if err != nil {
		return err
	}
	return s.write(p, typ, payload)
}

func (s *Server) Ready(uid string) error {
	return s.send(uid, v1.TypeReady, v1.ReadyPayload{})
}

func (s *Server) Inbound(uid, from, body string) error {
	return s.send(uid, v1.TypeMessage, v1.MessagePayload{From: from, Body: body})
}

func (s *Server) AuthFail(uid, reason string) error {
	return s.send(uid, v1.TypeAuthFailure, v1.AuthFailurePayload{Reason: reason})
}

// Disconnect reports the link as lost and closes the socket.
func (s *Server) Disconnect(uid, reason string) error {
	p, err := s.lookup(uid)
	if err != nil {
		return err
	}
	if err := s.write(p, v1.TypeDisconnected, v1.DisconnectedPayload{Reason: reason}); err != nil {
		return err
	}
	return p.conn.Close(websocket.StatusNormalClosure, reason)
}

// FailSends makes every following send ack fail with reason. Empty restores success.
func (s *Server) FailSends(reason string) {
	s.mu.Lock()
	s.sendFail = reason
	s.mu.Unlock()
}

func (s *Server) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Server) Connected(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[uid]
	return ok
}

// WaitConnected blocks until uid's connection state equals want.
func (s *Server) WaitConnected(ctx context.Context, uid string, want bool) error {
	for {
		s.mu.Lock()
		_, ok := s.peers[uid]
		changed := s.changed
		s.mu.Unlock()
		if ok == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
