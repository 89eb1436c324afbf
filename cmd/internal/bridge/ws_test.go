package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"relay/cmd/internal/bridge/bridgetest"
	"relay/cmd/internal/queue"
	"relay/cmd/internal/session"
	"relay/cmd/internal/store"
)

func newBridge(t *testing.T, opts ...bridgetest.Option) (*bridgetest.Server, *WSBackend) {
	t.Helper()

	fake := bridgetest.NewServer(opts...)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultWSConfig()
	cfg.URL = srv.URL
	cfg.Token = "bridge-secret"
	cfg.SendTimeout = 2 * time.Second
	b, err := NewWSBackend(cfg, nil)
	if err != nil {
		t.Fatalf("NewWSBackend: %v", err)
	}
	return fake, b
}

func nextEvent(t *testing.T, h session.Handle) session.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return session.Event{}
}

func waitClosed(t *testing.T, h session.Handle) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events not closed")
		}
	}
}

func TestWSBackend_Lifecycle(t *testing.T) {
	t.Parallel()

	fake, b := newBridge(t, bridgetest.WithToken("bridge-secret"))
	ctx := context.Background()

	h, err := b.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	ev := nextEvent(t, h)
	if ev.Kind != session.EventHandshakeToken || ev.Token == "" {
		t.Fatalf("first event=%+v", ev)
	}

	if err := fake.Ready("alice"); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if ev := nextEvent(t, h); ev.Kind != session.EventReady {
		t.Fatalf("want ready, got %+v", ev)
	}

	if err := fake.Inbound("alice", "15550001@c.us", "hi"); err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	ev = nextEvent(t, h)
	if ev.Kind != session.EventMessage || ev.From != "15550001@c.us" || ev.Body != "hi" {
		t.Fatalf("message event=%+v", ev)
	}

	if err := h.Send(ctx, "15550001@c.us", "hello back"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := fake.Sent()
	if len(sent) != 1 || sent[0].UID != "alice" || sent[0].Text != "hello back" {
		t.Fatalf("sent=%+v", sent)
	}
}

func TestWSBackend_SendRejected(t *testing.T) {
	t.Parallel()

	fake, b := newBridge(t, bridgetest.WithAutoReady(0))
	h, err := b.Create(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()
	nextEvent(t, h)
	nextEvent(t, h)

	fake.FailSends("chat not found")
	err = h.Send(context.Background(), "1@c.us", "x")
	var se *SendError
	if !errors.As(err, &se) || se.Reason != "chat not found" {
		t.Fatalf("want SendError, got %v", err)
	}
}

func TestWSBackend_RejectsBadToken(t *testing.T) {
	t.Parallel()

	_, b := newBridge(t, bridgetest.WithToken("other"))
	if _, err := b.Create(context.Background(), "carol"); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestWSBackend_CloseEndsEvents(t *testing.T) {
	t.Parallel()

	fake, b := newBridge(t)
	h, err := b.Create(context.Background(), "dave")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	nextEvent(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fake.WaitConnected(ctx, "dave", true); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	waitClosed(t, h)

	if err := fake.WaitConnected(ctx, "dave", false); err != nil {
		t.Fatalf("server still sees dave: %v", err)
	}
	if err := h.Send(context.Background(), "1@c.us", "x"); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("Send after close: %v", err)
	}
}

func TestWSBackend_RemoteDisconnect(t *testing.T) {
	t.Parallel()

	fake, b := newBridge(t, bridgetest.WithAutoReady(0))
	h, err := b.Create(context.Background(), "erin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()
	nextEvent(t, h)
	nextEvent(t, h)

	if err := fake.Disconnect("erin", "logout"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	ev := nextEvent(t, h)
	if ev.Kind != session.EventDisconnected || ev.Reason != "logout" {
		t.Fatalf("event=%+v", ev)
	}
	waitClosed(t, h)
}

func TestNewWSBackend_ValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://x", "ws://", "::"} {
		if _, err := NewWSBackend(WSConfig{URL: raw}, nil); err == nil {
			t.Fatalf("url %q: expected error", raw)
		}
	}
	b, err := NewWSBackend(WSConfig{URL: "wss://bridge.local/base/"}, nil)
	if err != nil {
		t.Fatalf("NewWSBackend: %v", err)
	}
	if got := b.sessionURL("a b"); got != "wss://bridge.local/base/sessions/a%20b" {
		t.Fatalf("sessionURL=%q", got)
	}
}

func TestWSBackend_DrivesManager(t *testing.T) {
	t.Parallel()

	fake, b := newBridge(t)
	st := store.NewInMemoryStore()
	q := queue.NewInMemoryBroker()
	defer q.Close()

	cfg := session.DefaultConfig()
	cfg.SweepInterval = -1
	m, err := session.New(cfg, b, st, q)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	res, err := m.Acquire(ctx, "frank")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.State != session.StateQRPending || res.Token == "" {
		t.Fatalf("result=%+v", res)
	}

	if err := fake.Ready("frank"); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !m.IsReady("frank") {
		if time.Now().After(deadline) {
			t.Fatalf("manager never saw ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Send(ctx, "frank", "1555@c.us", "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent := fake.Sent(); len(sent) != 1 || sent[0].To != "1555@c.us" {
		t.Fatalf("sent=%+v", sent)
	}

	if err := fake.Inbound("frank", "1555@c.us", "pong"); err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := q.Claim(claimCtx, []string{session.TopicIncomingMessage})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	var msg session.IncomingMessage
	if err := job.Decode(&msg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.UserUID != "frank" || msg.Message != "pong" {
		t.Fatalf("job payload=%+v", msg)
	}
}
