package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	uid string

	mu      sync.Mutex
	events  chan Event
	closed  bool
	sent    []string
	sendErr error
}

func newFakeHandle(uid string) *fakeHandle {
	return &fakeHandle{uid: uid, events: make(chan Event, 64)}
}

func (h *fakeHandle) Events() <-chan Event { return h.events }

func (h *fakeHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

func (h *fakeHandle) Send(_ context.Context, to, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, to+"|"+text)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) sentMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

type fakeBackend struct {
	creates atomic.Int32
	delay   time.Duration
	err     error
	// script runs on every new handle before Create returns.
	script func(h *fakeHandle)

	mu      sync.Mutex
	handles map[string][]*fakeHandle
}

func newFakeBackend(script func(h *fakeHandle)) *fakeBackend {
	return &fakeBackend{script: script, handles: make(map[string][]*fakeHandle)}
}

// tokenScript emits a handshake token derived from the uid.
func tokenScript(h *fakeHandle) {
	h.emit(Event{Kind: EventHandshakeToken, Token: "tok-" + h.uid})
}

func (b *fakeBackend) Create(_ context.Context, uid string) (Handle, error) {
	b.creates.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.err != nil {
		return nil, b.err
	}

	h := newFakeHandle(uid)
	b.mu.Lock()
	b.handles[uid] = append(b.handles[uid], h)
	b.mu.Unlock()

	if b.script != nil {
		b.script(h)
	}
	return h, nil
}

func (b *fakeBackend) last(uid string) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handles[uid]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	tokens   map[string]string
	activity map[string]time.Time
	status   map[string]string
	ops      []string
	failAll  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:   make(map[string]string),
		activity: make(map[string]time.Time),
		status:   make(map[string]string),
	}
}

func (s *fakeStore) record(op, uid string) error {
	s.ops = append(s.ops, op+":"+uid)
	return s.failAll
}

func (s *fakeStore) SaveHandshakeToken(_ context.Context, uid, token string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("save_token", uid); err != nil {
		return err
	}
	s.tokens[uid] = token
	return nil
}

func (s *fakeStore) ClearQR(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("clear_qr", uid); err != nil {
		return err
	}
	delete(s.tokens, uid)
	return nil
}

func (s *fakeStore) SaveLastActivity(_ context.Context, uid string, at time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("save_activity", uid); err != nil {
		return err
	}
	s.activity[uid] = at
	return nil
}

func (s *fakeStore) LastActivity(_ context.Context, uid string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.activity[uid]
	return at, ok, nil
}

func (s *fakeStore) SetStatus(_ context.Context, uid, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("set_status", uid); err != nil {
		return err
	}
	s.status[uid] = status
	return nil
}

func (s *fakeStore) ClearAll(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("clear_all", uid); err != nil {
		return err
	}
	delete(s.tokens, uid)
	delete(s.activity, uid)
	delete(s.status, uid)
	return nil
}

func (s *fakeStore) statusOf(uid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[uid]
}

func (s *fakeStore) tokenOf(uid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[uid]
}

func (s *fakeStore) activityOf(uid string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.activity[uid]
	return at, ok
}

func (s *fakeStore) setActivity(uid string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[uid] = at
}

func (s *fakeStore) opsFor(uid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, op := range s.ops {
		if len(op) > len(uid) && op[len(op)-len(uid)-1:] == ":"+uid {
			out = append(out, op)
		}
	}
	return out
}

func (s *fakeStore) allOps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// gatedStore holds ClearQR for one uid until release is closed.
type gatedStore struct {
	*fakeStore
	uid     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(uid string) *gatedStore {
	return &gatedStore{
		fakeStore: newFakeStore(),
		uid:       uid,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (s *gatedStore) ClearQR(ctx context.Context, uid string) error {
	if uid == s.uid {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.fakeStore.ClearQR(ctx, uid)
}

func (s *gatedStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("ClearQR for %s never started", s.uid)
	}
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []IncomingMessage
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if topic != TopicIncomingMessage {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	msg, ok := payload.(IncomingMessage)
	if !ok {
		return errors.New("unexpected payload type")
	}
	q.jobs = append(q.jobs, msg)
	return nil
}

func (q *fakeQueue) enqueued() []IncomingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]IncomingMessage(nil), q.jobs...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config, b Backend, s Store, q Enqueuer, opts ...Option) *Manager {
	t.Helper()

	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = -1
	}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	m, err := New(cfg, b, s, q, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
