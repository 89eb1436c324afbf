package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay/cmd/internal/ids"
	"relay/cmd/internal/session"
)

type SimConfig struct {
	// ReadyAfter is how long a handle stays in the handshake step. Negative keeps it there
	// until Link is called.
	ReadyAfter time.Duration
}

// SentMessage is an outbound message recorded by the sim backend or the test bridge.
type SentMessage struct {
	UID  string
	To   string
	Text string
}

// SimBackend links every user on its own. Sends are recorded, never delivered.
type SimBackend struct {
	cfg SimConfig
	now func() time.Time

	mu      sync.Mutex
	handles map[string]*simHandle
}

func NewSimBackend(cfg SimConfig) *SimBackend {
	return &SimBackend{cfg: cfg, now: time.Now, handles: make(map[string]*simHandle)}
}

func (b *SimBackend) Create(ctx context.Context, uid string) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := ids.NewULID(b.now())
	if err != nil {
		return nil, fmt.Errorf("bridge: sim token: %w", err)
	}

	h := &simHandle{
		uid:     uid,
		owner:   b,
		events:  make(chan session.Event, 4),
		inbound: make(chan session.Event),
		link:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}

	b.mu.Lock()
	b.handles[uid] = h
	b.mu.Unlock()

	go h.loop("sim-"+token, b.cfg.ReadyAfter)
	return h, nil
}

func (b *SimBackend) handle(uid string) (*simHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[uid]
	if !ok {
		return nil, ErrUnknownUser
	}
	return h, nil
}

// Inject delivers an inbound message on uid's linked handle.
func (b *SimBackend) Inject(ctx context.Context, uid, from, body string) error {
	h, err := b.handle(uid)
	if err != nil {
		return err
	}
	if !h.isReady() {
		return ErrNotLinked
	}
	select {
	case h.inbound <- session.Event{Kind: session.EventMessage, From: from, Body: body}:
		return nil
	case <-h.closed:
		return ErrHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Link completes the handshake for uid now.
func (b *SimBackend) Link(uid string) error {
	h, err := b.handle(uid)
	if err != nil {
		return err
	}
	select {
	case h.link <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns the messages sent through uid's current handle.
func (b *SimBackend) Sent(uid string) []SentMessage {
	h, err := b.handle(uid)
	if err != nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}

func (b *SimBackend) release(h *simHandle) {
	b.mu.Lock()
	if b.handles[h.uid] == h {
		delete(b.handles, h.uid)
	}
	b.mu.Unlock()
}

type simHandle struct {
	uid   string
	owner *SimBackend

	events  chan session.Event
	inbound chan session.Event
	link    chan struct{}
	closed  chan struct{}
	once    sync.Once

	mu    sync.Mutex
	ready bool
	sent  []SentMessage
}

func (h *simHandle) Events() <-chan session.Event { return h.events }

func (h *simHandle) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-h.closed:
		return ErrHandleClosed
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return ErrNotLinked
	}
	h.sent = append(h.sent, SentMessage{UID: h.uid, To: to, Text: text})
	return nil
}

func (h *simHandle) Close() error {
	h.once.Do(func() {
		close(h.closed)
		h.owner.release(h)
	})
	return nil
}

func (h *simHandle) isReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *simHandle) loop(token string, readyAfter time.Duration) {
	defer close(h.events)

	if !h.emit(session.Event{Kind: session.EventHandshakeToken, Token: token}) {
		return
	}

	var timer <-chan time.Time
	if readyAfter >= 0 {
		t := time.NewTimer(readyAfter)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-timer:
	case <-h.link:
	case <-h.closed:
		return
	}

	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	if !h.emit(session.Event{Kind: session.EventReady}) {
		return
	}

	for {
		select {
		case ev := <-h.inbound:
			if !h.emit(ev) {
				return
			}
		case <-h.closed:
			return
		}
	}
}

func (h *simHandle) emit(ev session.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.closed:
		return false
	}
}
