package session

import (
	"context"
	"fmt"
)

// run is the per-session event loop. It exits when the handle's channel closes, when the
// entry leaves the pool, or when the manager shuts down.
func (m *Manager) run(e *entry, h Handle) {
	events := h.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				m.apply(e, Event{Kind: EventDisconnected, Reason: "event stream closed"})
				return
			}
			if stop := m.apply(e, ev); stop {
				return
			}
		case <-e.done:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// apply runs one event through transition and performs its side effects.
// Events for an entry that is no longer the resident one for its uid are dropped.
func (m *Manager) apply(e *entry, ev Event) (stop bool) {
	uid := e.uid

	m.mu.Lock()
	if m.pool[uid] != e {
		m.mu.Unlock()
		m.log.Debug("session.event.stale", "user_uid", uid, "event", ev.Kind.String())
		return true
	}
	from := e.state
	to, err := transition(from, ev.Kind)
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("session.event.ignored", "user_uid", uid, "event", ev.Kind.String(), "state", from.String())
		return false
	}
	e.state = to

	switch ev.Kind {
	case EventHandshakeToken:
		e.token = ev.Token
		m.mu.Unlock()

		m.metrics.incTransition(to)
		m.persistFor(e, "save_token", func(ctx context.Context) error {
			return m.store.SaveHandshakeToken(ctx, uid, ev.Token, m.cfg.HandshakeTTL)
		})
		if from != StateQRPending {
			m.persistStatusFor(e, StateQRPending)
		}

		m.mu.Lock()
		m.resolveLocked(e, Result{UID: uid, State: StateQRPending, Token: ev.Token}, nil)
		m.mu.Unlock()
		m.log.Info("session.qr", "user_uid", uid, "refresh", from == StateQRPending)
		return false

	case EventReady:
		e.token = ""
		m.mu.Unlock()

		m.metrics.incTransition(to)
		if from == StateQRPending {
			m.persistFor(e, "clear_qr", func(ctx context.Context) error {
				return m.store.ClearQR(ctx, uid)
			})
		}
		m.persistStatusFor(e, StateReady)

		m.mu.Lock()
		if m.pool[uid] == e {
			m.touchLocked(e)
		}
		m.resolveLocked(e, Result{UID: uid, State: StateReady}, nil)
		m.mu.Unlock()
		m.log.Info("session.ready", "user_uid", uid)
		return false

	case EventMessage:
		m.touchLocked(e)
		m.mu.Unlock()
		m.publishInbound(uid, ev)
		return false

	case EventAuthFailed:
		h := m.purgeLocked(e, StateAuthFailed, &AuthFailedError{UID: uid, Reason: ev.Reason})
		size := len(m.pool)
		m.mu.Unlock()

		m.metrics.setPoolSize(size)
		m.metrics.incTransition(to)
		closeHandle(m.log, uid, h)
		m.persistStatusFor(e, StateAuthFailed)
		m.log.Warn("session.auth_failed", "user_uid", uid, "reason", ev.Reason)
		return true

	case EventDisconnected:
		h := m.purgeLocked(e, StateDisconnected, fmt.Errorf("%w: %s", ErrDisconnected, ev.Reason))
		size := len(m.pool)
		m.mu.Unlock()

		m.metrics.setPoolSize(size)
		m.metrics.incTransition(to)
		closeHandle(m.log, uid, h)
		m.persistStatusFor(e, StateDisconnected)
		m.log.Info("session.disconnected", "user_uid", uid, "reason", ev.Reason, "was", from.String())
		return true
	}

	m.mu.Unlock()
	return false
}

func (m *Manager) publishInbound(uid string, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EnqueueTimeout)
	defer cancel()

	msg := IncomingMessage{UserUID: uid, From: ev.From, Message: ev.Body}
	if err := m.queue.Enqueue(ctx, TopicIncomingMessage, msg); err != nil {
		m.metrics.incEnqueueError()
		m.log.Error("session.enqueue.fail", "user_uid", uid, "from", ev.From, "err", err)
		if m.onEnqueueError != nil {
			m.onEnqueueError(uid, err)
		}
		return
	}
	m.log.Debug("session.message.enqueued", "user_uid", uid, "from", ev.From)
}

// persist runs one store call with its own deadline. Failures are logged and counted, and
// returned for callers that care.
func (m *Manager) persist(op, uid string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		m.metrics.incStoreError(op)
		m.log.Warn("store."+op+".fail", "user_uid", uid, "err", err)
		return err
	}
	return nil
}

func (m *Manager) persistStatus(uid string, s State) error {
	return m.persist("set_status", uid, func(ctx context.Context) error {
		return m.store.SetStatus(ctx, uid, s.String())
	})
}

// persistFor is persist on behalf of e. It writes nothing once e is retired, so a handler
// that lost a race with Close, the sweep or an eviction cannot bring the record back.
func (m *Manager) persistFor(e *entry, op string, fn func(ctx context.Context) error) {
	e.write(func() { _ = m.persist(op, e.uid, fn) })
}

func (m *Manager) persistStatusFor(e *entry, s State) {
	m.persistFor(e, "set_status", func(ctx context.Context) error {
		return m.store.SetStatus(ctx, e.uid, s.String())
	})
}

func (m *Manager) clearStore(ctx context.Context, uid string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()

	if err := m.store.ClearAll(ctx, uid); err != nil {
		m.metrics.incStoreError("clear_all")
		return err
	}
	return nil
}
