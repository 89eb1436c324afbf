package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager is the bounded pool of live sessions.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	backend Backend
	store   Store
	queue   Enqueuer
	now     func() time.Time
	metrics *Metrics

	onEnqueueError func(uid string, err error)

	mu      sync.Mutex
	pool    map[string]*entry
	nextSeq uint64
	closed  bool

	activity *activityWriter
	sweeps   singleflight.Group

	// ctx stops the sweeper and the event loops. The activity writer is stopped separately,
	// after them, so marks made by a loop on its way out are still flushed.
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	writerStop chan struct{}
	writerDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock replaces time.Now. Tests use it to control eviction order and sweep cutoffs.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEnqueueErrorHook is called, from the session's event loop, for every inbound message
// the queue rejected.
func WithEnqueueErrorHook(fn func(uid string, err error)) Option {
	return func(m *Manager) { m.onEnqueueError = fn }
}

// New builds a Manager and starts its activity writer and, when SweepInterval > 0, its sweeper.
func New(cfg Config, backend Backend, store Store, queue Enqueuer, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if queue == nil {
		return nil, errors.New("session: queue is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg.normalized(),
		log:     slog.Default(),
		backend: backend,
		store:   store,
		queue:   queue,
		now:     time.Now,
		pool:    make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.activity = newActivityWriter(m)
	m.writerStop = make(chan struct{})
	m.writerDone = make(chan struct{})

	go func() {
		defer close(m.writerDone)
		m.activity.run(m.writerStop)
	}()

	if m.cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sweepLoop(ctx)
		}()
	}

	return m, nil
}

// Acquire returns the resident session for uid, creating it when absent.
//
// Concurrent callers for the same uid share one backend connection: the entry is inserted
// before the backend is contacted, and every caller waits for the same first outcome.
func (m *Manager) Acquire(ctx context.Context, uid string) (Result, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Result{}, ErrInvalidUID
	}

	// One deadline covers the backend Create and the wait for the first outcome.
	var deadline time.Time
	if m.cfg.ConnectTimeout > 0 {
		deadline = time.Now().Add(m.cfg.ConnectTimeout)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{}, ErrClosed
	}
	if e, ok := m.pool[uid]; ok {
		if now := m.now(); now.After(e.touchedAt) {
			e.touchedAt = now
		}
		m.mu.Unlock()
		return m.await(ctx, e, false, deadline)
	}

	var victim *entry
	var victimHandle Handle
	if len(m.pool) >= m.cfg.MaxClients {
		if victim = m.oldestLocked(); victim != nil {
			victimHandle = m.purgeLocked(victim, StateEvicted, ErrEvicted)
		}
	}

	m.nextSeq++
	e := newEntry(uid, m.nextSeq, m.now())
	m.pool[uid] = e
	size := len(m.pool)
	m.mu.Unlock()

	m.metrics.setPoolSize(size)
	if victim != nil {
		m.finishEviction(victim, victimHandle, "capacity")
	}

	m.log.Info("session.create", "user_uid", uid, "pool_size", size)
	m.metrics.incCreated()
	m.metrics.incTransition(StateConnecting)
	m.persistStatusFor(e, StateConnecting)

	createCtx := context.WithoutCancel(ctx)
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithDeadline(createCtx, deadline)
		defer cancel()
	}

	h, err := m.backend.Create(createCtx, uid)
	if err != nil {
		err = fmt.Errorf("session: create backend for %s: %w", uid, err)
		m.mu.Lock()
		resident := m.pool[uid] == e
		if resident {
			m.purgeLocked(e, StateDisconnected, err)
		}
		m.mu.Unlock()

		m.log.Error("session.create.fail", "user_uid", uid, "err", err)
		if resident {
			m.metrics.setPoolSize(m.Count())
			m.persistStatusFor(e, StateDisconnected)
		}
		return m.await(ctx, e, true, deadline)
	}

	m.mu.Lock()
	if m.pool[uid] != e {
		// Evicted or closed while the backend was connecting.
		m.mu.Unlock()
		closeHandle(m.log, uid, h)
		return m.await(ctx, e, true, deadline)
	}
	e.handle = h
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.run(e, h)
	}()

	return m.await(ctx, e, true, deadline)
}

// await waits for e's first outcome until ctx is done or deadline passes. A zero deadline
// waits without limit.
func (m *Manager) await(ctx context.Context, e *entry, created bool, deadline time.Time) (Result, error) {
	if !e.isResolved() {
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			t := time.NewTimer(time.Until(deadline))
			defer t.Stop()
			timeout = t.C
		}

		select {
		case <-e.resolved:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timeout:
			return Result{}, fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
		}
	}

	if e.err != nil {
		return Result{}, e.err
	}
	if created {
		res := e.result
		res.Created = true
		return res, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := terminalErr(e.state); err != nil {
		return Result{}, err
	}
	return Result{UID: e.uid, State: e.state, Token: e.token}, nil
}

// Send delivers text to the recipient through the user's ready session.
func (m *Manager) Send(ctx context.Context, uid, to, text string) error {
	m.mu.Lock()
	e, ok := m.pool[uid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.state != StateReady || e.handle == nil {
		m.mu.Unlock()
		return ErrNotReady
	}
	h := e.handle
	m.mu.Unlock()

	if err := h.Send(ctx, to, text); err != nil {
		return fmt.Errorf("session: send for %s: %w", uid, err)
	}
	m.RecordActivity(uid)
	return nil
}

// Close tears down the user's session and clears its persisted record.
// It reports whether a session was resident; a non-resident uid causes no store writes.
func (m *Manager) Close(ctx context.Context, uid string) (bool, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return false, ErrInvalidUID
	}

	m.mu.Lock()
	e, ok := m.pool[uid]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	h := m.purgeLocked(e, StateDisconnected, fmt.Errorf("%w: closed by request", ErrDisconnected))
	size := len(m.pool)
	m.mu.Unlock()

	m.metrics.setPoolSize(size)
	m.metrics.incTransition(StateDisconnected)
	closeHandle(m.log, uid, h)
	e.retire()
	m.activity.forget(uid)

	if err := m.clearStore(ctx, uid); err != nil {
		m.log.Warn("session.close.clear_fail", "user_uid", uid, "err", err)
	}
	m.log.Info("session.close", "user_uid", uid, "pool_size", size)
	return true, nil
}

// RecordActivity marks a resident uid as active now. The in-memory timestamp is updated
// immediately; the persisted lastActivity is written asynchronously. Non-resident uids are
// ignored.
func (m *Manager) RecordActivity(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pool[uid]; ok {
		m.touchLocked(e)
	}
}

// touchLocked refreshes e and queues its activity write. Marks are only made under m.mu for
// a resident entry, so once an entry is purged no new mark for it can appear.
func (m *Manager) touchLocked(e *entry) {
	now := m.now()
	if now.After(e.touchedAt) {
		e.touchedAt = now
	}
	m.activity.mark(e.uid, now)
}

func (m *Manager) IsReady(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[uid]
	return ok && e.state == StateReady
}

func (m *Manager) Info(uid string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[uid]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Snapshot lists resident sessions ordered by uid.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.pool))
	for _, e := range m.pool {
		out = append(out, e.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Shutdown closes every handle, stops the background goroutines and flushes pending activity.
// Persisted records are left as they are.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make(map[string]Handle, len(m.pool))
	for uid, e := range m.pool {
		handles[uid] = m.purgeLocked(e, StateDisconnected, ErrClosed)
	}
	m.mu.Unlock()

	m.metrics.setPoolSize(0)
	for uid, h := range handles {
		closeHandle(m.log, uid, h)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(m.writerStop)
		<-m.writerDone
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("session.shutdown", "closed", len(handles))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// oldestLocked picks the least recently active entry; ties go to the earliest inserted.
func (m *Manager) oldestLocked() *entry {
	var victim *entry
	for _, e := range m.pool {
		if victim == nil ||
			e.touchedAt.Before(victim.touchedAt) ||
			(e.touchedAt.Equal(victim.touchedAt) && e.seq < victim.seq) {
			victim = e
		}
	}
	return victim
}

// purgeLocked removes e from the pool, fails its pending callers with cause and returns the
// handle the caller must close outside the lock.
func (m *Manager) purgeLocked(e *entry, final State, cause error) Handle {
	if m.pool[e.uid] == e {
		delete(m.pool, e.uid)
	}
	e.state = final
	e.token = ""
	h := e.handle
	e.handle = nil

	select {
	case <-e.done:
	default:
		close(e.done)
	}
	m.resolveLocked(e, Result{}, cause)
	return h
}

func (m *Manager) resolveLocked(e *entry, res Result, err error) {
	if e.isResolved() {
		return
	}
	e.result = res
	e.err = err
	close(e.resolved)
}

func (m *Manager) finishEviction(e *entry, h Handle, reason string) {
	closeHandle(m.log, e.uid, h)
	e.retire()
	m.metrics.incEvicted(reason)
	m.metrics.incTransition(StateEvicted)
	_ = m.persistStatus(e.uid, StateEvicted)
	m.log.Info("session.evict", "user_uid", e.uid, "reason", reason)
}

func closeHandle(log *slog.Logger, uid string, h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		log.Warn("session.handle.close_fail", "user_uid", uid, "err", err)
	}
}
