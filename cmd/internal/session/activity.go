package session

import (
	"context"
	"sync"
	"time"
)

// activityWriter persists lastActivity off the caller's path. Marks for the same uid coalesce
// to the latest timestamp, and while a uid stays resident it is never written with a value
// older than one already written, so the persisted value only moves forward.
//
// Lock order is Manager.mu, then mu. writing is never taken while Manager.mu is held.
type activityWriter struct {
	m *Manager

	// writing is held for a whole flush, so forget returns only after in-flight writes
	// have landed and a following ClearAll cannot be overtaken.
	writing sync.Mutex

	mu      sync.Mutex
	pending map[string]time.Time
	written map[string]time.Time

	wake chan struct{}
}

func newActivityWriter(m *Manager) *activityWriter {
	return &activityWriter{
		m:       m,
		pending: make(map[string]time.Time),
		written: make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
	}
}

func (w *activityWriter) mark(uid string, at time.Time) {
	w.mu.Lock()
	if prev, ok := w.pending[uid]; !ok || at.After(prev) {
		w.pending[uid] = at
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// forget drops pending and remembered state for uid ahead of a ClearAll.
func (w *activityWriter) forget(uid string) {
	w.writing.Lock()
	defer w.writing.Unlock()

	w.mu.Lock()
	delete(w.pending, uid)
	delete(w.written, uid)
	w.mu.Unlock()
}

func (w *activityWriter) run(stop <-chan struct{}) {
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-stop:
			w.flush()
			return
		}
	}
}

func (w *activityWriter) flush() {
	w.writing.Lock()
	defer w.writing.Unlock()

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]time.Time, len(batch))
	for uid, at := range batch {
		if last, ok := w.written[uid]; ok && !at.After(last) {
			delete(batch, uid)
			continue
		}
		w.written[uid] = at
	}
	w.mu.Unlock()

	for uid, at := range batch {
		_ = w.m.persist("save_activity", uid, func(ctx context.Context) error {
			return w.m.store.SaveLastActivity(ctx, uid, at, w.m.cfg.ActivityTTL)
		})
	}
	w.prune()
}

// prune forgets the written timestamp of every uid that has left the pool. A uid that comes
// back is marked with a newer time anyway.
func (w *activityWriter) prune() {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	for uid := range w.written {
		if _, ok := w.m.pool[uid]; !ok {
			delete(w.written, uid)
		}
	}
}
