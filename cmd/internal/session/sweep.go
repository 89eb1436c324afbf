package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sweep purges resident sessions whose persisted lastActivity is older than MaxInactivity.
// Sessions without an activity record are skipped. Concurrent calls share one pass.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	v, err, _ := m.sweeps.Do("sweep", func() (any, error) {
		return m.sweep(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (m *Manager) sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { m.metrics.observeSweep(time.Since(start)) }()

	m.mu.Lock()
	snapshot := make([]*entry, 0, len(m.pool))
	for _, e := range m.pool {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.MaxInactivity)
	purged := 0
	var errs []error

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		last, ok, err := m.lastActivity(ctx, e.uid)
		if err != nil {
			m.metrics.incStoreError("last_activity")
			errs = append(errs, fmt.Errorf("last activity for %s: %w", e.uid, err))
			continue
		}
		if !ok || !last.Before(cutoff) {
			continue
		}

		m.mu.Lock()
		if m.pool[e.uid] != e {
			m.mu.Unlock()
			continue
		}
		h := m.purgeLocked(e, StateEvicted, ErrEvicted)
		size := len(m.pool)
		m.mu.Unlock()

		m.metrics.setPoolSize(size)
		m.metrics.incEvicted("inactivity")
		m.metrics.incTransition(StateEvicted)
		closeHandle(m.log, e.uid, h)
		e.retire()
		m.activity.forget(e.uid)
		if err := m.clearStore(ctx, e.uid); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", e.uid, err))
		}
		purged++
		m.log.Info("session.sweep.purge", "user_uid", e.uid, "last_activity", last.UTC().Format(time.RFC3339))
	}

	return purged, errors.Join(errs...)
}

func (m *Manager) lastActivity(ctx context.Context, uid string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.LastActivity(ctx, uid)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				m.log.Warn("session.sweep.fail", "purged", n, "err", err)
				continue
			}
			m.log.Info("session.sweep", "purged", n, "resident", m.Count())
		}
	}
}
