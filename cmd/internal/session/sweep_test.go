package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestSweep_PurgesStaleAndSkipsMissingActivity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	b := newFakeBackend(tokenScript)
	st := newFakeStore()
	m := newTestManager(t, Config{}, b, st, &fakeQueue{}, WithClock(clock.Now))

	mustAcquire(t, m, "alice")
	mustAcquire(t, m, "bob")
	st.setActivity("alice", now.Add(-31*24*time.Hour))

	n, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged=%d want 1", n)
	}
	if _, ok := m.Info("alice"); ok {
		t.Fatalf("alice should be purged")
	}
	if _, ok := m.Info("bob"); !ok {
		t.Fatalf("bob should be kept")
	}
	if !b.last("alice").isClosed() {
		t.Fatalf("alice handle not closed")
	}
	if !slices.Contains(st.opsFor("alice"), "clear_all:alice") {
		t.Fatalf("alice record not cleared: %v", st.opsFor("alice"))
	}
	if slices.Contains(st.opsFor("bob"), "clear_all:bob") {
		t.Fatalf("bob record cleared")
	}
}

func TestSweep_KeepsRecentActivity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	st := newFakeStore()
	m := newTestManager(t, Config{MaxInactivity: 24 * time.Hour}, newFakeBackend(tokenScript), st, &fakeQueue{}, WithClock(clock.Now))

	mustAcquire(t, m, "alice")
	st.setActivity("alice", now.Add(-23*time.Hour))

	n, err := m.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Sweep=%d,%v", n, err)
	}
	if m.Count() != 1 {
		t.Fatalf("count=%d", m.Count())
	}
}

type slowActivityStore struct {
	*fakeStore
	mu    sync.Mutex
	reads int
	gate  chan struct{}
}

func (s *slowActivityStore) LastActivity(ctx context.Context, uid string) (time.Time, bool, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	<-s.gate
	return s.fakeStore.LastActivity(ctx, uid)
}

func TestSweep_ConcurrentCallsShareOnePass(t *testing.T) {
	t.Parallel()

	st := &slowActivityStore{fakeStore: newFakeStore(), gate: make(chan struct{})}
	m := newTestManager(t, Config{}, newFakeBackend(tokenScript), st, &fakeQueue{})
	mustAcquire(t, m, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Sweep(context.Background()); err != nil {
				t.Errorf("Sweep: %v", err)
			}
		}()
	}
	waitFor(t, "first read", func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.reads == 1
	})
	time.Sleep(50 * time.Millisecond)
	close(st.gate)
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.reads != 1 {
		t.Fatalf("reads=%d want 1", st.reads)
	}
}

type failingActivityStore struct{ *fakeStore }

func (failingActivityStore) LastActivity(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("store down")
}

func TestSweep_StoreErrorKeepsSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{}, newFakeBackend(tokenScript), failingActivityStore{newFakeStore()}, &fakeQueue{})
	mustAcquire(t, m, "alice")

	n, err := m.Sweep(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if n != 0 || m.Count() != 1 {
		t.Fatalf("purged=%d count=%d", n, m.Count())
	}
}

func TestSweepLoop_RunsOnInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	st := newFakeStore()
	m := newTestManager(t, Config{SweepInterval: 10 * time.Millisecond}, newFakeBackend(tokenScript), st, &fakeQueue{}, WithClock(clock.Now))

	mustAcquire(t, m, "alice")
	st.setActivity("alice", now.Add(-40*24*time.Hour))

	waitFor(t, "background sweep", func() bool { return m.Count() == 0 })
}
