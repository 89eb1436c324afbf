package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestActivityWriter_NeverMovesBackwards(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	m := newTestManager(t, Config{}, newFakeBackend(tokenScript), st, &fakeQueue{})
	w := newActivityWriter(m)
	makeResident(m, "alice")

	t1 := time.Unix(1_000, 0)
	t2 := time.Unix(2_000, 0)

	w.mark("alice", t2)
	w.flush()
	w.mark("alice", t1)
	w.flush()

	got, ok := st.activityOf("alice")
	if !ok || !got.Equal(t2) {
		t.Fatalf("activity=%v ok=%v want %v", got, ok, t2)
	}
}

func TestActivityWriter_Coalesces(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	m := newTestManager(t, Config{}, newFakeBackend(tokenScript), st, &fakeQueue{})
	w := newActivityWriter(m)

	for i := 1; i <= 10; i++ {
		w.mark("alice", time.Unix(int64(i), 0))
	}
	w.flush()

	if ops := st.opsFor("alice"); len(ops) != 1 {
		t.Fatalf("ops=%v want one write", ops)
	}
	if got, _ := st.activityOf("alice"); !got.Equal(time.Unix(10, 0)) {
		t.Fatalf("activity=%v", got)
	}
}

func TestRecordActivity_StoreFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failAll = errors.New("store down")
	b := newFakeBackend(func(h *fakeHandle) { h.emit(Event{Kind: EventReady}) })
	m := newTestManager(t, Config{}, b, st, &fakeQueue{})

	if _, err := m.Acquire(context.Background(), "alice"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.RecordActivity("alice")
	if !m.IsReady("alice") {
		t.Fatalf("session should survive store failures")
	}
}

func TestActivityWriter_ForgetsUsersThatLeftThePool(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1_000, 0))
	b := newFakeBackend(func(h *fakeHandle) { h.emit(Event{Kind: EventReady}) })
	st := newFakeStore()
	m := newTestManager(t, Config{MaxClients: 2}, b, st, &fakeQueue{}, WithClock(clock.Now))

	const users = 200
	for i := 0; i < users; i++ {
		clock.Advance(time.Second)
		uid := fmt.Sprintf("user-%d", i)
		mustAcquire(t, m, uid)
		waitFor(t, uid+" activity", func() bool {
			_, ok := st.activityOf(uid)
			return ok
		})
	}

	m.activity.prune()
	if n := writtenCount(m.activity); n > m.Count() {
		t.Fatalf("written=%d resident=%d", n, m.Count())
	}
	if m.Count() != 2 {
		t.Fatalf("count=%d want 2", m.Count())
	}
}

func TestRecordActivity_IgnoresNonResidentUser(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	m := newTestManager(t, Config{}, newFakeBackend(tokenScript), st, &fakeQueue{})

	m.RecordActivity("ghost")
	m.activity.flush()

	if ops := st.opsFor("ghost"); len(ops) != 0 {
		t.Fatalf("ops=%v want none", ops)
	}
}

// makeResident inserts a bare entry for uid without contacting the backend.
func makeResident(m *Manager, uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	m.pool[uid] = newEntry(uid, m.nextSeq, m.now())
}

func writtenCount(w *activityWriter) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}
