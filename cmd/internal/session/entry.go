package session

import (
	"sync"
	"time"
)

// entry is one resident session. Fields up to handle are guarded by Manager.mu.
type entry struct {
	uid       string
	seq       uint64
	state     State
	createdAt time.Time
	touchedAt time.Time
	token     string
	handle    Handle

	// resolved is closed once the first lifecycle outcome is known; result and err are
	// immutable afterwards.
	resolved chan struct{}
	result   Result
	err      error

	// done is closed when the entry leaves the pool.
	done chan struct{}

	// storeMu serializes the entry's own store writes against retire. Once retired is set
	// the entry writes nothing more.
	storeMu sync.Mutex
	retired bool
}

func newEntry(uid string, seq uint64, now time.Time) *entry {
	return &entry{
		uid:       uid,
		seq:       seq,
		state:     StateConnecting,
		createdAt: now,
		touchedAt: now,
		resolved:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (e *entry) isResolved() bool {
	select {
	case <-e.resolved:
		return true
	default:
		return false
	}
}

// write runs fn unless the entry has been retired.
func (e *entry) write(fn func()) {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	if e.retired {
		return
	}
	fn()
}

// retire waits for a write in progress and blocks later ones. Callers retire an entry that
// has left the pool before they clear or overwrite its persisted record.
func (e *entry) retire() {
	e.storeMu.Lock()
	e.retired = true
	e.storeMu.Unlock()
}

func (e *entry) info() Info {
	return Info{
		UID:       e.uid,
		State:     e.state,
		CreatedAt: e.createdAt,
		TouchedAt: e.touchedAt,
		HasToken:  e.token != "",
	}
}

// Result is what Acquire returns.
type Result struct {
	UID   string
	State State
	// Token is the pending handshake token, empty once the session is ready.
	Token string
	// Created is true only for the caller whose Acquire created the session.
	Created bool
}

// Info is a read-only view of a resident session.
type Info struct {
	UID       string    `json:"userUid"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	TouchedAt time.Time `json:"touchedAt"`
	HasToken  bool      `json:"hasToken"`
}
