package store

import (
	"context"
	"sync"
	"time"
)

type memRecord struct {
	token        string
	tokenExpires time.Time

	activityMS      int64
	activityExpires time.Time

	status    string
	hasStatus bool
}

// InMemoryStore is a dev-only Store used when no database is configured.
type InMemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	recs map[string]*memRecord
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock replaces time.Now for expiry checks.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:  time.Now,
		recs: make(map[string]*memRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) rec(uid string) *memRecord {
	r := s.recs[uid]
	if r == nil {
		r = &memRecord{}
		s.recs[uid] = r
	}
	return r
}

func (s *InMemoryStore) SaveHandshakeToken(ctx context.Context, uid, token string, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec(uid)
	r.token = token
	r.tokenExpires = s.now().Add(ttlOr(ttl, DefaultHandshakeTTL))
	return nil
}

func (s *InMemoryStore) HandshakeToken(ctx context.Context, uid string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recs[uid]
	if r == nil || r.token == "" || !s.now().Before(r.tokenExpires) {
		return "", false, nil
	}
	return r.token, true, nil
}

func (s *InMemoryStore) ClearQR(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.recs[uid]; r != nil {
		r.token = ""
		r.tokenExpires = time.Time{}
	}
	return nil
}

func (s *InMemoryStore) SaveLastActivity(ctx context.Context, uid string, at time.Time, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec(uid)
	now := s.now()
	ms := at.UnixMilli()
	if now.Before(r.activityExpires) && r.activityMS >= ms {
		ms = r.activityMS
	}
	r.activityMS = ms
	r.activityExpires = now.Add(ttlOr(ttl, DefaultActivityTTL))
	return nil
}

func (s *InMemoryStore) LastActivity(ctx context.Context, uid string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recs[uid]
	if r == nil || r.activityExpires.IsZero() || !s.now().Before(r.activityExpires) {
		return time.Time{}, false, nil
	}
	return fromMillis(r.activityMS), true, nil
}

func (s *InMemoryStore) SetStatus(ctx context.Context, uid, status string) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec(uid)
	r.status = status
	r.hasStatus = true
	return nil
}

func (s *InMemoryStore) Status(ctx context.Context, uid string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recs[uid]
	if r == nil || !r.hasStatus {
		return "", false, nil
	}
	return r.status, true, nil
}

func (s *InMemoryStore) ClearAll(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, uid)
	return nil
}
