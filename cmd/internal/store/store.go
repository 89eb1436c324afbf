// Package store persists the per-user session record: the pending handshake token, the last
// activity timestamp and the last known status.
//
// Drivers: in-memory (dev and tests), Postgres, Redis and SQLite. Every driver keeps the same
// semantics: the token expires after its TTL, lastActivity expires after its TTL and never
// moves backwards while it is live, and status has no TTL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	DefaultHandshakeTTL = 120 * time.Second
	DefaultActivityTTL  = 30 * 24 * time.Hour
)

var (
	ErrInvalidUID = errors.New("store: invalid user uid")
	ErrNilStore   = errors.New("store: nil store")
)

// Store is the persisted session record.
type Store interface {
	SaveHandshakeToken(ctx context.Context, uid, token string, ttl time.Duration) error
	HandshakeToken(ctx context.Context, uid string) (string, bool, error)
	ClearQR(ctx context.Context, uid string) error

	SaveLastActivity(ctx context.Context, uid string, at time.Time, ttl time.Duration) error
	LastActivity(ctx context.Context, uid string) (time.Time, bool, error)

	SetStatus(ctx context.Context, uid, status string) error
	Status(ctx context.Context, uid string) (string, bool, error)

	// ClearAll removes token, activity and status for uid.
	ClearAll(ctx context.Context, uid string) error
	Close() error
}

func checkUID(uid string) error {
	if strings.TrimSpace(uid) == "" {
		return ErrInvalidUID
	}
	return nil
}

// ttlOr returns d, or def when d is not positive.
func ttlOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// fromMillis converts a stored epoch-millisecond value back into a UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
