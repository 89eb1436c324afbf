package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by one row per user.
//
// PostgresStore does not own the pgx pool; Close is a no-op.
// Expired values stay in the row until overwritten and are filtered out on read.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the schema used by the store (default: "relay").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
		table:  "link_sessions",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) ident() string { return PGIdent(s.schema, s.table) }

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  user_uid            TEXT PRIMARY KEY,
  qr                  TEXT,
  qr_expires_at       TIMESTAMPTZ,
  status              TEXT,
  last_activity_ms    BIGINT,
  activity_expires_at TIMESTAMPTZ,
  updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);`, pgx.Identifier{s.schema}.Sanitize(), s.ident())

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveHandshakeToken(ctx context.Context, uid, token string, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	ttl = ttlOr(ttl, DefaultHandshakeTTL)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (user_uid, qr, qr_expires_at)
		 VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		 ON CONFLICT (user_uid) DO UPDATE
		    SET qr = EXCLUDED.qr,
		        qr_expires_at = EXCLUDED.qr_expires_at,
		        updated_at = now()`,
		uid, token, ttl.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}

func (s *PostgresStore) HandshakeToken(ctx context.Context, uid string) (string, bool, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT qr FROM `+s.ident()+`
		  WHERE user_uid = $1 AND qr IS NOT NULL AND qr_expires_at > now()`,
		uid,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read token: %w", err)
	}
	return token, true, nil
}

func (s *PostgresStore) ClearQR(ctx context.Context, uid string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident()+` SET qr = NULL, qr_expires_at = NULL, updated_at = now() WHERE user_uid = $1`,
		uid,
	)
	if err != nil {
		return fmt.Errorf("store: clear qr: %w", err)
	}
	return nil
}

// SaveLastActivity keeps the larger of the stored and the new value while the stored one is live.
func (s *PostgresStore) SaveLastActivity(ctx context.Context, uid string, at time.Time, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	ttl = ttlOr(ttl, DefaultActivityTTL)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` AS s (user_uid, last_activity_ms, activity_expires_at)
		 VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		 ON CONFLICT (user_uid) DO UPDATE
		    SET last_activity_ms = CASE
		          WHEN s.activity_expires_at > now() AND s.last_activity_ms IS NOT NULL
		            THEN GREATEST(s.last_activity_ms, EXCLUDED.last_activity_ms)
		          ELSE EXCLUDED.last_activity_ms
		        END,
		        activity_expires_at = EXCLUDED.activity_expires_at,
		        updated_at = now()`,
		uid, at.UnixMilli(), ttl.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("store: save activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastActivity(ctx context.Context, uid string) (time.Time, bool, error) {
	var ms int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_activity_ms FROM `+s.ident()+`
		  WHERE user_uid = $1 AND last_activity_ms IS NOT NULL AND activity_expires_at > now()`,
		uid,
	).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: read activity: %w", err)
	}
	return fromMillis(ms), true, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, uid, status string) error {
	if err := checkUID(uid); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (user_uid, status) VALUES ($1, $2)
		 ON CONFLICT (user_uid) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		uid, status,
	)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

func (s *PostgresStore) Status(ctx context.Context, uid string) (string, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM `+s.ident()+` WHERE user_uid = $1 AND status IS NOT NULL`,
		uid,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read status: %w", err)
	}
	return status, true, nil
}

func (s *PostgresStore) ClearAll(ctx context.Context, uid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.ident()+` WHERE user_uid = $1`, uid); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// IsValidPGIdent reports whether s is a plain, unquoted-safe Postgres identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// PGIdent returns a quoted schema-qualified identifier.
func PGIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
