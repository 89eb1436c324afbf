package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node Store in a local SQLite file.
// Expiry instants are stored as epoch milliseconds computed from the store's clock.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures SQLiteStore.
type SQLiteOption func(*SQLiteStore)

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenSQLite creates or opens the database at path and applies migrations.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}
	for i := version; i < len(migrations); i++ {
		slog.Info("store.sqlite.migrate", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS link_sessions (
			user_uid TEXT PRIMARY KEY,
			qr TEXT,
			qr_expires_ms INTEGER,
			status TEXT,
			last_activity_ms INTEGER,
			activity_expires_ms INTEGER,
			updated_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

func (s *SQLiteStore) nowMS() int64 { return s.now().UnixMilli() }

func (s *SQLiteStore) SaveHandshakeToken(ctx context.Context, uid, token string, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_sessions (user_uid, qr, qr_expires_ms, updated_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_uid) DO UPDATE SET
			qr = excluded.qr,
			qr_expires_ms = excluded.qr_expires_ms,
			updated_ms = excluded.updated_ms`,
		uid, token, now+ttlOr(ttl, DefaultHandshakeTTL).Milliseconds(), now,
	)
	if err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HandshakeToken(ctx context.Context, uid string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT qr FROM link_sessions WHERE user_uid = ? AND qr IS NOT NULL AND qr_expires_ms > ?`,
		uid, s.nowMS(),
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read token: %w", err)
	}
	return token, true, nil
}

func (s *SQLiteStore) ClearQR(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE link_sessions SET qr = NULL, qr_expires_ms = NULL, updated_ms = ? WHERE user_uid = ?`,
		s.nowMS(), uid,
	)
	if err != nil {
		return fmt.Errorf("store: clear qr: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveLastActivity(ctx context.Context, uid string, at time.Time, ttl time.Duration) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_sessions (user_uid, last_activity_ms, activity_expires_ms, updated_ms) VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT(user_uid) DO UPDATE SET
			last_activity_ms = CASE
				WHEN link_sessions.activity_expires_ms > ?4 AND link_sessions.last_activity_ms IS NOT NULL
					THEN MAX(link_sessions.last_activity_ms, excluded.last_activity_ms)
				ELSE excluded.last_activity_ms
			END,
			activity_expires_ms = excluded.activity_expires_ms,
			updated_ms = excluded.updated_ms`,
		uid, at.UnixMilli(), now+ttlOr(ttl, DefaultActivityTTL).Milliseconds(), now,
	)
	if err != nil {
		return fmt.Errorf("store: save activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastActivity(ctx context.Context, uid string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_activity_ms FROM link_sessions
		  WHERE user_uid = ? AND last_activity_ms IS NOT NULL AND activity_expires_ms > ?`,
		uid, s.nowMS(),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: read activity: %w", err)
	}
	return fromMillis(ms), true, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, uid, status string) error {
	if err := checkUID(uid); err != nil {
		return err
	}
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_sessions (user_uid, status, updated_ms) VALUES (?, ?, ?)
		ON CONFLICT(user_uid) DO UPDATE SET status = excluded.status, updated_ms = excluded.updated_ms`,
		uid, status, now,
	)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Status(ctx context.Context, uid string) (string, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM link_sessions WHERE user_uid = ? AND status IS NOT NULL`, uid,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read status: %w", err)
	}
	return status, true, nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context, uid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM link_sessions WHERE user_uid = ?`, uid); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}
