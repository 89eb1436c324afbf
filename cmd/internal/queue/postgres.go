package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/internal/ids"
	"relay/cmd/internal/store"
)

// PostgresBroker is a Broker on a jobs table. Consumers claim rows with
// FOR UPDATE SKIP LOCKED and hold them under a lease; a job whose lease expires (for example
// because its worker died) becomes claimable again.
//
// PostgresBroker does not own the pgx pool.
type PostgresBroker struct {
	pool         *pgxpool.Pool
	schema       string
	lease        time.Duration
	pollInterval time.Duration
}

// PostgresOption configures PostgresBroker behavior.
type PostgresOption func(*PostgresBroker) error

// WithSchema sets the schema holding the jobs table (default: "relay").
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBroker) error {
		schema = strings.TrimSpace(schema)
		if !store.IsValidPGIdent(schema) {
			return errors.New("queue: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// WithLease sets how long a claimed job stays invisible to other consumers.
func WithLease(d time.Duration) PostgresOption {
	return func(b *PostgresBroker) error {
		if d <= 0 {
			return errors.New("queue: lease must be positive")
		}
		b.lease = d
		return nil
	}
}

// WithPollInterval sets how often an idle Claim re-checks the table.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(b *PostgresBroker) error {
		if d <= 0 {
			return errors.New("queue: poll interval must be positive")
		}
		b.pollInterval = d
		return nil
	}
}

func NewPostgresBroker(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBroker, error) {
	b := &PostgresBroker{
		pool:         pool,
		schema:       "relay",
		lease:        2 * time.Minute,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.pool == nil {
		return nil, errors.New("queue: nil pool")
	}
	return b, nil
}

func (b *PostgresBroker) Close() error { return nil }

func (b *PostgresBroker) table() string { return store.PGIdent(b.schema, "jobs") }

// EnsureSchema creates the schema, jobs table and claim index when missing.
func (b *PostgresBroker) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  topic        TEXT NOT NULL,
  payload      JSONB NOT NULL,
  state        TEXT NOT NULL DEFAULT 'ready' CHECK (state IN ('ready', 'dead')),
  attempts     INT NOT NULL DEFAULT 0,
  available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  locked_until TIMESTAMPTZ,
  last_error   TEXT,
  enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS jobs_claim_idx ON %s (topic, available_at) WHERE state = 'ready';`,
		pgx.Identifier{b.schema}.Sanitize(), b.table(), b.table())

	if _, err := b.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("queue: ensure schema: %w", err)
	}
	return nil
}

func (b *PostgresBroker) Enqueue(ctx context.Context, topic string, payload any) error {
	raw, err := marshalPayload(topic, payload)
	if err != nil {
		return err
	}
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return err
	}

	if _, err := b.pool.Exec(ctx,
		`INSERT INTO `+b.table()+` (id, topic, payload) VALUES ($1, $2, $3)`,
		id, topic, []byte(raw),
	); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", topic, err)
	}
	return nil
}

func (b *PostgresBroker) Claim(ctx context.Context, topics []string) (Job, error) {
	for {
		job, err := b.claimOnce(ctx, topics)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Job{}, err
		}

		t := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (b *PostgresBroker) claimOnce(ctx context.Context, topics []string) (Job, error) {
	var (
		job     Job
		payload []byte
	)
	err := b.pool.QueryRow(ctx,
		`UPDATE `+b.table()+`
		    SET attempts = attempts + 1,
		        locked_until = now() + $2::bigint * interval '1 millisecond'
		  WHERE id = (
		        SELECT id FROM `+b.table()+`
		         WHERE state = 'ready'
		           AND topic = ANY($1)
		           AND available_at <= now()
		           AND (locked_until IS NULL OR locked_until < now())
		         ORDER BY available_at, id
		         FOR UPDATE SKIP LOCKED
		         LIMIT 1)
		RETURNING id, topic, payload, attempts, enqueued_at`,
		topics, b.lease.Milliseconds(),
	).Scan(&job.ID, &job.Topic, &payload, &job.Attempts, &job.EnqueuedAt)
	if err != nil {
		return Job{}, err
	}
	job.Payload = payload
	return job, nil
}

func (b *PostgresBroker) Ack(ctx context.Context, job Job) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+b.table()+` WHERE id = $1`, job.ID)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (b *PostgresBroker) Retry(ctx context.Context, job Job, at time.Time, cause error) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE `+b.table()+`
		    SET available_at = $2, locked_until = NULL, last_error = $3
		  WHERE id = $1`,
		job.ID, at.UTC(), errText(cause),
	)
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (b *PostgresBroker) Fail(ctx context.Context, job Job, cause error) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE `+b.table()+`
		    SET state = 'dead', locked_until = NULL, last_error = $2
		  WHERE id = $1`,
		job.ID, errText(cause),
	)
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeadCount reports dead-lettered jobs.
func (b *PostgresBroker) DeadCount(ctx context.Context) (int64, error) {
	var n int64
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM `+b.table()+` WHERE state = 'dead'`).Scan(&n)
	return n, err
}
