package deliverylog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the delivery log table. Applied on startup; the statement
// is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS delivery_log (
    id          UUID PRIMARY KEY,
    message_id  TEXT NOT NULL,
    sender      TEXT NOT NULL,
    recipients  TEXT[] NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS delivery_log_message_id_idx ON delivery_log (message_id);
CREATE INDEX IF NOT EXISTS delivery_log_sender_idx ON delivery_log (sender, created_at);
`

const insertEntry = `
INSERT INTO delivery_log (id, message_id, sender, recipients, status, error, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// PGRecorder persists delivery entries in PostgreSQL via a pgx pool.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder connects to the database, applies the schema and returns a
// ready Recorder.
func NewPGRecorder(ctx context.Context, databaseURL string, connectTimeout time.Duration) (*PGRecorder, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("deliverylog: parse database URL: %w", err)
	}

	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("deliverylog: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("deliverylog: ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("deliverylog: apply schema: %w", err)
	}

	return &PGRecorder{pool: pool}, nil
}

// Record inserts one delivery entry.
func (r *PGRecorder) Record(ctx context.Context, e Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.pool.Exec(ctx, insertEntry,
		uuid.New(),
		e.MessageID,
		e.Sender,
		e.Recipients,
		string(e.Status),
		e.Error,
		e.Duration.Milliseconds(),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("deliverylog: insert entry: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *PGRecorder) Close() {
	r.pool.Close()
}
