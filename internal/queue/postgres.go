package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the queue needs. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresQueue implements Queue on pgxpool for multi-node deployments,
// using SKIP LOCKED so concurrent workers claim disjoint batches.
type PostgresQueue struct {
	pool        Pool
	closeFn     func()
	maxAttempts int
}

// NewPostgres connects a queue to the given database URL.
func NewPostgres(ctx context.Context, connString string, maxAttempts int) (*PostgresQueue, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "queue postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "queue postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "queue postgres: ping")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PostgresQueue{pool: pool, closeFn: pool.Close, maxAttempts: maxAttempts}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool, maxAttempts int) *PostgresQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PostgresQueue{pool: pool, maxAttempts: maxAttempts}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS notifications (
	id              TEXT PRIMARY KEY,
	dedup_key       TEXT NOT NULL,
	payload         JSONB NOT NULL,
	state           TEXT NOT NULL DEFAULT 'queued',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup_active
	ON notifications(dedup_key) WHERE state != 'delivered';
CREATE INDEX IF NOT EXISTS idx_notifications_state ON notifications(state);
CREATE INDEX IF NOT EXISTS idx_notifications_due
	ON notifications(state, next_attempt_at, created_at);
`

func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "queue postgres: migrate")
}

func (q *PostgresQueue) Close() error {
	if q.closeFn != nil {
		q.closeFn()
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, dedupKey string, payload model.OutcomePayload) (string, error) {
	if existing, err := q.findActive(ctx, dedupKey); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "queue postgres: marshal payload")
	}

	tag, err := q.pool.Exec(ctx,
		`INSERT INTO notifications (id, dedup_key, payload, state, attempts, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		 ON CONFLICT (dedup_key) WHERE state != 'delivered' DO NOTHING`,
		id, dedupKey, payloadJSON, string(model.ItemQueued), now, now, now,
	)
	if err != nil {
		return "", eris.Wrap(err, "queue postgres: insert")
	}
	if tag.RowsAffected() == 0 {
		// A concurrent enqueue won the dedup index.
		return q.findActive(ctx, dedupKey)
	}
	return id, nil
}

func (q *PostgresQueue) findActive(ctx context.Context, dedupKey string) (string, error) {
	var id string
	err := q.pool.QueryRow(ctx,
		`SELECT id FROM notifications WHERE dedup_key = $1 AND state != $2 LIMIT 1`,
		dedupKey, string(model.ItemDelivered),
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "queue postgres: find active dedup")
	}
	return id, nil
}

func (q *PostgresQueue) DequeueBatch(ctx context.Context, max int) ([]Item, error) {
	if max <= 0 {
		max = 1
	}
	now := time.Now().UTC()

	rows, err := q.pool.Query(ctx,
		`UPDATE notifications SET state = $1, updated_at = $2
		 WHERE id IN (
			SELECT id FROM notifications
			WHERE state = $3 AND next_attempt_at <= $2
			ORDER BY created_at ASC LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, dedup_key, payload, state, attempts, last_error, next_attempt_at, created_at, updated_at`,
		string(model.ItemInFlight), now, string(model.ItemQueued), max,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue postgres: dequeue")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "queue postgres: dequeue iterate")
}

func (q *PostgresQueue) MarkDelivered(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE notifications SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(model.ItemDelivered), time.Now().UTC(), id, string(model.ItemInFlight),
	)
	if err != nil {
		return eris.Wrapf(err, "queue postgres: mark delivered %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue item not found or not in expected state: %s", id)
	}
	return nil
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id string, cause string) error {
	var attempts int
	err := q.pool.QueryRow(ctx,
		`SELECT attempts FROM notifications WHERE id = $1 AND state = $2`,
		id, string(model.ItemInFlight),
	).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return eris.Errorf("queue item not in flight: %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "queue postgres: load attempts %s", id)
	}

	attempts++
	now := time.Now().UTC()
	state := model.ItemQueued
	nextAttempt := now.Add(nextBackoff(attempts))
	if attempts >= q.maxAttempts {
		state = model.ItemFailed
		nextAttempt = now
	}

	tag, err := q.pool.Exec(ctx,
		`UPDATE notifications SET state = $1, attempts = $2, last_error = $3, next_attempt_at = $4, updated_at = $5
		 WHERE id = $6 AND state = $7`,
		string(state), attempts, cause, nextAttempt, now, id, string(model.ItemInFlight),
	)
	if err != nil {
		return eris.Wrapf(err, "queue postgres: mark failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue item not found or not in expected state: %s", id)
	}
	return nil
}

func (q *PostgresQueue) ReclaimInFlight(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := q.pool.Exec(ctx,
		`UPDATE notifications SET state = $1, next_attempt_at = $2, updated_at = $2
		 WHERE state = $3 AND updated_at <= $4`,
		string(model.ItemQueued), now, string(model.ItemInFlight), now.Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue postgres: reclaim in flight")
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) RetryFailed(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	tag, err := q.pool.Exec(ctx,
		`UPDATE notifications SET state = $1, attempts = 0, next_attempt_at = $2, updated_at = $2
		 WHERE state = $3`,
		string(model.ItemQueued), now, string(model.ItemFailed),
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue postgres: retry failed")
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) NextAttemptAt(ctx context.Context) (*time.Time, error) {
	var next *time.Time
	err := q.pool.QueryRow(ctx,
		`SELECT MIN(next_attempt_at) FROM notifications WHERE state = $1`,
		string(model.ItemQueued),
	).Scan(&next)
	if err != nil && err != pgx.ErrNoRows {
		return nil, eris.Wrap(err, "queue postgres: next attempt")
	}
	return next, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	rows, err := q.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM notifications GROUP BY state`)
	if err != nil {
		return stats, eris.Wrap(err, "queue postgres: stats")
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, eris.Wrap(err, "queue postgres: scan stats")
		}
		applyStateCount(&stats, model.ItemState(state), count)
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "queue postgres: stats iterate")
	}

	var oldest *time.Time
	err = q.pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM notifications WHERE state = $1`,
		string(model.ItemQueued),
	).Scan(&oldest)
	if err != nil && err != pgx.ErrNoRows {
		return stats, eris.Wrap(err, "queue postgres: oldest queued")
	}
	if oldest != nil {
		stats.OldestQueuedAge = time.Since(*oldest).Seconds()
	}

	return stats, nil
}

func scanPgItem(rows pgx.Rows) (*Item, error) {
	var it Item
	var payloadJSON []byte
	var state string
	var lastErr *string

	err := rows.Scan(&it.ID, &it.DedupKey, &payloadJSON, &state, &it.Attempts,
		&lastErr, &it.NextAttemptAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "queue postgres: scan item")
	}

	it.State = model.ItemState(state)
	if lastErr != nil {
		it.LastError = *lastErr
	}
	if err := json.Unmarshal(payloadJSON, &it.Payload); err != nil {
		return nil, eris.Wrap(err, "queue postgres: unmarshal payload")
	}
	return &it, nil
}
