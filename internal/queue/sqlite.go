package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

// SQLiteQueue implements Queue using modernc.org/sqlite. It is the default
// backend for single-node deployments.
type SQLiteQueue struct {
	db          *sql.DB
	maxAttempts int
}

// NewSQLite opens the queue database at the given path and configures WAL
// mode. maxAttempts <= 0 selects the default ceiling.
func NewSQLite(dsn string, maxAttempts int) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "queue sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "queue sqlite: exec %s", pragma)
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &SQLiteQueue{db: db, maxAttempts: maxAttempts}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS notifications (
	id              TEXT PRIMARY KEY,
	dedup_key       TEXT NOT NULL,
	payload         TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'queued',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	next_attempt_at DATETIME NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup_active
	ON notifications(dedup_key) WHERE state != 'delivered';
CREATE INDEX IF NOT EXISTS idx_notifications_state ON notifications(state);
CREATE INDEX IF NOT EXISTS idx_notifications_due
	ON notifications(state, next_attempt_at, created_at);
`

func (q *SQLiteQueue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "queue sqlite: migrate")
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, dedupKey string, payload model.OutcomePayload) (string, error) {
	if existing, err := q.findActive(ctx, dedupKey); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "queue sqlite: marshal payload")
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO notifications (id, dedup_key, payload, state, attempts, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, dedupKey, string(payloadJSON), string(model.ItemQueued), now, now, now,
	)
	if err != nil {
		// A concurrent enqueue can win the unique dedup index; return the
		// winner's id.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if existing, ferr := q.findActive(ctx, dedupKey); ferr == nil && existing != "" {
				return existing, nil
			}
		}
		return "", eris.Wrap(err, "queue sqlite: insert")
	}
	return id, nil
}

func (q *SQLiteQueue) findActive(ctx context.Context, dedupKey string) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx,
		`SELECT id FROM notifications WHERE dedup_key = ? AND state != ? LIMIT 1`,
		dedupKey, string(model.ItemDelivered),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "queue sqlite: find active dedup")
	}
	return id, nil
}

func (q *SQLiteQueue) DequeueBatch(ctx context.Context, max int) ([]Item, error) {
	if max <= 0 {
		max = 1
	}
	now := time.Now().UTC()

	rows, err := q.db.QueryContext(ctx,
		`UPDATE notifications SET state = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM notifications
			WHERE state = ? AND next_attempt_at <= ?
			ORDER BY created_at ASC LIMIT ?
		 )
		 RETURNING id, dedup_key, payload, state, attempts, last_error, next_attempt_at, created_at, updated_at`,
		string(model.ItemInFlight), now, string(model.ItemQueued), now, max,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue sqlite: dequeue")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "queue sqlite: dequeue iterate")
}

func (q *SQLiteQueue) MarkDelivered(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE notifications SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(model.ItemDelivered), time.Now().UTC(), id, string(model.ItemInFlight),
	)
	if err != nil {
		return eris.Wrapf(err, "queue sqlite: mark delivered %s", id)
	}
	return checkRowsAffected(res, id)
}

func (q *SQLiteQueue) MarkFailed(ctx context.Context, id string, cause string) error {
	var attempts int
	err := q.db.QueryRowContext(ctx,
		`SELECT attempts FROM notifications WHERE id = ? AND state = ?`,
		id, string(model.ItemInFlight),
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return eris.Errorf("queue item not in flight: %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "queue sqlite: load attempts %s", id)
	}

	attempts++
	now := time.Now().UTC()
	state := model.ItemQueued
	nextAttempt := now.Add(nextBackoff(attempts))
	if attempts >= q.maxAttempts {
		state = model.ItemFailed
		nextAttempt = now
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE notifications SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(state), attempts, cause, nextAttempt, now, id, string(model.ItemInFlight),
	)
	if err != nil {
		return eris.Wrapf(err, "queue sqlite: mark failed %s", id)
	}
	return checkRowsAffected(res, id)
}

func (q *SQLiteQueue) ReclaimInFlight(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	res, err := q.db.ExecContext(ctx,
		`UPDATE notifications SET state = ?, next_attempt_at = ?, updated_at = ?
		 WHERE state = ? AND updated_at <= ?`,
		string(model.ItemQueued), now, now, string(model.ItemInFlight), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue sqlite: reclaim in flight")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "queue sqlite: rows affected")
}

func (q *SQLiteQueue) RetryFailed(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE notifications SET state = ?, attempts = 0, next_attempt_at = ?, updated_at = ?
		 WHERE state = ?`,
		string(model.ItemQueued), now, now, string(model.ItemFailed),
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue sqlite: retry failed")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "queue sqlite: rows affected")
}

func (q *SQLiteQueue) NextAttemptAt(ctx context.Context) (*time.Time, error) {
	var next sql.NullTime
	err := q.db.QueryRowContext(ctx,
		`SELECT next_attempt_at FROM notifications WHERE state = ? ORDER BY next_attempt_at ASC LIMIT 1`,
		string(model.ItemQueued),
	).Scan(&next)
	if err != nil && err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "queue sqlite: next attempt")
	}
	if !next.Valid {
		return nil, nil
	}
	t := next.Time
	return &t, nil
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM notifications GROUP BY state`)
	if err != nil {
		return stats, eris.Wrap(err, "queue sqlite: stats")
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, eris.Wrap(err, "queue sqlite: scan stats")
		}
		applyStateCount(&stats, model.ItemState(state), count)
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "queue sqlite: stats iterate")
	}

	var oldest sql.NullTime
	err = q.db.QueryRowContext(ctx,
		`SELECT created_at FROM notifications WHERE state = ? ORDER BY created_at ASC LIMIT 1`,
		string(model.ItemQueued),
	).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return stats, eris.Wrap(err, "queue sqlite: oldest queued")
	}
	if oldest.Valid {
		stats.OldestQueuedAge = time.Since(oldest.Time).Seconds()
	}

	return stats, nil
}

// helpers shared by both backends

func applyStateCount(stats *Stats, state model.ItemState, count int) {
	switch state {
	case model.ItemQueued:
		stats.Queued = count
	case model.ItemInFlight:
		stats.InFlight = count
	case model.ItemDelivered:
		stats.Delivered = count
	case model.ItemFailed:
		stats.Failed = count
	}
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("queue item not found or not in expected state: %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*Item, error) {
	var it Item
	var payloadJSON string
	var state string
	var lastErr sql.NullString

	err := row.Scan(&it.ID, &it.DedupKey, &payloadJSON, &state, &it.Attempts,
		&lastErr, &it.NextAttemptAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "queue: scan item")
	}

	it.State = model.ItemState(state)
	if lastErr.Valid {
		it.LastError = lastErr.String
	}
	if err := json.Unmarshal([]byte(payloadJSON), &it.Payload); err != nil {
		return nil, eris.Wrap(err, "queue: unmarshal payload")
	}
	return &it, nil
}
