package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

func init() {
	// Replace global logger with a no-op to avoid noise in test output.
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockQueue(t *testing.T, maxAttempts int) (*PostgresQueue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock, maxAttempts), mock
}

func TestPostgresQueue_Migrate(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS notifications").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, q.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_EnqueueInserts(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectQuery("SELECT id FROM notifications WHERE dedup_key").
		WithArgs("outcome:1", string(model.ItemDelivered)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(pgxmock.AnyArg(), "outcome:1", pgxmock.AnyArg(), string(model.ItemQueued),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := q.Enqueue(context.Background(), "outcome:1", outcome(1))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_EnqueueReturnsActiveDuplicate(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectQuery("SELECT id FROM notifications WHERE dedup_key").
		WithArgs("outcome:1", string(model.ItemDelivered)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := q.Enqueue(context.Background(), "outcome:1", outcome(1))
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_EnqueueLosesInsertRace(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectQuery("SELECT id FROM notifications WHERE dedup_key").
		WithArgs("outcome:1", string(model.ItemDelivered)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	// ON CONFLICT DO NOTHING swallowed the insert.
	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(pgxmock.AnyArg(), "outcome:1", pgxmock.AnyArg(), string(model.ItemQueued),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id FROM notifications WHERE dedup_key").
		WithArgs("outcome:1", string(model.ItemDelivered)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("winner-id"))

	id, err := q.Enqueue(context.Background(), "outcome:1", outcome(1))
	require.NoError(t, err)
	assert.Equal(t, "winner-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_DequeueBatch(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	now := time.Now().UTC()
	payload, err := json.Marshal(outcome(1))
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE notifications SET state").
		WithArgs(string(model.ItemInFlight), pgxmock.AnyArg(), string(model.ItemQueued), 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "dedup_key", "payload", "state", "attempts", "last_error",
			"next_attempt_at", "created_at", "updated_at",
		}).AddRow("item-1", "outcome:1", payload, string(model.ItemInFlight), 0, (*string)(nil), now, now, now))

	items, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, model.ItemInFlight, items[0].State)
	assert.Equal(t, int64(1), items[0].Payload.PredictionID)
	assert.Empty(t, items[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_MarkDelivered(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectExec("UPDATE notifications SET state").
		WithArgs(string(model.ItemDelivered), pgxmock.AnyArg(), "item-1", string(model.ItemInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.MarkDelivered(context.Background(), "item-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_MarkDeliveredWrongState(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectExec("UPDATE notifications SET state").
		WithArgs(string(model.ItemDelivered), pgxmock.AnyArg(), "item-1", string(model.ItemInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.Error(t, q.MarkDelivered(context.Background(), "item-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_MarkFailedRequeues(t *testing.T) {
	q, mock := newMockQueue(t, 5)

	mock.ExpectQuery("SELECT attempts FROM notifications").
		WithArgs("item-1", string(model.ItemInFlight)).
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec("UPDATE notifications SET state").
		WithArgs(string(model.ItemQueued), 2, "webhook timeout", pgxmock.AnyArg(),
			pgxmock.AnyArg(), "item-1", string(model.ItemInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.MarkFailed(context.Background(), "item-1", "webhook timeout"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_MarkFailedGoesTerminal(t *testing.T) {
	q, mock := newMockQueue(t, 3)

	mock.ExpectQuery("SELECT attempts FROM notifications").
		WithArgs("item-1", string(model.ItemInFlight)).
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectExec("UPDATE notifications SET state").
		WithArgs(string(model.ItemFailed), 3, "still down", pgxmock.AnyArg(),
			pgxmock.AnyArg(), "item-1", string(model.ItemInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.MarkFailed(context.Background(), "item-1", "still down"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_ReclaimInFlight(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectExec("UPDATE notifications SET state").
		WithArgs(string(model.ItemQueued), pgxmock.AnyArg(), string(model.ItemInFlight), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := q.ReclaimInFlight(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_RetryFailed(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	mock.ExpectExec("UPDATE notifications SET state").
		WithArgs(string(model.ItemQueued), pgxmock.AnyArg(), string(model.ItemFailed)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := q.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_NextAttemptAt(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	next := time.Now().UTC().Add(30 * time.Second)
	mock.ExpectQuery("SELECT MIN").
		WithArgs(string(model.ItemQueued)).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(&next))

	got, err := q.NextAttemptAt(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, next, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Stats(t *testing.T) {
	q, mock := newMockQueue(t, 0)

	oldest := time.Now().UTC().Add(-time.Minute)
	mock.ExpectQuery("SELECT state, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow(string(model.ItemQueued), 4).
			AddRow(string(model.ItemDelivered), 10).
			AddRow(string(model.ItemFailed), 1))
	mock.ExpectQuery("SELECT MIN").
		WithArgs(string(model.ItemQueued)).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(&oldest))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Queued)
	assert.Equal(t, 10, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.InFlight)
	assert.InDelta(t, 60, stats.OldestQueuedAge, 5)
	assert.NoError(t, mock.ExpectationsWereMet())
}
