// Package queue implements the durable at-least-once notification queue
// and the worker that drains it to the bot transport.
package queue

import (
	"context"
	"time"

	"github.com/pledgeproof/verifier-cli/internal/model"
	"github.com/pledgeproof/verifier-cli/internal/resilience"
)

// DefaultMaxAttempts is the delivery attempt ceiling before an item goes
// terminal Failed.
const DefaultMaxAttempts = 5

// maxBackoff caps the between-attempt delay.
const maxBackoff = 5 * time.Minute

// Item is one notification awaiting delivery.
type Item struct {
	ID            string               `json:"id"`
	DedupKey      string               `json:"dedup_key"`
	Payload       model.OutcomePayload `json:"payload"`
	State         model.ItemState      `json:"state"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
	NextAttemptAt time.Time            `json:"next_attempt_at"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Stats is a point-in-time view of queue health.
type Stats struct {
	Queued          int     `json:"queued"`
	InFlight        int     `json:"in_flight"`
	Delivered       int     `json:"delivered"`
	Failed          int     `json:"failed"`
	OldestQueuedAge float64 `json:"oldest_queued_age_secs"`
}

// Queue is the durable notification queue. State transitions are atomic per
// item so concurrent workers never deliver the same item twice.
type Queue interface {
	// Enqueue inserts a new queued item, unless an item with the same dedup
	// key already exists in a non-delivered state, in which case the
	// existing item's id is returned and the queue is unchanged.
	Enqueue(ctx context.Context, dedupKey string, payload model.OutcomePayload) (string, error)

	// DequeueBatch atomically claims up to max due queued items, oldest
	// first, transitioning them to in-flight.
	DequeueBatch(ctx context.Context, max int) ([]Item, error)

	// MarkDelivered transitions an in-flight item to the terminal
	// delivered state.
	MarkDelivered(ctx context.Context, id string) error

	// MarkFailed records a delivery failure: the item returns to queued
	// with exponential backoff until the attempt ceiling, then goes
	// terminal failed.
	MarkFailed(ctx context.Context, id string, cause string) error

	// ReclaimInFlight returns in-flight items older than the cutoff to the
	// queued state, so a worker that died mid-delivery never strands them.
	ReclaimInFlight(ctx context.Context, olderThan time.Duration) (int, error)

	// RetryFailed re-queues terminal failed items with a reset attempt
	// counter. Operator action.
	RetryFailed(ctx context.Context) (int, error)

	// NextAttemptAt returns the earliest next_attempt_at among queued
	// items, or nil when the queue is empty. The worker uses it to sleep
	// no longer than the next due item.
	NextAttemptAt(ctx context.Context) (*time.Time, error)

	// Stats returns per-state counts and the age of the oldest queued item.
	Stats(ctx context.Context) (Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// nextBackoff computes the delay before the given attempt count retries:
// 2^attempts seconds with jitter, capped at five minutes.
func nextBackoff(attempts int) time.Duration {
	return resilience.Backoff(attempts, time.Second, maxBackoff, 0.25)
}
