package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/pkg/bot"
)

// WorkerConfig tunes the queue consumer loop.
type WorkerConfig struct {
	// BatchSize is the max items claimed per cycle. Default: 25.
	BatchSize int
	// PollInterval is the idle sleep between cycles. Default: 5s.
	PollInterval time.Duration
	// InflightTimeout is how long an unacknowledged in-flight item stays
	// claimed before the sweep returns it to queued. Default: 60s.
	InflightTimeout time.Duration
	// SweepInterval is how often the reclaim sweep runs. Default: 30s.
	SweepInterval time.Duration
}

func (cfg WorkerConfig) withDefaults() WorkerConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return cfg
}

// Worker drains the notification queue into the bot transport. Delivery
// outcomes are communicated purely through item state transitions, so a
// dead worker strands nothing: the sweep reclaims its in-flight items.
type Worker struct {
	queue     Queue
	transport bot.Transport
	cfg       WorkerConfig
	log       *zap.Logger
}

// NewWorker creates a worker over the given queue and transport.
func NewWorker(q Queue, transport bot.Transport, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:     q,
		transport: transport,
		cfg:       cfg.withDefaults(),
		log:       zap.L().With(zap.String("component", "queue.worker")),
	}
}

// Run blocks until ctx is cancelled, alternating delivery cycles with
// reclaim sweeps.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("starting queue worker",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("inflight_timeout", w.cfg.InflightTimeout),
	)

	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		delivered := w.cycle(ctx)

		var wait time.Duration
		if delivered == 0 {
			wait = w.idleWait(ctx)
		}

		select {
		case <-ctx.Done():
			w.log.Info("queue worker stopped")
			return
		case <-sweep.C:
			w.reclaim(ctx)
		case <-time.After(wait):
		}
	}
}

// cycle claims one batch and attempts delivery for each item. Returns the
// number of items processed.
func (w *Worker) cycle(ctx context.Context) int {
	items, err := w.queue.DequeueBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("dequeue batch failed", zap.Error(err))
		}
		return 0
	}

	for _, item := range items {
		w.deliver(ctx, item)
	}
	return len(items)
}

func (w *Worker) deliver(ctx context.Context, item Item) {
	text := FormatOutcome(item)

	if err := w.transport.Send(ctx, item.Payload.Recipient, text); err != nil {
		w.log.Warn("delivery failed",
			zap.String("item_id", item.ID),
			zap.Int64("prediction_id", item.Payload.PredictionID),
			zap.Int("attempts", item.Attempts+1),
			zap.Error(err),
		)
		if merr := w.queue.MarkFailed(ctx, item.ID, err.Error()); merr != nil {
			w.log.Error("mark failed errored", zap.String("item_id", item.ID), zap.Error(merr))
		}
		return
	}

	if err := w.queue.MarkDelivered(ctx, item.ID); err != nil {
		w.log.Error("mark delivered errored", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	w.log.Info("outcome delivered",
		zap.String("item_id", item.ID),
		zap.Int64("prediction_id", item.Payload.PredictionID),
	)
}

// idleWait returns how long to sleep when nothing was processed: until the
// next due item or the poll interval, whichever is sooner.
func (w *Worker) idleWait(ctx context.Context) time.Duration {
	wait := w.cfg.PollInterval

	next, err := w.queue.NextAttemptAt(ctx)
	if err != nil || next == nil {
		return wait
	}
	if until := time.Until(*next); until > 0 && until < wait {
		wait = until
	}
	return wait
}

func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.queue.ReclaimInFlight(ctx, w.cfg.InflightTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("reclaim sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		w.log.Warn("reclaimed stranded in-flight items", zap.Int("count", n))
	}
}

// FormatOutcome renders the bot message text for a queue item.
func FormatOutcome(item Item) string {
	p := item.Payload
	return fmt.Sprintf("Prediction #%d: %s. %d/%d %s verified, confidence %.2f",
		p.PredictionID, p.Message, p.VerifiedAmount, p.TotalRequired, p.ExerciseType, p.Confidence)
}
