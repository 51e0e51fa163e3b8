// Package challenge wraps an aggregation result in a timed dispute window
// before its outcome is treated as final.
package challenge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

// materialityEpsilon is the verified-amount delta below which a dispute is
// recorded but does not trigger re-aggregation.
const materialityEpsilon = 1

// ErrNotChallengeable is returned when a dispute arrives outside the window.
var ErrNotChallengeable = eris.New("window is not accepting disputes")

// ErrWindowOpen is returned when Finalize is called before the window ends.
var ErrWindowOpen = eris.New("challenge window still open")

// ErrDisputePending is returned when Finalize is called while a dispute's
// re-evaluation is unresolved.
var ErrDisputePending = eris.New("dispute re-evaluation pending")

// Reaggregator recomputes the result from scratch after a material dispute.
// Prior evidence is discarded, not merged.
type Reaggregator func(ctx context.Context) (*model.AggregationResult, error)

// Sink receives the finalized outcome for asynchronous delivery.
type Sink interface {
	Enqueue(ctx context.Context, dedupKey string, payload model.OutcomePayload) (string, error)
}

// Window is the dispute/finalization state machine around one aggregation
// result. It is challengeable from creation until its duration elapses; a
// single material dispute may re-open it once with a fresh result.
type Window struct {
	mu sync.Mutex

	predictionID int64
	account      string
	recipient    string
	exerciseType string

	result   *model.AggregationResult
	opensAt  time.Time
	duration time.Duration
	state    model.WindowState
	disputes []model.Dispute
	reopened bool
	enqueued bool

	reaggregate Reaggregator
	now         func() time.Time // injectable for testing
}

// NewWindow opens a challenge window over the given result. The window is
// challengeable immediately; the whole window is the challenge period.
func NewWindow(predictionID int64, account, recipient, exerciseType string, result *model.AggregationResult, duration time.Duration, reaggregate Reaggregator) *Window {
	w := &Window{
		predictionID: predictionID,
		account:      account,
		recipient:    recipient,
		exerciseType: exerciseType,
		result:       result,
		duration:     duration,
		state:        model.WindowChallengeable,
		reaggregate:  reaggregate,
		now:          time.Now,
	}
	w.opensAt = w.now().UTC()
	return w
}

// WithNow sets a fixed clock for testing.
func (w *Window) WithNow(now func() time.Time) *Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	w.opensAt = now().UTC()
	return w
}

// State returns the current window state.
func (w *Window) State() model.WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Result returns the current aggregation result.
func (w *Window) Result() *model.AggregationResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Disputes returns the recorded disputes.
func (w *Window) Disputes() []model.Dispute {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.Dispute, len(w.disputes))
	copy(out, w.disputes)
	return out
}

// EndsAt returns when the challenge period closes.
func (w *Window) EndsAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opensAt.Add(w.duration)
}

// Remaining returns the time left in the challenge period, recomputed
// lazily on each read. Never negative.
func (w *Window) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remainingLocked()
}

func (w *Window) remainingLocked() time.Duration {
	rem := w.opensAt.Add(w.duration).Sub(w.now())
	if rem < 0 {
		return 0
	}
	return rem
}

// SubmitDispute records dispute evidence. Disputes are accepted only while
// the window is challengeable and time remains. A dispute whose evidence
// would move the verified amount beyond a small epsilon transitions the
// window to disputed and triggers exactly one re-aggregation, after which
// the window re-opens with the fresh result. A second material dispute
// after the re-open is recorded but does not re-open again.
func (w *Window) SubmitDispute(ctx context.Context, ev model.Evidence) (*model.Dispute, error) {
	w.mu.Lock()

	if w.state != model.WindowChallengeable || w.remainingLocked() == 0 {
		w.mu.Unlock()
		return nil, ErrNotChallengeable
	}

	material := w.isMaterialLocked(ev)
	d := model.Dispute{
		ID:          uuid.New().String(),
		Evidence:    ev,
		Material:    material,
		SubmittedAt: w.now().UTC(),
	}
	w.disputes = append(w.disputes, d)

	if !material || w.reopened {
		w.mu.Unlock()
		return &d, nil
	}

	// One re-open cycle only.
	w.state = model.WindowDisputed
	w.reopened = true
	w.mu.Unlock()

	zap.L().Info("material dispute, re-aggregating",
		zap.Int64("prediction_id", w.predictionID),
		zap.String("source", ev.SourceID),
	)

	fresh, err := w.reaggregate(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		// Stay disputed; Finalize is blocked until a later re-evaluation
		// succeeds via Reevaluate.
		zap.L().Error("dispute re-aggregation failed",
			zap.Int64("prediction_id", w.predictionID),
			zap.Error(err),
		)
		return &d, nil
	}
	w.result = fresh
	w.opensAt = w.now().UTC()
	w.state = model.WindowChallengeable
	return &d, nil
}

// isMaterialLocked checks whether the dispute evidence would change the
// verified amount beyond the epsilon.
func (w *Window) isMaterialLocked(ev model.Evidence) bool {
	claimed := ev.AmountObserved
	if claimed > w.result.TotalRequired {
		claimed = w.result.TotalRequired
	}
	delta := int64(claimed) - int64(w.result.VerifiedAmount)
	if delta < 0 {
		delta = -delta
	}
	return delta > materialityEpsilon
}

// Reevaluate retries the re-aggregation for a window stuck in the disputed
// state after a failed recompute.
func (w *Window) Reevaluate(ctx context.Context) error {
	w.mu.Lock()
	if w.state != model.WindowDisputed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	fresh, err := w.reaggregate(ctx)
	if err != nil {
		return eris.Wrap(err, "challenge: re-aggregate")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != model.WindowDisputed {
		return nil
	}
	w.result = fresh
	w.opensAt = w.now().UTC()
	w.state = model.WindowChallengeable
	return nil
}

// Finalize closes the window and enqueues the outcome for delivery. Valid
// only once the challenge period has fully elapsed and no dispute is
// pending. Repeated calls are idempotent; the outcome is enqueued once.
func (w *Window) Finalize(ctx context.Context, sink Sink) error {
	w.mu.Lock()

	switch {
	case w.state == model.WindowFinalized:
		w.mu.Unlock()
		return nil
	case w.state == model.WindowDisputed:
		w.mu.Unlock()
		return ErrDisputePending
	case w.remainingLocked() > 0:
		w.mu.Unlock()
		return ErrWindowOpen
	}

	w.state = model.WindowFinalized
	alreadyEnqueued := w.enqueued
	w.enqueued = true
	payload := model.OutcomePayload{
		PredictionID:   w.predictionID,
		Recipient:      w.recipient,
		ExerciseType:   w.exerciseType,
		Confidence:     w.result.Confidence,
		VerifiedAmount: w.result.VerifiedAmount,
		TotalRequired:  w.result.TotalRequired,
		Message:        w.result.Message,
	}
	w.mu.Unlock()

	if alreadyEnqueued {
		return nil
	}

	dedupKey := fmt.Sprintf("outcome:%d", w.predictionID)
	if _, err := sink.Enqueue(ctx, dedupKey, payload); err != nil {
		// Roll back so a later Finalize can retry the enqueue.
		w.mu.Lock()
		w.enqueued = false
		w.state = model.WindowChallengeable
		w.mu.Unlock()
		return eris.Wrap(err, "challenge: enqueue outcome")
	}
	return nil
}
