// Package aggregate merges evidence from all registered sources into a
// single verification result.
package aggregate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pledgeproof/verifier-cli/internal/model"
	"github.com/pledgeproof/verifier-cli/internal/verifier"
)

// ErrNoVerifiers is returned when an exercise type has no registered
// evidence source. It is the only fatal aggregation error; individual
// source failures are absorbed as zero evidence.
var ErrNoVerifiers = eris.New("no verifiers registered for exercise type")

// ErrInvalidAmount is returned for a non-positive required amount.
var ErrInvalidAmount = eris.New("required amount must be positive")

// gatherGrace is how long the gather waits past the per-verifier timeout
// before dropping stragglers, so a source finishing exactly at its deadline
// still lands.
const gatherGrace = 100 * time.Millisecond

// Aggregator fans out to every verifier registered for an exercise type and
// merges their evidence into an AggregationResult.
type Aggregator struct {
	registry *verifier.Registry
	timeout  time.Duration
	now      func() time.Time // injectable for testing
}

// New creates an aggregator. timeout bounds each individual verifier call;
// zero means the 5s default.
func New(registry *verifier.Registry, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{registry: registry, timeout: timeout, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (a *Aggregator) WithNow(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Aggregate queries all sources for the exercise type concurrently, each
// under an independent timeout. A source that errors or times out
// contributes zero evidence rather than failing the call.
func (a *Aggregator) Aggregate(ctx context.Context, account, exerciseType string, requiredAmount uint64) (*model.AggregationResult, error) {
	if requiredAmount == 0 {
		return nil, ErrInvalidAmount
	}

	verifiers := a.registry.For(exerciseType)
	if len(verifiers) == 0 {
		return nil, eris.Wrapf(ErrNoVerifiers, "exercise type %q", exerciseType)
	}

	var mu sync.Mutex
	evidence := make([]model.Evidence, 0, len(verifiers))

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range verifiers {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			ev, err := v.Verify(vctx, account, exerciseType)
			if err != nil {
				// Partial source failure is tolerated; the slot simply
				// contributes nothing.
				zap.L().Warn("verifier failed",
					zap.String("source", v.Name()),
					zap.String("account", account),
					zap.String("exercise_type", exerciseType),
					zap.Error(err),
				)
				return nil
			}
			if ev == nil {
				return nil
			}

			mu.Lock()
			evidence = append(evidence, *ev)
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only orders the collection phase.
	// The gather itself is deadline-bounded so a verifier that ignores its
	// ctx cannot stall aggregation: stragglers are dropped at the timeout
	// and whatever evidence landed by then is used.
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	gather := time.NewTimer(a.timeout + gatherGrace)
	defer gather.Stop()
	select {
	case <-done:
	case <-gather.C:
		zap.L().Warn("dropping straggler verifiers at timeout",
			zap.String("account", account),
			zap.String("exercise_type", exerciseType),
			zap.Duration("timeout", a.timeout),
		)
	case <-ctx.Done():
	}

	mu.Lock()
	collected := make([]model.Evidence, len(evidence))
	copy(collected, evidence)
	mu.Unlock()

	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].TimestampObserved.Before(collected[j].TimestampObserved)
	})

	var confidence float64
	var total uint64
	for _, ev := range collected {
		confidence += float64(ev.AmountObserved) / float64(requiredAmount) * ev.Weight
		total += ev.AmountObserved
	}
	if confidence > 1 {
		confidence = 1
	}

	verified := total
	if verified > requiredAmount {
		verified = requiredAmount
	}

	return &model.AggregationResult{
		Confidence:     confidence,
		VerifiedAmount: verified,
		TotalRequired:  requiredAmount,
		Message:        model.MessageForConfidence(confidence),
		Proof:          collected,
		ComputedAt:     a.now().UTC(),
	}, nil
}
