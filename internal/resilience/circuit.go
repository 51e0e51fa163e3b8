package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately after repeated failures.
	BreakerOpen
	// BreakerHalfOpen allows a single probe call to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected because the breaker is
// open. The aggregator treats it like any other source failure: zero
// evidence, never a fatal error.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 3. A chain endpoint that fails three calls in a row is down.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip overrides which errors count toward the threshold. If nil,
	// every error counts.
	ShouldTrip func(err error) bool
}

// Breaker guards a single evidence source or the bot endpoint so a dead
// dependency fails fast instead of consuming the per-verifier timeout on
// every aggregation.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailedAt time.Time

	now func() time.Time // injectable for testing
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (b *Breaker) WithNow(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Execute runs fn through the breaker, returning ErrBreakerOpen when the
// circuit rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailedAt) >= b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			return nil // probe
		}
		return ErrBreakerOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := err != nil
	if trips && b.cfg.ShouldTrip != nil {
		trips = b.cfg.ShouldTrip(err)
	}

	if !trips {
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailedAt = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
	}
}

// SourceBreakers manages one breaker per named evidence source.
type SourceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewSourceBreakers creates a registry of per-source breakers.
func NewSourceBreakers(cfg BreakerConfig) *SourceBreakers {
	return &SourceBreakers{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for the named source, creating one if needed.
func (sb *SourceBreakers) Get(source string) *Breaker {
	sb.mu.RLock()
	b, ok := sb.breakers[source]
	sb.mu.RUnlock()
	if ok {
		return b
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if b, ok = sb.breakers[source]; ok {
		return b
	}
	b = NewBreaker(sb.cfg)
	sb.breakers[source] = b
	return b
}

// States returns a snapshot of all breaker states by source name.
func (sb *SourceBreakers) States() map[string]BreakerState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]BreakerState, len(sb.breakers))
	for name, b := range sb.breakers {
		states[name] = b.State()
	}
	return states
}
