package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

// Manager tracks the open challenge window per prediction. Windows are
// created on the first status query for a prediction and live in process;
// a finalized window's outcome is already in the durable queue.
type Manager struct {
	mu       sync.Mutex
	windows  map[int64]*Window
	duration time.Duration
}

// NewManager creates a window manager with the configured window duration.
func NewManager(duration time.Duration) *Manager {
	return &Manager{
		windows:  make(map[int64]*Window),
		duration: duration,
	}
}

// Ensure returns the existing window for the prediction or opens a new one
// over the given result.
func (m *Manager) Ensure(predictionID int64, account, recipient, exerciseType string, result *model.AggregationResult, reaggregate Reaggregator) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[predictionID]; ok {
		return w
	}
	w := NewWindow(predictionID, account, recipient, exerciseType, result, m.duration, reaggregate)
	m.windows[predictionID] = w
	return w
}

// Get returns the window for a prediction, or nil.
func (m *Manager) Get(predictionID int64) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[predictionID]
}

// Duration returns the configured challenge period.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// FinalizeDue finalizes every window whose challenge period has elapsed,
// enqueueing each outcome exactly once. Windows still open or disputed are
// skipped. Returns the number of windows finalized on this pass.
func (m *Manager) FinalizeDue(ctx context.Context, sink Sink) int {
	m.mu.Lock()
	windows := make([]*Window, 0, len(m.windows))
	for _, w := range m.windows {
		windows = append(windows, w)
	}
	m.mu.Unlock()

	var finalized int
	for _, w := range windows {
		if w.State() == model.WindowFinalized || w.Remaining() > 0 {
			continue
		}
		if err := w.Finalize(ctx, sink); err != nil {
			continue
		}
		finalized++
	}
	return finalized
}
