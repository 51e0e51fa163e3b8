// Package verifier defines the evidence-source capability and the registry
// that maps exercise types to their registered sources.
package verifier

import (
	"context"
	"sync"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

// Verifier queries one evidence source for an account's recorded activity of
// a given exercise type. Implementations wrap a chain indexer, fitness data
// provider, or any other attestation backend.
type Verifier interface {
	// Name returns the source identifier recorded on produced evidence.
	Name() string
	// Weight returns the source trust weight in (0,1].
	Weight() float64
	// Verify returns the source's evidence for the account. A nil evidence
	// with nil error means the source has no record for the account.
	Verify(ctx context.Context, account, exerciseType string) (*model.Evidence, error)
}

// Registry maps exercise types to their ordered evidence sources.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string][]Verifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[string][]Verifier)}
}

// Register appends a verifier for the exercise type. Registration order is
// preserved; it determines proof ordering only when timestamps tie.
func (r *Registry) Register(exerciseType string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[exerciseType] = append(r.verifiers[exerciseType], v)
}

// For returns the verifiers registered for the exercise type.
func (r *Registry) For(exerciseType string) []Verifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := r.verifiers[exerciseType]
	out := make([]Verifier, len(vs))
	copy(out, vs)
	return out
}

// Types returns all exercise types with at least one registered verifier.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.verifiers))
	for t := range r.verifiers {
		types = append(types, t)
	}
	return types
}
