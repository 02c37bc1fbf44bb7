package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/scmbridge/cbsync/internal/types"
)

// Factory builds a transport for one invocation. Factories run lazily, so
// the fallback transport is only constructed when the engine needs it.
type Factory func(ctx context.Context) (Transport, error)

// Registry maps transport kinds to their factories. Each invocation builds
// its own registry; nothing is shared across runs.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.TransportKind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.TransportKind]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind types.TransportKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Get retrieves the factory for kind, or nil.
func (r *Registry) Get(kind types.TransportKind) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[kind]
}

// List returns the registered kinds, sorted.
func (r *Registry) List() []types.TransportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.TransportKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsRegistered reports whether a factory exists for kind.
func (r *Registry) IsRegistered(kind types.TransportKind) bool {
	return r.Get(kind) != nil
}

// New builds the transport registered for kind.
func (r *Registry) New(ctx context.Context, kind types.TransportKind) (Transport, error) {
	factory := r.Get(kind)
	if factory == nil {
		return nil, fmt.Errorf("no %q transport registered (available: %v)", kind, r.List())
	}
	t, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", kind, err)
	}
	return t, nil
}
