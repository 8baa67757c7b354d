package channel

import (
	"sort"
	"sync"
)

// Factory builds the adapter for one kind.
type Factory func(cfg AdapterConfig) (Adapter, error)

// Registry maps channel kinds to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

func NewRegistry() *Registry { return &Registry{factories: make(map[Kind]Factory)} }

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Build constructs the adapter for cfg.Kind.
func (r *Registry) Build(cfg AdapterConfig) (Adapter, error) {
	r.mu.RLock()
	f := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if f == nil {
		return nil, UnknownKindError(cfg.Kind.String())
	}
	return f(cfg)
}

// Kinds lists registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
