package pipeline

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds a fresh, uninitialized processor.
type Factory func() Processor

// Registry maps processor names to factories. The host registers what it
// ships at startup; nothing is discovered implicitly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds a new processor registered under name.
func (r *Registry) Get(name string) (Processor, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pipeline processor %q", name)
	}
	return f(), nil
}

// Names lists registered processors in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
