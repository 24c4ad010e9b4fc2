package analytic

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrUnknown is returned for names nothing was registered under.
var ErrUnknown = errors.New("unknown analytic")

// Registry holds the analytics a process can run. Analytics are shared
// across runs and must be safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	analytics map[string]Analytic
}

func NewRegistry() *Registry {
	return &Registry{analytics: make(map[string]Analytic)}
}

func (r *Registry) Register(name string, a Analytic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analytics[name] = a
}

func (r *Registry) Get(name string) (Analytic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analytics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.analytics))
}

// Describe returns the name and description of a registered analytic.
func (r *Registry) Describe(name string) (map[string]any, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "description": a.Description()}, nil
}
