package engine

import (
	"fmt"
	"sort"
	"sync"
)

// BackendRegistry maps backend kinds to factories and declared priorities.
// It is populated at startup; lookups of an unregistered kind are fatal.
type BackendRegistry struct {
	mu      sync.RWMutex
	entries map[BackendKind]backendEntry
}

type backendEntry struct {
	factory  BackendFactory
	priority int
}

// NewBackendRegistry creates an empty registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{entries: make(map[BackendKind]backendEntry)}
}

// Register adds a factory. Lower priority values commit first.
func (r *BackendRegistry) Register(kind BackendKind, priority int, factory BackendFactory) error {
	if err := kind.Validate(); err != nil {
		return NewPermanentError("cannot register backend", err).WithCode(ErrCodeValidation)
	}
	if factory == nil {
		return NewPermanentError(fmt.Sprintf("backend %s has no factory", kind), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[kind]; exists {
		return NewPermanentError(fmt.Sprintf("backend %s is already registered", kind), nil).
			WithCode(ErrCodeValidation)
	}
	r.entries[kind] = backendEntry{factory: factory, priority: priority}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *BackendRegistry) MustRegister(kind BackendKind, priority int, factory BackendFactory) {
	if err := r.Register(kind, priority, factory); err != nil {
		panic(err)
	}
}

// SetPriorities reassigns priorities from an ordered list; kinds not listed
// keep their registered priority but sort after listed ones.
func (r *BackendRegistry) SetPriorities(order []BackendKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	listed := make(map[BackendKind]bool, len(order))
	for i, kind := range order {
		if e, ok := r.entries[kind]; ok {
			e.priority = i
			r.entries[kind] = e
			listed[kind] = true
		}
	}
	for kind, e := range r.entries {
		if !listed[kind] {
			e.priority += len(order)
			r.entries[kind] = e
		}
	}
}

// Lookup returns the factory for kind.
func (r *BackendRegistry) Lookup(kind BackendKind) (BackendFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no backend registered for %q", kind), nil).
			WithCode(ErrCodeBackendUnregistered).
			WithDetail("backend", string(kind))
	}
	return e.factory, nil
}

// Priority returns the declared priority of kind and whether it is registered.
func (r *BackendRegistry) Priority(kind BackendKind) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e.priority, ok
}

// Kinds returns the registered kinds in priority order.
func (r *BackendRegistry) Kinds() []BackendKind {
	r.mu.RLock()
	kinds := make([]BackendKind, 0, len(r.entries))
	for kind := range r.entries {
		kinds = append(kinds, kind)
	}
	r.mu.RUnlock()
	r.sortByPriority(kinds)
	return kinds
}

func (r *BackendRegistry) sortByPriority(kinds []BackendKind) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sort.SliceStable(kinds, func(i, j int) bool {
		pi, pj := r.entries[kinds[i]].priority, r.entries[kinds[j]].priority
		if pi != pj {
			return pi < pj
		}
		return kinds[i] < kinds[j]
	})
}
