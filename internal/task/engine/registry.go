package engine

import (
	"slices"
	"sync"
)

// Registry maps owner refs to executors.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Executor{}}
}

// Register sets the executor for owner. A nil executor removes it.
func (r *Registry) Register(owner string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exec == nil {
		delete(r.m, owner)
		return
	}
	r.m[owner] = exec
}

func (r *Registry) Unregister(owner string) { r.Register(owner, nil) }

func (r *Registry) Get(owner string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[owner]
	return e, ok
}

// Owners lists registered owners, sorted.
func (r *Registry) Owners() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}
