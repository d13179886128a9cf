// Package executor maps task kinds to the code that runs them. The scheduler
// only sees domain.Executor; how a kind drives the browser, the OS or a
// sibling service stays here.
package executor

import (
	"sort"
	"sync"

	"github.com/tutu-network/conductor/internal/domain"
)

// Registry resolves executors by task kind. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[domain.TaskKind]domain.Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[domain.TaskKind]domain.Executor)}
}

// Register binds kind to exec, replacing any previous binding.
func (r *Registry) Register(kind domain.TaskKind, exec domain.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = exec
}

// Lookup returns the executor for kind.
func (r *Registry) Lookup(kind domain.TaskKind) (domain.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.kinds[kind]
	return exec, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []domain.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.TaskKind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
