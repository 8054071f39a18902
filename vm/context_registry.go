package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ContextRegistry tracks every live context in a runtime. Ids are handed
// out from a dense counter and never reused.
type ContextRegistry struct {
	mu       sync.RWMutex
	contexts map[ContextID]*Context
	nextID   atomic.Uint64
}

// NewContextRegistry returns an empty registry. Id 0 is reserved as "no
// context"; the first context gets id 1.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{
		contexts: make(map[ContextID]*Context),
	}
}

// create builds and registers a new context for rt.
func (r *ContextRegistry) create(rt *Runtime, opts ContextOptions) *Context {
	c := newContext(r.reserve(), rt, opts)
	r.insert(c)
	return c
}

// reserve hands out a fresh context id without registering anything.
// Restore builds its context fully before making it visible.
func (r *ContextRegistry) reserve() ContextID {
	return ContextID(r.nextID.Add(1))
}

// insert registers a fully built context.
func (r *ContextRegistry) insert(c *Context) {
	r.mu.Lock()
	r.contexts[c.id] = c
	r.mu.Unlock()
}

// Get returns a live context by id.
func (r *ContextRegistry) Get(id ContextID) (*Context, error) {
	r.mu.RLock()
	c, ok := r.contexts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrContextNotFound, id)
	}
	return c, nil
}

// remove drops a context from the registry. The context itself is
// responsible for tearing down its heap and tasks first.
func (r *ContextRegistry) remove(id ContextID) {
	r.mu.Lock()
	delete(r.contexts, id)
	r.mu.Unlock()
}

// Count returns the number of live contexts.
func (r *ContextRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// ForEach calls fn for every live context. The registry lock is held for
// the duration; fn must not create or terminate contexts.
func (r *ContextRegistry) ForEach(fn func(c *Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contexts {
		fn(c)
	}
}
