package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Foreign Handles: opaque cross-context references
// ---------------------------------------------------------------------------

// ForeignHandle stands in for a value that cannot be deep-copied across a
// heap boundary: an (owning-context id, handle id) pair resolved only
// through the originating context's foreign table. It is never dereferenced
// directly, which is what keeps raw pointers from aliasing across heaps.
type ForeignHandle struct {
	Context ContextID
	Handle  uint64
}

func (h ForeignHandle) String() string {
	return fmt.Sprintf("foreign<ctx=%d id=%d>", h.Context, h.Handle)
}

// ForeignTable is a context's registry of values exported as foreign
// handles. Entries are weak: they do not keep their target alive, and
// resolving an entry whose target has been collected (or that was removed)
// fails cleanly with ErrInvalidObjectRef.
type ForeignTable struct {
	mu      sync.RWMutex
	entries map[uint64]Value
	nextID  atomic.Uint64
}

// NewForeignTable creates an empty foreign table.
func NewForeignTable() *ForeignTable {
	t := &ForeignTable{entries: make(map[uint64]Value)}
	t.nextID.Store(1)
	return t
}

// Register exports a value and returns its handle id.
func (t *ForeignTable) Register(v Value) uint64 {
	id := t.nextID.Add(1) - 1
	t.mu.Lock()
	t.entries[id] = v
	t.mu.Unlock()
	return id
}

// Resolve returns the value for the given handle id. Fails with
// ErrInvalidObjectRef once the entry has been removed or swept.
func (t *ForeignTable) Resolve(id uint64) (Value, error) {
	t.mu.RLock()
	v, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return Null, fmt.Errorf("%w: foreign handle %d", ErrInvalidObjectRef, id)
	}
	return v, nil
}

// Remove drops an entry. Removing an absent id is a no-op.
func (t *ForeignTable) Remove(id uint64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Count returns the number of live entries.
func (t *ForeignTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// sweepDead removes entries whose target the given predicate reports dead.
// Called after a collection sweep, while the context is still paused.
// Returns the number of entries removed.
func (t *ForeignTable) sweepDead(dead func(Value) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	swept := 0
	for id, v := range t.entries {
		if dead(v) {
			delete(t.entries, id)
			swept++
		}
	}
	return swept
}

// clear drops every entry. Called when the owning context terminates.
func (t *ForeignTable) clear() {
	t.mu.Lock()
	t.entries = make(map[uint64]Value)
	t.mu.Unlock()
}
